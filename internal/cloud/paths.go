package cloud

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agsys/plant-controller/internal/models"
)

// Fixed document paths
const (
	PathSensorData     = "sensorData"
	PathSystemStatus   = "systemStatus"
	PathSettings       = "settings"
	PathManualWatering = "manualWatering"
	PathManualTest     = "manualTest"
	PathLastTest       = "lastTest"
	PathSystemErrors   = "systemErrors"
	PathHistoricalData = "historicalData"
	PathTestConnection = "testConnection"
)

// PublishReading overwrites the latest sensor snapshot
func (c *Client) PublishReading(ctx context.Context, r models.SensorReading) error {
	return c.Put(ctx, PathSensorData, r)
}

// PublishStatus overwrites the system status document
func (c *Client) PublishStatus(ctx context.Context, s models.SystemStatus) error {
	return c.Put(ctx, PathSystemStatus, s)
}

// AppendHistory adds a point to the historical series
func (c *Client) AppendHistory(ctx context.Context, p models.HistoricalPoint) (string, error) {
	return c.Post(ctx, PathHistoricalData, p)
}

// FetchSettings reads the settings document. It reports false when the
// backend holds none.
func (c *Client) FetchSettings(ctx context.Context) (models.Settings, bool, error) {
	var s models.Settings
	ok, err := c.GetInto(ctx, PathSettings, &s)
	if err != nil || !ok {
		return models.Settings{}, false, err
	}
	return s, true, nil
}

// FetchManualCommand reads a pending manual watering request
func (c *Client) FetchManualCommand(ctx context.Context) (*models.ManualCommand, error) {
	var cmd models.ManualCommand
	ok, err := c.GetInto(ctx, PathManualWatering, &cmd)
	if err != nil || !ok || cmd.PlantID == 0 {
		return nil, err
	}
	return &cmd, nil
}

// ClearManualCommand removes the manual watering request
func (c *Client) ClearManualCommand(ctx context.Context) error {
	return c.Put(ctx, PathManualWatering, nil)
}

// FetchManualTest reads the manual self-test trigger
func (c *Client) FetchManualTest(ctx context.Context) (bool, error) {
	var trig models.ManualTestTrigger
	ok, err := c.GetInto(ctx, PathManualTest, &trig)
	if err != nil || !ok {
		return false, err
	}
	return trig.Trigger, nil
}

// ClearManualTest resets the manual self-test trigger
func (c *Client) ClearManualTest(ctx context.Context) error {
	return c.Put(ctx, PathManualTest, models.ManualTestTrigger{Trigger: false, Timestamp: c.nowMillis()})
}

// PublishTestResult overwrites the last self-test report
func (c *Client) PublishTestResult(ctx context.Context, r models.TestResult) error {
	return c.Put(ctx, PathLastTest, r)
}

// RoundTrip writes a probe value to testConnection and reads it back
func (c *Client) RoundTrip(ctx context.Context) error {
	probe := map[string]int64{"timestamp": c.nowMillis()}
	if err := c.Put(ctx, PathTestConnection, probe); err != nil {
		return err
	}

	raw, err := c.Get(ctx, PathTestConnection)
	if err != nil {
		return err
	}
	var got map[string]int64
	if raw == nil || json.Unmarshal(raw, &got) != nil || got["timestamp"] != probe["timestamp"] {
		return fmt.Errorf("testConnection read back mismatch")
	}
	return nil
}
