// Package storage provides the SQLite journal kept on the controller.
package storage

import (
	"time"

	"github.com/agsys/plant-controller/internal/models"
)

// Reading is a journaled sensor reading
type Reading struct {
	ID            int64                       `json:"id"`
	UID           string                      `json:"uid"`
	Timestamp     int64                       `json:"timestamp"` // UTC ms
	Moisture      [models.NumChannels]float64 `json:"moisture"`
	TemperatureC  float64                     `json:"temperature_c"`
	Humidity      float64                     `json:"humidity"`
	WaterLevelPct float64                     `json:"water_level_pct"`
	WaterLevelCm  float64                     `json:"water_level_cm"`
	SyncedToCloud bool                        `json:"synced_to_cloud"`
}

// FromSensorReading builds a journal row
func FromSensorReading(r models.SensorReading) *Reading {
	return &Reading{
		Timestamp:     r.Timestamp,
		Moisture:      r.Moisture,
		TemperatureC:  r.TemperatureC,
		Humidity:      r.Humidity,
		WaterLevelPct: r.WaterLevelPct,
		WaterLevelCm:  r.WaterLevelCm,
	}
}

// Point returns the row as a history point
func (r *Reading) Point() models.HistoricalPoint {
	return models.HistoricalPoint{
		Timestamp:     r.Timestamp,
		Moisture:      r.Moisture,
		TemperatureC:  r.TemperatureC,
		Humidity:      r.Humidity,
		WaterLevelPct: r.WaterLevelPct,
	}
}

// PumpEvent is one finished pump activation
type PumpEvent struct {
	ID        int64         `json:"id"`
	Pump      int           `json:"pump"` // 1-based
	Reason    string        `json:"reason"`
	StartedAt int64         `json:"started_at"` // UTC ms
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// TestRecord is a journaled self-test report
type TestRecord struct {
	ID            string            `json:"id"`
	Timestamp     int64             `json:"timestamp"`
	Trigger       string            `json:"trigger"`
	OverallStatus models.TestStatus `json:"overall_status"`
	FailedCount   int               `json:"failed_count"`
	Details       string            `json:"details"`
	Payload       string            `json:"payload"` // Full report as JSON
}

// Stats summarizes the journal
type Stats struct {
	Readings         int64 `json:"readings"`
	UnsyncedReadings int64 `json:"unsynced_readings"`
	PumpEvents       int64 `json:"pump_events"`
	TestResults      int64 `json:"test_results"`
	FirstReading     int64 `json:"first_reading,omitempty"`
	LastReading      int64 `json:"last_reading,omitempty"`
}
