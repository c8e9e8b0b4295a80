// Package models defines the documents exchanged with the backend.
package models

// NumChannels is the number of physical moisture channels and pumps
const NumChannels = 4

// SensorReading is one cycle's worth of measurements
type SensorReading struct {
	Timestamp     int64                `json:"timestamp"` // UTC ms
	Moisture      [NumChannels]float64 `json:"plantMoisture"`
	TemperatureC  float64              `json:"temperature"`
	Humidity      float64              `json:"humidity"`
	WaterLevelPct float64              `json:"waterLevel"`
	WaterLevelCm  float64              `json:"waterLevelCm"`
}

// HistoricalPoint is the reduced reading appended to historicalData
type HistoricalPoint struct {
	Timestamp     int64                `json:"timestamp"`
	Moisture      [NumChannels]float64 `json:"plantMoisture"`
	TemperatureC  float64              `json:"temperature"`
	Humidity      float64              `json:"humidity"`
	WaterLevelPct float64              `json:"waterLevel"`
}

// Historical reduces a reading to a history point
func (r SensorReading) Historical() HistoricalPoint {
	return HistoricalPoint{
		Timestamp:     r.Timestamp,
		Moisture:      r.Moisture,
		TemperatureC:  r.TemperatureC,
		Humidity:      r.Humidity,
		WaterLevelPct: r.WaterLevelPct,
	}
}

// PlantProfile is the per-plant watering configuration
type PlantProfile struct {
	ID          int     `json:"id"`
	Name        string  `json:"name,omitempty"`
	MoistureMin float64 `json:"moistureMin"`
	MoistureMax float64 `json:"moistureMax,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"` // nil means enabled
}

// Active reports whether auto-watering applies to the plant
func (p PlantProfile) Active() bool {
	return p.Enabled == nil || *p.Enabled
}

// WaterTank describes the reservoir geometry in centimeters
type WaterTank struct {
	DiameterCm float64 `json:"diameter"`
	HeightCm   float64 `json:"height"`
}

// Settings is owned by the backend and reloaded every cycle
type Settings struct {
	NumberOfPlants         int            `json:"numberOfPlants"`
	MeasurementIntervalSec int            `json:"measurementInterval"`
	PlantProfiles          []PlantProfile `json:"plantProfiles"`
	WaterTank              *WaterTank     `json:"waterTank,omitempty"`
}

// Settings defaults and bounds
const (
	DefaultMoistureMin            = 30
	DefaultMeasurementIntervalSec = 300
	MinMeasurementIntervalSec     = 60
	MaxMeasurementIntervalSec     = 86400
)

// Normalize clamps the plant count and interval into range and fills
// missing plant profiles with defaults
func (s *Settings) Normalize() {
	if s.NumberOfPlants < 1 {
		s.NumberOfPlants = 1
	}
	if s.NumberOfPlants > NumChannels {
		s.NumberOfPlants = NumChannels
	}

	switch {
	case s.MeasurementIntervalSec <= 0:
		s.MeasurementIntervalSec = DefaultMeasurementIntervalSec
	case s.MeasurementIntervalSec < MinMeasurementIntervalSec:
		s.MeasurementIntervalSec = MinMeasurementIntervalSec
	case s.MeasurementIntervalSec > MaxMeasurementIntervalSec:
		s.MeasurementIntervalSec = MaxMeasurementIntervalSec
	}

	for i := len(s.PlantProfiles); i < s.NumberOfPlants; i++ {
		s.PlantProfiles = append(s.PlantProfiles, PlantProfile{
			ID:          i + 1,
			MoistureMin: DefaultMoistureMin,
		})
	}

	if s.WaterTank != nil && s.WaterTank.HeightCm <= 0 {
		s.WaterTank = nil
	}
}

// TankHeight returns the configured tank height, if any
func (s *Settings) TankHeight() (float64, bool) {
	if s == nil || s.WaterTank == nil || s.WaterTank.HeightCm <= 0 {
		return 0, false
	}
	return s.WaterTank.HeightCm, true
}

// ManualCommand requests a one-off pump run from the dashboard
type ManualCommand struct {
	PlantID     int   `json:"plantId"` // 1-based
	DurationSec int   `json:"duration,omitempty"`
	Timestamp   int64 `json:"timestamp,omitempty"`
}

// ManualTestTrigger requests a self-test from the dashboard
type ManualTestTrigger struct {
	Trigger   bool  `json:"trigger"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// DisplayStatus is the coarse health class shown on the panel
type DisplayStatus string

const (
	StatusOK      DisplayStatus = "ok"
	StatusWarning DisplayStatus = "warning"
	StatusError   DisplayStatus = "error"
)

// SystemStatus is published every cycle
type SystemStatus struct {
	Online        bool          `json:"online"`
	LastUpdate    int64         `json:"lastUpdate"`
	DisplayStatus DisplayStatus `json:"displayStatus"`
}

// TestStatus is the aggregated self-test outcome
type TestStatus string

const (
	TestPassed  TestStatus = "passed"
	TestWarning TestStatus = "warning"
	TestFailed  TestStatus = "failed"
)

// SensorTests holds the per-sensor self-test outcomes
type SensorTests struct {
	MoistureSensors []bool `json:"moistureSensors"`
	Climate         bool   `json:"dht11"`
	Distance        bool   `json:"ultrasonic"`
}

// TestResult is the report produced by a self-test run
type TestResult struct {
	ID               string      `json:"id"`
	Timestamp        int64       `json:"timestamp"`
	Trigger          string      `json:"trigger"`
	OverallStatus    TestStatus  `json:"overallStatus"`
	SensorTests      SensorTests `json:"sensorTests"`
	PumpTests        []bool      `json:"pumpTests"`
	ConnectivityTest bool        `json:"connectivityTest"`
	FailedCount      int         `json:"failedCount"`
	Details          string      `json:"details"`
}

// Severity of an error log entry
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ErrorLogEntry is one record in the capped systemErrors collection
type ErrorLogEntry struct {
	Timestamp int64    `json:"timestamp"`
	ErrorType string   `json:"errorType"`
	Component string   `json:"component"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Resolved  bool     `json:"resolved"`
}
