// Package sensor reads soil moisture, climate and tank distance and maps
// raw values into calibrated, bounded units.
package sensor

import (
	"fmt"
)

// Sensor identifiers used in faults and error log entries
const (
	IDClimate  = "DHT11"
	IDDistance = "Ultrasonic"
)

// MoistureID names a moisture channel (0-based) the way the dashboard does
func MoistureID(channel int) string {
	return fmt.Sprintf("Moisture Sensor %d", channel+1)
}

// Fault is a failed or implausible sensor read
type Fault struct {
	SensorID string
	Reason   string
	Err      error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.SensorID, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.SensorID, f.Reason)
}

func (f *Fault) Unwrap() error { return f.Err }

// Climate is one temperature/humidity sample
type Climate struct {
	TemperatureC float64
	Humidity     float64
}

// Reader is the sensor acquisition boundary. Every call returns a bounded
// value or a *Fault; callers do not retry.
type Reader interface {
	ReadMoisture(channel int) (float64, error) // percent
	ReadClimate() (Climate, error)
	ReadTankDistance() (float64, error) // centimeters
}

// Calibration maps raw ADC counts to moisture percent. Capacitive probes
// read high when dry.
type Calibration struct {
	DryRaw int
	WetRaw int
}

// DefaultCalibration is for a 12-bit ADC
var DefaultCalibration = Calibration{DryRaw: 4095, WetRaw: 1200}

// MoisturePercent converts a raw reading to percent in [0,100]
func MoisturePercent(raw int, cal Calibration) float64 {
	span := float64(cal.DryRaw - cal.WetRaw)
	if span == 0 {
		return 0
	}
	return Clamp(float64(cal.DryRaw-raw)/span*100, 0, 100)
}

// Tank geometry used when no tank height is configured
const (
	FullDistanceCm     = 5.0
	FallbackTankHeight = 30.0
)

// WaterLevelPercent converts the measured distance from the sensor to the
// water surface to a fill percentage. The sensor sits FullDistanceCm above
// the full mark, so a tank of height h is empty at distance h.
func WaterLevelPercent(distanceCm, tankHeightCm float64) float64 {
	if tankHeightCm <= FullDistanceCm {
		if tankHeightCm <= 0 {
			return 0
		}
		return Clamp((tankHeightCm-distanceCm)/tankHeightCm*100, 0, 100)
	}
	if distanceCm <= FullDistanceCm {
		return 100
	}
	if distanceCm >= tankHeightCm {
		return 0
	}
	return Clamp(100-(distanceCm-FullDistanceCm)*100/(tankHeightCm-FullDistanceCm), 0, 100)
}

// FallbackWaterLevelPercent is WaterLevelPercent for the built-in tank
func FallbackWaterLevelPercent(distanceCm float64) float64 {
	return WaterLevelPercent(distanceCm, FallbackTankHeight)
}

// Clamp bounds v to [lo,hi]
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
