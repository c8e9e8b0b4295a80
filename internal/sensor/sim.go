package sensor

import (
	"time"

	"github.com/agsys/plant-controller/internal/models"
)

// Simulated is an in-memory sensor bench. Watering raises the channel's
// moisture and lowers the tank.
type Simulated struct {
	Moisture   [models.NumChannels]float64
	Climate    Climate
	DistanceCm float64

	// Faults forces a read error per sensor ID
	Faults map[string]error

	// Per second of pumping
	MoistureGain float64
	DistanceGain float64
}

// NewSimulated returns a bench with dry-ish plants and a half-full tank
func NewSimulated() *Simulated {
	return &Simulated{
		Moisture:     [models.NumChannels]float64{35, 45, 55, 65},
		Climate:      Climate{TemperatureC: 21.5, Humidity: 48},
		DistanceCm:   17.5,
		Faults:       make(map[string]error),
		MoistureGain: 2,
		DistanceGain: 0.05,
	}
}

// ReadMoisture implements Reader
func (s *Simulated) ReadMoisture(channel int) (float64, error) {
	id := MoistureID(channel)
	if channel < 0 || channel >= models.NumChannels {
		return 0, &Fault{SensorID: id, Reason: "channel not configured"}
	}
	if err := s.Faults[id]; err != nil {
		return 0, &Fault{SensorID: id, Reason: "simulated", Err: err}
	}
	return Clamp(s.Moisture[channel], 0, 100), nil
}

// ReadClimate implements Reader
func (s *Simulated) ReadClimate() (Climate, error) {
	if err := s.Faults[IDClimate]; err != nil {
		return Climate{}, &Fault{SensorID: IDClimate, Reason: "simulated", Err: err}
	}
	return s.Climate, nil
}

// ReadTankDistance implements Reader
func (s *Simulated) ReadTankDistance() (float64, error) {
	if err := s.Faults[IDDistance]; err != nil {
		return 0, &Fault{SensorID: IDDistance, Reason: "simulated", Err: err}
	}
	return s.DistanceCm, nil
}

// Water applies d of pumping to a channel
func (s *Simulated) Water(channel int, d time.Duration) {
	if channel < 0 || channel >= models.NumChannels {
		return
	}
	sec := d.Seconds()
	s.Moisture[channel] = Clamp(s.Moisture[channel]+sec*s.MoistureGain, 0, 100)
	s.DistanceCm = Clamp(s.DistanceCm+sec*s.DistanceGain, 0, MaxDistanceCm)
}
