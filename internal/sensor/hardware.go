package sensor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gobot.io/x/gobot/v2/drivers/i2c"
)

// ADC reads a raw value from a named analog input
type ADC interface {
	AnalogRead(pin string) (int, error)
}

// ADS1115 is a started gobot ADS1115 driver
type ADS1115 struct {
	ADC
	halt func() error
}

// Halt stops the driver
func (a *ADS1115) Halt() error { return a.halt() }

// NewADS1115 starts an ADS1115 on the given connector. Zero bus or
// address select the adaptor defaults.
func NewADS1115(conn i2c.Connector, bus, address int) (*ADS1115, error) {
	var opts []func(i2c.Config)
	if bus > 0 {
		opts = append(opts, i2c.WithBus(bus))
	}
	if address > 0 {
		opts = append(opts, i2c.WithAddress(address))
	}
	drv := i2c.NewADS1115Driver(conn, opts...)
	if err := drv.Start(); err != nil {
		return nil, fmt.Errorf("start ads1115: %w", err)
	}
	return &ADS1115{ADC: drv, halt: drv.Halt}, nil
}

// HardwareConfig wires the physical sensors
type HardwareConfig struct {
	MoistureChannels []string // ADC pins, one per plant
	Calibration      Calibration
	ClimateDevice    string // IIO device dir of the dht11 driver
	DistanceDevice   string // IIO device dir of the srf04 driver
}

// Hardware reads moisture from an ADC and climate and distance from Linux
// IIO devices
type Hardware struct {
	adc      ADC
	config   HardwareConfig
	climate  IIOClimate
	distance IIODistance
}

// NewHardware creates a hardware reader
func NewHardware(adc ADC, config HardwareConfig) *Hardware {
	if config.Calibration == (Calibration{}) {
		config.Calibration = DefaultCalibration
	}
	return &Hardware{
		adc:      adc,
		config:   config,
		climate:  IIOClimate{Dir: config.ClimateDevice},
		distance: IIODistance{Dir: config.DistanceDevice},
	}
}

// ReadMoisture implements Reader
func (h *Hardware) ReadMoisture(channel int) (float64, error) {
	id := MoistureID(channel)
	if channel < 0 || channel >= len(h.config.MoistureChannels) {
		return 0, &Fault{SensorID: id, Reason: "channel not configured"}
	}
	if h.adc == nil {
		return 0, &Fault{SensorID: id, Reason: "no ADC"}
	}

	raw, err := h.adc.AnalogRead(h.config.MoistureChannels[channel])
	if err != nil {
		return 0, &Fault{SensorID: id, Reason: "adc read", Err: err}
	}
	if raw < 0 {
		return 0, &Fault{SensorID: id, Reason: fmt.Sprintf("negative raw value %d", raw)}
	}
	return MoisturePercent(raw, h.config.Calibration), nil
}

// ReadClimate implements Reader
func (h *Hardware) ReadClimate() (Climate, error) {
	return h.climate.Read()
}

// ReadTankDistance implements Reader
func (h *Hardware) ReadTankDistance() (float64, error) {
	return h.distance.Read()
}

// IIOClimate reads the dht11 kernel driver
type IIOClimate struct {
	Dir string
}

// Read returns one temperature/humidity sample
func (c IIOClimate) Read() (Climate, error) {
	temp, err := readIIO(c.Dir, "in_temp_input")
	if err != nil {
		return Climate{}, &Fault{SensorID: IDClimate, Reason: "temperature read", Err: err}
	}
	hum, err := readIIO(c.Dir, "in_humidityrelative_input")
	if err != nil {
		return Climate{}, &Fault{SensorID: IDClimate, Reason: "humidity read", Err: err}
	}

	// Both channels report milli-units
	out := Climate{TemperatureC: temp / 1000, Humidity: hum / 1000}
	if out.TemperatureC < -40 || out.TemperatureC > 80 || out.Humidity < 0 || out.Humidity > 100 {
		return Climate{}, &Fault{SensorID: IDClimate, Reason: fmt.Sprintf("implausible sample %.1fC %.1f%%", out.TemperatureC, out.Humidity)}
	}
	return out, nil
}

// MaxDistanceCm bounds what the ultrasonic sensor can report
const MaxDistanceCm = 450.0

// IIODistance reads the srf04 kernel driver
type IIODistance struct {
	Dir string
}

// Read returns the echo distance in centimeters
func (d IIODistance) Read() (float64, error) {
	raw, err := readIIO(d.Dir, "in_distance_raw")
	if err != nil {
		return 0, &Fault{SensorID: IDDistance, Reason: "distance read", Err: err}
	}

	// The scale is meters per raw unit; the driver reports millimeters
	scale, err := readIIO(d.Dir, "in_distance_scale")
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return 0, &Fault{SensorID: IDDistance, Reason: "scale read", Err: err}
		}
		scale = 0.001
	}

	cm := raw * scale * 100
	if cm <= 0 || cm > MaxDistanceCm {
		return 0, &Fault{SensorID: IDDistance, Reason: fmt.Sprintf("no echo (%.1f cm)", cm)}
	}
	return cm, nil
}

func readIIO(dir, name string) (float64, error) {
	if dir == "" {
		return 0, errors.New("device not configured")
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}
