// Package config loads the controller configuration file and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvKeyBackendURL  = "PLANT_BACKEND_URL"
	EnvKeyBackendAuth = "PLANT_BACKEND_AUTH"
	EnvKeyLogLevel    = "PLANT_LOG_LEVEL"
	EnvKeyDBPath      = "PLANT_DB_PATH"
)

// Config represents the configuration file structure
type Config struct {
	Controller struct {
		Name     string `yaml:"name"`
		Simulate bool   `yaml:"simulate"` // Use simulated sensors and outputs
	} `yaml:"controller"`

	Backend struct {
		URL         string `yaml:"url"`
		AuthToken   string `yaml:"auth_token"`
		MaxRetries  int    `yaml:"max_retries"`
		HTTPTimeout int    `yaml:"http_timeout"`
	} `yaml:"backend"`

	Clock struct {
		Servers []string `yaml:"servers"`
		Timeout int      `yaml:"timeout"`
	} `yaml:"clock"`

	Hardware struct {
		PumpPins        []string `yaml:"pump_pins"`
		RelayActiveHigh bool     `yaml:"relay_active_high"`
		MaxPumpDuration int      `yaml:"max_pump_duration"`

		ADC struct {
			Bus      int      `yaml:"bus"`
			Address  int      `yaml:"address"`
			Channels []string `yaml:"channels"`
			DryRaw   int      `yaml:"dry_raw"`
			WetRaw   int      `yaml:"wet_raw"`
		} `yaml:"adc"`

		ClimateDevice  string `yaml:"climate_device"`
		DistanceDevice string `yaml:"distance_device"`
	} `yaml:"hardware"`

	Display struct {
		Enabled  bool   `yaml:"enabled"`
		FrameDir string `yaml:"frame_dir"`
	} `yaml:"display"`

	Timing struct {
		WateringDuration    int `yaml:"watering_duration"`
		MaintenanceDuration int `yaml:"maintenance_duration"`
		MaintenanceInterval int `yaml:"maintenance_interval"`
		SelfTestInterval    int `yaml:"self_test_interval"`
		HistoryInterval     int `yaml:"history_interval"`
		OfflineBackoff      int `yaml:"offline_backoff"`
		ErrorBackoff        int `yaml:"error_backoff"`
		ReconnectInterval   int `yaml:"reconnect_interval"`
		ErrorReportInterval int `yaml:"error_report_interval"`
	} `yaml:"timing"`

	SelfTest struct {
		VerifyRise   bool `yaml:"verify_rise"`
		PumpDuration int  `yaml:"pump_duration"`
	} `yaml:"self_test"`

	Storage struct {
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"storage"`

	Logging struct {
		Level       string `yaml:"level"`
		File        string `yaml:"file"`
		Development bool   `yaml:"development"`
		MaxSizeMB   int    `yaml:"max_size_mb"`
		MaxBackups  int    `yaml:"max_backups"`
		MaxAgeDays  int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := &Config{}
	cfg.Controller.Name = "plant-controller"

	cfg.Backend.MaxRetries = 3
	cfg.Backend.HTTPTimeout = 15

	cfg.Clock.Timeout = 5

	cfg.Hardware.PumpPins = []string{"11", "13", "15", "16"}
	cfg.Hardware.MaxPumpDuration = 120
	cfg.Hardware.ADC.Address = 0x48
	cfg.Hardware.ADC.Channels = []string{"0", "1", "2", "3"}
	cfg.Hardware.ADC.DryRaw = 26000
	cfg.Hardware.ADC.WetRaw = 11000
	cfg.Hardware.ClimateDevice = "/sys/bus/iio/devices/iio:device0"
	cfg.Hardware.DistanceDevice = "/sys/bus/iio/devices/iio:device1"

	cfg.Timing.WateringDuration = 5
	cfg.Timing.MaintenanceDuration = 10
	cfg.Timing.MaintenanceInterval = 24 * 3600
	cfg.Timing.SelfTestInterval = 7 * 24 * 3600
	cfg.Timing.HistoryInterval = 3600
	cfg.Timing.OfflineBackoff = 30
	cfg.Timing.ErrorBackoff = 60
	cfg.Timing.ReconnectInterval = 5
	cfg.Timing.ErrorReportInterval = 900

	cfg.SelfTest.PumpDuration = 1

	cfg.Storage.Path = "/var/lib/plant/controller.db"
	cfg.Storage.RetentionDays = 30

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 28
	return cfg
}

// Load reads path over the defaults, then applies .env files and
// environment overrides. A missing path is not an error when
// allowMissing is set.
func Load(path string, allowMissing bool, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist) && allowMissing:
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvKeyBackendURL)); v != "" {
		c.Backend.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvKeyBackendAuth)); v != "" {
		c.Backend.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvKeyLogLevel)); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvKeyDBPath)); v != "" {
		c.Storage.Path = v
	}
}

// Validate checks required fields and ranges
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, fmt.Errorf("backend.url is required (or set %s)", EnvKeyBackendURL))
	} else if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		errs = append(errs, fmt.Errorf("backend.url must be http(s): %q", c.Backend.URL))
	}
	if c.Backend.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("backend.max_retries must be at least 1"))
	}
	if len(c.Hardware.PumpPins) != 4 {
		errs = append(errs, fmt.Errorf("hardware.pump_pins must list 4 pins, got %d", len(c.Hardware.PumpPins)))
	}
	if !c.Controller.Simulate && len(c.Hardware.ADC.Channels) != 4 {
		errs = append(errs, fmt.Errorf("hardware.adc.channels must list 4 channels, got %d", len(c.Hardware.ADC.Channels)))
	}
	if c.Hardware.ADC.DryRaw == c.Hardware.ADC.WetRaw {
		errs = append(errs, fmt.Errorf("hardware.adc.dry_raw and wet_raw must differ"))
	}
	if c.Timing.WateringDuration <= 0 {
		errs = append(errs, fmt.Errorf("timing.watering_duration must be positive"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}
	return errors.Join(errs...)
}

// Seconds converts a configured second count to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
