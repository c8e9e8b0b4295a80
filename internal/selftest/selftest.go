// Package selftest runs the hardware and connectivity battery and
// publishes the aggregated report.
package selftest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agsys/plant-controller/internal/logging"
	"github.com/agsys/plant-controller/internal/models"
	"github.com/agsys/plant-controller/internal/pump"
	"github.com/agsys/plant-controller/internal/sensor"
)

// Trigger sources
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerStartup   = "startup"
)

// Plausibility bounds
const (
	MinTemperatureC    = -40.0
	MaxTemperatureC    = 80.0
	MinDistanceCm      = 2.0
	MaxDistanceCm      = 400.0
	TankHeightMarginCm = 5.0
)

// TotalTests is the size of the battery
const TotalTests = 2*models.NumChannels + 3

// Pumps is the subset of the pump controller used by the battery
type Pumps interface {
	Activate(pump int, d time.Duration, reason string) error
}

// Remote is the subset of the backend client used by the battery
type Remote interface {
	RoundTrip(ctx context.Context) error
	PublishTestResult(ctx context.Context, r models.TestResult) error
}

// Journal stores reports locally
type Journal interface {
	InsertTestResult(r models.TestResult) error
}

// Config holds self-test configuration
type Config struct {
	PumpDuration time.Duration // Plain pump check run time
	VerifyRise   bool          // Require moisture to rise after a short run
	RiseRun      time.Duration
	RiseSettle   time.Duration
}

// DefaultConfig returns default self-test configuration
func DefaultConfig() Config {
	return Config{
		PumpDuration: time.Second,
		RiseRun:      3 * time.Second,
		RiseSettle:   60 * time.Second,
	}
}

// Runner executes the battery
type Runner struct {
	config    Config
	sensors   sensor.Reader
	pumps     Pumps
	remote    Remote
	journal   Journal
	nowMillis func() int64
	sleep     func(time.Duration)
	logger    *zap.Logger
}

// Option customizes a Runner
type Option func(*Runner)

// WithJournal stores every report locally
func WithJournal(j Journal) Option {
	return func(r *Runner) { r.journal = j }
}

// WithClock sets the UTC millisecond clock for report timestamps
func WithClock(fn func() int64) Option {
	return func(r *Runner) { r.nowMillis = fn }
}

// WithSleep replaces the settle wait of the rise check
func WithSleep(fn func(time.Duration)) Option {
	return func(r *Runner) { r.sleep = fn }
}

// New creates a self-test runner
func New(config Config, sensors sensor.Reader, pumps Pumps, remote Remote, opts ...Option) *Runner {
	r := &Runner{
		config:    config,
		sensors:   sensors,
		pumps:     pumps,
		remote:    remote,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
		sleep:     time.Sleep,
		logger:    logging.Named(logging.NameSelfTest),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Aggregate maps a failure count to the overall status
func Aggregate(failed int) models.TestStatus {
	switch {
	case failed == 0:
		return models.TestPassed
	case failed <= 2:
		return models.TestWarning
	default:
		return models.TestFailed
	}
}

// Run executes the full battery and publishes the report. settings may be
// nil when none were ever loaded.
func (r *Runner) Run(ctx context.Context, trigger string, settings *models.Settings) models.TestResult {
	r.logger.Info("self-test started", zap.String("trigger", trigger))

	var failures []string
	fail := func(name, reason string) {
		failures = append(failures, name+": "+reason)
	}

	res := models.TestResult{
		ID:        uuid.New().String(),
		Timestamp: r.nowMillis(),
		Trigger:   trigger,
		SensorTests: models.SensorTests{
			MoistureSensors: make([]bool, models.NumChannels),
		},
		PumpTests: make([]bool, models.NumChannels),
	}

	for ch := 0; ch < models.NumChannels; ch++ {
		v, err := r.sensors.ReadMoisture(ch)
		switch {
		case err != nil:
			fail(sensor.MoistureID(ch), err.Error())
		case v < 0 || v > 100:
			fail(sensor.MoistureID(ch), fmt.Sprintf("out of range %.1f%%", v))
		default:
			res.SensorTests.MoistureSensors[ch] = true
		}
	}

	if c, err := r.sensors.ReadClimate(); err != nil {
		fail(sensor.IDClimate, err.Error())
	} else if c.TemperatureC < MinTemperatureC || c.TemperatureC > MaxTemperatureC || c.Humidity < 0 || c.Humidity > 100 {
		fail(sensor.IDClimate, fmt.Sprintf("implausible %.1fC %.1f%%", c.TemperatureC, c.Humidity))
	} else {
		res.SensorTests.Climate = true
	}

	if d, err := r.sensors.ReadTankDistance(); err != nil {
		fail(sensor.IDDistance, err.Error())
	} else if ok, reason := distancePlausible(d, settings); !ok {
		fail(sensor.IDDistance, reason)
	} else {
		res.SensorTests.Distance = true
	}

	for p := 0; p < models.NumChannels; p++ {
		if err := r.checkPump(ctx, p, settings); err != nil {
			fail(fmt.Sprintf("Pump %d", p+1), err.Error())
			continue
		}
		res.PumpTests[p] = true
	}

	if err := r.remote.RoundTrip(ctx); err != nil {
		fail("Connectivity", err.Error())
	} else {
		res.ConnectivityTest = true
	}

	res.FailedCount = len(failures)
	res.OverallStatus = Aggregate(res.FailedCount)
	if len(failures) == 0 {
		res.Details = fmt.Sprintf("all %d tests passed", TotalTests)
	} else {
		res.Details = strings.Join(failures, "; ")
	}

	r.logger.Info("self-test finished",
		zap.String("status", string(res.OverallStatus)),
		zap.Int("failed", res.FailedCount),
		zap.String("details", res.Details))

	if err := r.remote.PublishTestResult(ctx, res); err != nil {
		r.logger.Warn("failed to publish test result", zap.Error(err))
	}
	if r.journal != nil {
		if err := r.journal.InsertTestResult(res); err != nil {
			r.logger.Warn("failed to journal test result", zap.Error(err))
		}
	}
	return res
}

func distancePlausible(d float64, settings *models.Settings) (bool, string) {
	if h, ok := settings.TankHeight(); ok {
		max := h + TankHeightMarginCm
		if d <= 0 || d > max {
			return false, fmt.Sprintf("%.1f cm outside (0, %.1f]", d, max)
		}
		return true, ""
	}
	if d < MinDistanceCm || d > MaxDistanceCm {
		return false, fmt.Sprintf("%.1f cm outside [%.0f, %.0f]", d, MinDistanceCm, MaxDistanceCm)
	}
	return true, ""
}

// checkPump runs the pump briefly. With VerifyRise on a configured plant
// the moisture reading must rise after the run.
func (r *Runner) checkPump(ctx context.Context, p int, settings *models.Settings) error {
	verify := r.config.VerifyRise && settings != nil && p < settings.NumberOfPlants
	if !verify {
		return r.pumps.Activate(p, r.config.PumpDuration, pump.ReasonSelfTest)
	}

	before, err := r.sensors.ReadMoisture(p)
	if err != nil {
		return fmt.Errorf("reading before run: %w", err)
	}
	if err := r.pumps.Activate(p, r.config.RiseRun, pump.ReasonSelfTest); err != nil {
		return err
	}
	if ctx.Err() == nil {
		r.sleep(r.config.RiseSettle)
	}
	after, err := r.sensors.ReadMoisture(p)
	if err != nil {
		return fmt.Errorf("reading after run: %w", err)
	}
	if after <= before {
		return fmt.Errorf("moisture did not rise (%.1f%% -> %.1f%%)", before, after)
	}
	return nil
}
