package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gobot.io/x/gobot/v2/platforms/raspi"

	"github.com/agsys/plant-controller/internal/clock"
	"github.com/agsys/plant-controller/internal/cloud"
	"github.com/agsys/plant-controller/internal/config"
	"github.com/agsys/plant-controller/internal/display"
	"github.com/agsys/plant-controller/internal/engine"
	"github.com/agsys/plant-controller/internal/logging"
	"github.com/agsys/plant-controller/internal/netcheck"
	"github.com/agsys/plant-controller/internal/pump"
	"github.com/agsys/plant-controller/internal/selftest"
	"github.com/agsys/plant-controller/internal/sensor"
	"github.com/agsys/plant-controller/internal/storage"
)

// app holds the wired collaborators and what must be released on exit
type app struct {
	engine *engine.Engine
	clock  *clock.Service
	remote *cloud.Client
	tester *selftest.Runner
	pumps  *pump.Controller

	closers []func() error
}

// Close switches the pumps off and releases hardware and the journal
func (a *app) Close() {
	logger := logging.Named("main")
	if a.pumps != nil {
		if err := a.pumps.AllOff(); err != nil {
			logger.Error("failed to switch pumps off", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}
}

func build(cfg *config.Config) (*app, error) {
	logger := logging.Named("main")
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	a.clock = clock.New(clock.NTPSource{Timeout: config.Seconds(cfg.Clock.Timeout)}, cfg.Clock.Servers)

	cloudCfg := cloud.DefaultConfig()
	cloudCfg.BaseURL = cfg.Backend.URL
	cloudCfg.AuthToken = cfg.Backend.AuthToken
	cloudCfg.MaxRetries = cfg.Backend.MaxRetries
	if cfg.Backend.HTTPTimeout > 0 {
		cloudCfg.HTTPTimeout = config.Seconds(cfg.Backend.HTTPTimeout)
	}
	a.remote = cloud.New(cloudCfg, cloud.WithClock(a.clock.NowMillis))
	reporter := cloud.NewReporter(a.remote, config.Seconds(cfg.Timing.ErrorReportInterval), logging.Named(logging.NameCloud))

	pumpCfg := pump.DefaultConfig()
	pumpCfg.Pins = cfg.Hardware.PumpPins
	pumpCfg.ActiveLow = !cfg.Hardware.RelayActiveHigh
	if cfg.Hardware.MaxPumpDuration > 0 {
		pumpCfg.MaxDuration = config.Seconds(cfg.Hardware.MaxPumpDuration)
	}

	var (
		sensors sensor.Reader
		out     pump.Output
	)
	if cfg.Controller.Simulate {
		sim := sensor.NewSimulated()
		sensors = sim
		out = pump.NewMemoryOutput()
		a.pumps = pump.New(pumpCfg, out, pump.WithClock(a.clock.NowMillis))
		a.pumps.OnEvent(func(ev pump.Event) { sim.Water(ev.Pump, ev.Duration) })
		logger.Info("using simulated sensors and outputs")
	} else {
		board := raspi.NewAdaptor()
		if err := board.Connect(); err != nil {
			return fail(fmt.Errorf("failed to connect board: %w", err))
		}
		a.closers = append(a.closers, board.Finalize)

		adc, err := sensor.NewADS1115(board, cfg.Hardware.ADC.Bus, cfg.Hardware.ADC.Address)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, adc.Halt)

		sensors = sensor.NewHardware(adc, sensor.HardwareConfig{
			MoistureChannels: cfg.Hardware.ADC.Channels,
			Calibration:      sensor.Calibration{DryRaw: cfg.Hardware.ADC.DryRaw, WetRaw: cfg.Hardware.ADC.WetRaw},
			ClimateDevice:    cfg.Hardware.ClimateDevice,
			DistanceDevice:   cfg.Hardware.DistanceDevice,
		})
		out = board
		a.pumps = pump.New(pumpCfg, out, pump.WithClock(a.clock.NowMillis))
	}

	stCfg := selftest.DefaultConfig()
	stCfg.VerifyRise = cfg.SelfTest.VerifyRise
	if cfg.SelfTest.PumpDuration > 0 {
		stCfg.PumpDuration = config.Seconds(cfg.SelfTest.PumpDuration)
	}
	a.tester = selftest.New(stCfg, sensors, a.pumps, a.remote,
		selftest.WithJournal(db),
		selftest.WithClock(a.clock.NowMillis))

	engCfg := engine.DefaultConfig()
	engCfg.WateringDuration = config.Seconds(cfg.Timing.WateringDuration)
	engCfg.MaintenanceDuration = positive(cfg.Timing.MaintenanceDuration, engCfg.MaintenanceDuration)
	engCfg.MaintenanceInterval = positive(cfg.Timing.MaintenanceInterval, engCfg.MaintenanceInterval)
	engCfg.SelfTestInterval = positive(cfg.Timing.SelfTestInterval, engCfg.SelfTestInterval)
	engCfg.HistoryInterval = positive(cfg.Timing.HistoryInterval, engCfg.HistoryInterval)
	engCfg.OfflineBackoff = positive(cfg.Timing.OfflineBackoff, engCfg.OfflineBackoff)
	engCfg.ErrorBackoff = positive(cfg.Timing.ErrorBackoff, engCfg.ErrorBackoff)
	engCfg.Retention = time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour

	opts := []engine.Option{engine.WithJournal(db)}

	target, err := netcheck.TargetFromURL(cfg.Backend.URL)
	if err != nil {
		return fail(err)
	}
	ncCfg := netcheck.DefaultConfig()
	ncCfg.Target = target
	ncCfg.RetryDelay = positive(cfg.Timing.ReconnectInterval, ncCfg.RetryDelay)
	opts = append(opts, engine.WithConnectivity(netcheck.New(ncCfg, nil)))

	if cfg.Display.Enabled {
		dir := cfg.Display.FrameDir
		if dir == "" {
			dir = filepath.Join(filepath.Dir(cfg.Storage.Path), "display")
		}
		gate := display.NewGate(&display.FilePanel{Dir: dir})
		if err := gate.Start(); err != nil {
			logger.Warn("display disabled", zap.Error(err))
		} else {
			opts = append(opts, engine.WithDisplay(gate))
		}
	}

	a.engine = engine.New(engCfg, a.clock, a.remote, sensors, a.pumps, a.tester, reporter, opts...)
	a.pumps.OnEvent(a.engine.RecordPumpEvent)
	return a, nil
}

func positive(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return config.Seconds(seconds)
}
