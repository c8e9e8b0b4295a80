// Package engine runs the controller's measurement cycle: read sensors,
// publish to the backend, act on commands and thresholds, and keep the
// periodic maintenance and self-test timers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/agsys/plant-controller/internal/cloud"
	"github.com/agsys/plant-controller/internal/display"
	"github.com/agsys/plant-controller/internal/logging"
	"github.com/agsys/plant-controller/internal/models"
	"github.com/agsys/plant-controller/internal/pump"
	"github.com/agsys/plant-controller/internal/selftest"
	"github.com/agsys/plant-controller/internal/sensor"
	"github.com/agsys/plant-controller/internal/storage"
)

// Persisted timer names
const (
	TimerMaintenance = "maintenance"
	TimerSelfTest    = "self_test"
	TimerHistory     = "history"
)

// Config holds engine configuration
type Config struct {
	WateringDuration    time.Duration
	MaintenanceDuration time.Duration
	MaintenanceInterval time.Duration
	MaintenancePump     int // 0-based
	SelfTestInterval    time.Duration
	HistoryInterval     time.Duration
	HistoryBatch        int           // Journal rows replayed per cycle
	Retention           time.Duration // Synced journal rows older than this are purged
	OfflineBackoff      time.Duration
	ErrorBackoff        time.Duration
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		WateringDuration:    5 * time.Second,
		MaintenanceDuration: 10 * time.Second,
		MaintenanceInterval: 24 * time.Hour,
		MaintenancePump:     models.NumChannels - 1,
		SelfTestInterval:    7 * 24 * time.Hour,
		HistoryInterval:     time.Hour,
		HistoryBatch:        24,
		Retention:           30 * 24 * time.Hour,
		OfflineBackoff:      30 * time.Second,
		ErrorBackoff:        60 * time.Second,
	}
}

// Clock is the time source owned by the engine
type Clock interface {
	Sync(ctx context.Context) error
	NowMillis() int64
}

// Remote is the backend surface used by the cycle
type Remote interface {
	PublishReading(ctx context.Context, r models.SensorReading) error
	PublishStatus(ctx context.Context, s models.SystemStatus) error
	AppendHistory(ctx context.Context, p models.HistoricalPoint) (string, error)
	FetchSettings(ctx context.Context) (models.Settings, bool, error)
	FetchManualCommand(ctx context.Context) (*models.ManualCommand, error)
	ClearManualCommand(ctx context.Context) error
	FetchManualTest(ctx context.Context) (bool, error)
	ClearManualTest(ctx context.Context) error
}

// Pumps drives the pump outputs
type Pumps interface {
	Activate(pump int, d time.Duration, reason string) error
	AllOff() error
}

// SelfTester runs the diagnostic battery
type SelfTester interface {
	Run(ctx context.Context, trigger string, settings *models.Settings) models.TestResult
}

// Faults receives remote-visible failures
type Faults interface {
	Report(ctx context.Context, errorType, component string, err error, severity models.Severity) bool
}

// Display shows the coarse status class
type Display interface {
	Update(status models.DisplayStatus) (bool, error)
}

// Connectivity checks that the backend can be reached
type Connectivity interface {
	Ensure(ctx context.Context) error
}

// Journal is the local store for readings, pump events and timers
type Journal interface {
	InsertReading(r *storage.Reading) (int64, error)
	GetUnsyncedReadings(limit int) ([]*storage.Reading, error)
	MarkReadingSynced(id int64) error
	PurgeSyncedReadings(before int64) (int64, error)
	InsertPumpEvent(e *storage.PumpEvent) (int64, error)
	GetTimer(name string) (int64, error)
	SetTimer(name string, value int64) error
}

// Snapshot is one cycle's reading plus what the cycle knows about its quality
type Snapshot struct {
	Reading    models.SensorReading
	Faulted    [models.NumChannels]bool // Moisture channel read failed; value is a sentinel
	WaterKnown bool                     // Distance read succeeded
}

// Engine owns the settings cache, the timers, and every collaborator
type Engine struct {
	config  Config
	clock   Clock
	remote  Remote
	sensors sensor.Reader
	pumps   Pumps
	tester  SelfTester
	faults  Faults

	display Display
	net     Connectivity
	journal Journal

	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger

	settings        *models.Settings // nil until the first successful fetch
	lastMaintenance int64            // UTC ms
	lastSelfTest    int64
	lastHistory     int64
}

// Option configures an Engine
type Option func(*Engine)

// WithDisplay attaches a status display
func WithDisplay(d Display) Option {
	return func(e *Engine) { e.display = d }
}

// WithConnectivity attaches a reachability check run before each cycle
func WithConnectivity(c Connectivity) Option {
	return func(e *Engine) { e.net = c }
}

// WithJournal attaches the local journal
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithSleep replaces the context-aware sleep
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// New creates an engine
func New(config Config, clock Clock, remote Remote, sensors sensor.Reader, pumps Pumps, tester SelfTester, faults Faults, opts ...Option) *Engine {
	e := &Engine{
		config:  config,
		clock:   clock,
		remote:  remote,
		sensors: sensors,
		pumps:   pumps,
		tester:  tester,
		faults:  faults,
		sleep:   sleepContext,
		logger:  logging.Named(logging.NameEngine),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Settings returns the cached settings, nil before the first fetch
func (e *Engine) Settings() *models.Settings {
	return e.settings
}

// Run performs startup and then cycles until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	e.Startup(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		wait, err := e.safeCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.faults.Report(ctx, cloud.TypeGeneral, "Main Loop", err, models.SeverityError)
			wait = e.config.ErrorBackoff
		}
		if err := e.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// Startup switches every pump off, establishes time and settings, and
// runs the startup self-test
func (e *Engine) Startup(ctx context.Context) {
	if err := e.pumps.AllOff(); err != nil {
		e.logger.Error("failed to switch pumps off", zap.Error(err))
	}

	if e.net != nil {
		if err := e.net.Ensure(ctx); err != nil {
			e.logger.Warn("backend unreachable at startup", zap.Error(err))
		}
	}

	if err := e.clock.Sync(ctx); err != nil {
		e.faults.Report(ctx, cloud.TypeNTP, "Time Synchronization", err, models.SeverityWarning)
	}

	e.refreshSettings(ctx)
	e.loadTimers()

	e.runSelfTest(ctx, selftest.TriggerStartup)
	e.lastSelfTest = e.clock.NowMillis()
	e.saveTimer(TimerSelfTest, e.lastSelfTest)

	e.logger.Info("engine started", zap.Bool("settings_loaded", e.settings != nil))
}

func (e *Engine) safeCycle(ctx context.Context) (wait time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("cycle panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return e.RunCycle(ctx)
}

// RunCycle runs one measurement cycle and returns how long to wait before
// the next one
func (e *Engine) RunCycle(ctx context.Context) (time.Duration, error) {
	if e.net != nil {
		if err := e.net.Ensure(ctx); err != nil {
			e.logger.Warn("backend unreachable, backing off", zap.Duration("backoff", e.config.OfflineBackoff), zap.Error(err))
			return e.config.OfflineBackoff, nil
		}
	}

	e.refreshSettings(ctx)

	snap := e.ReadSensors(ctx)
	e.publish(ctx, snap)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.handleManualCommand(ctx)
	e.handleManualTest(ctx)
	deficit := e.autoWater(ctx, snap)
	e.maintain(ctx)
	e.scheduledSelfTest(ctx)
	e.updateDisplay(ctx, snap, deficit)

	return e.interval(), ctx.Err()
}

func (e *Engine) interval() time.Duration {
	if e.settings == nil {
		return models.DefaultMeasurementIntervalSec * time.Second
	}
	return time.Duration(e.settings.MeasurementIntervalSec) * time.Second
}

func (e *Engine) refreshSettings(ctx context.Context) {
	s, ok, err := e.remote.FetchSettings(ctx)
	if err != nil {
		e.logger.Warn("failed to load settings, keeping cached copy", zap.Error(err))
		return
	}
	if !ok {
		e.logger.Debug("no settings document on backend")
		return
	}
	if err := s.Validate(); err != nil {
		e.logger.Warn("rejecting invalid settings, keeping cached copy", zap.Error(err))
		return
	}
	s.Normalize()
	if e.settings == nil || e.settings.NumberOfPlants != s.NumberOfPlants || e.settings.MeasurementIntervalSec != s.MeasurementIntervalSec {
		e.logger.Info("settings loaded",
			zap.Int("plants", s.NumberOfPlants),
			zap.Int("interval_sec", s.MeasurementIntervalSec))
	}
	e.settings = &s
}

// ReadSensors reads every sensor. A failed read is reported and replaced
// by a zero sentinel so the cycle continues.
func (e *Engine) ReadSensors(ctx context.Context) Snapshot {
	var snap Snapshot
	r := &snap.Reading
	r.Timestamp = e.clock.NowMillis()

	for ch := 0; ch < models.NumChannels; ch++ {
		v, err := e.sensors.ReadMoisture(ch)
		if err != nil {
			snap.Faulted[ch] = true
			e.faults.Report(ctx, cloud.TypeSensor, sensor.MoistureID(ch), err, models.SeverityError)
			continue
		}
		r.Moisture[ch] = v
	}

	climate, err := e.sensors.ReadClimate()
	switch {
	case err != nil:
		e.faults.Report(ctx, cloud.TypeSensor, sensor.IDClimate, err, models.SeverityError)
	case climate.TemperatureC == 0 && climate.Humidity == 0:
		e.faults.Report(ctx, cloud.TypeSensor, sensor.IDClimate, errors.New("sensor returned zero values"), models.SeverityWarning)
	default:
		r.TemperatureC = climate.TemperatureC
		r.Humidity = climate.Humidity
	}

	d, err := e.sensors.ReadTankDistance()
	if err != nil {
		e.faults.Report(ctx, cloud.TypeSensor, sensor.IDDistance, err, models.SeverityError)
		return snap
	}
	snap.WaterKnown = true
	r.WaterLevelCm = d
	if h, ok := e.settings.TankHeight(); ok {
		r.WaterLevelPct = sensor.WaterLevelPercent(d, h)
	} else {
		r.WaterLevelPct = sensor.FallbackWaterLevelPercent(d)
	}
	return snap
}

func (e *Engine) publish(ctx context.Context, snap Snapshot) {
	r := snap.Reading
	e.logger.Info("reading",
		zap.Float64s("moisture", r.Moisture[:]),
		zap.Float64("temperature", r.TemperatureC),
		zap.Float64("humidity", r.Humidity),
		zap.Float64("water_pct", r.WaterLevelPct))

	var rowID int64
	if e.journal != nil {
		row := storage.FromSensorReading(r)
		id, err := e.journal.InsertReading(row)
		if err != nil {
			e.logger.Error("failed to journal reading", zap.Error(err))
		}
		rowID = id
	}

	published := true
	if err := e.remote.PublishReading(ctx, r); err != nil {
		published = false
		e.logger.Warn("failed to publish reading", zap.Error(err))
	}

	status := models.SystemStatus{
		Online:        true,
		LastUpdate:    e.clock.NowMillis(),
		DisplayStatus: display.Classify(r.WaterLevelPct, snap.WaterKnown, false),
	}
	if err := e.remote.PublishStatus(ctx, status); err != nil {
		e.logger.Warn("failed to publish status", zap.Error(err))
	}

	if published && rowID > 0 {
		if err := e.journal.MarkReadingSynced(rowID); err != nil {
			e.logger.Error("failed to mark reading synced", zap.Int64("id", rowID), zap.Error(err))
		}
	}
	if published {
		e.replayBacklog(ctx)
		e.appendHistory(ctx, r)
	}
}

// replayBacklog posts journaled readings that never reached the backend
// to the history collection, oldest first
func (e *Engine) replayBacklog(ctx context.Context) {
	if e.journal == nil {
		return
	}
	rows, err := e.journal.GetUnsyncedReadings(e.config.HistoryBatch)
	if err != nil {
		e.logger.Error("failed to load unsynced readings", zap.Error(err))
		return
	}
	replayed := 0
	for _, row := range rows {
		if _, err := e.remote.AppendHistory(ctx, row.Point()); err != nil {
			e.logger.Warn("history replay interrupted", zap.Int("replayed", replayed), zap.Error(err))
			break
		}
		if err := e.journal.MarkReadingSynced(row.ID); err != nil {
			e.logger.Error("failed to mark reading synced", zap.Int64("id", row.ID), zap.Error(err))
			break
		}
		replayed++
	}
	if replayed > 0 {
		e.logger.Info("replayed journaled readings", zap.Int("count", replayed))
	}
}

func (e *Engine) appendHistory(ctx context.Context, r models.SensorReading) {
	if e.lastHistory != 0 && r.Timestamp-e.lastHistory < e.config.HistoryInterval.Milliseconds() {
		return
	}
	if _, err := e.remote.AppendHistory(ctx, r.Historical()); err != nil {
		e.logger.Warn("failed to append history", zap.Error(err))
		return
	}
	e.lastHistory = r.Timestamp
	e.saveTimer(TimerHistory, e.lastHistory)

	if e.journal != nil && e.config.Retention > 0 {
		n, err := e.journal.PurgeSyncedReadings(r.Timestamp - e.config.Retention.Milliseconds())
		if err != nil {
			e.logger.Error("failed to purge journal", zap.Error(err))
		} else if n > 0 {
			e.logger.Debug("purged journal", zap.Int64("rows", n))
		}
	}
}

// handleManualCommand runs a pending dashboard watering request and then
// clears it. If the clear fails the command runs again next cycle.
func (e *Engine) handleManualCommand(ctx context.Context) {
	cmd, err := e.remote.FetchManualCommand(ctx)
	if err != nil {
		e.logger.Warn("failed to fetch manual command", zap.Error(err))
		return
	}
	if cmd == nil {
		return
	}
	if err := cmd.Validate(); err != nil {
		e.faults.Report(ctx, cloud.TypeGeneral, "Manual Watering", err, models.SeverityWarning)
		e.clearManualCommand(ctx, cmd)
		return
	}

	d := e.config.WateringDuration
	if cmd.DurationSec > 0 {
		d = time.Duration(cmd.DurationSec) * time.Second
	}
	p := cmd.PlantID - 1
	e.logger.Info("manual watering", zap.Int("plant", cmd.PlantID), zap.Duration("duration", d))
	if err := e.pumps.Activate(p, d, pump.ReasonManual); err != nil {
		e.faults.Report(ctx, cloud.TypePump, pumpName(p), err, models.SeverityError)
	}

	e.clearManualCommand(ctx, cmd)
}

func (e *Engine) clearManualCommand(ctx context.Context, cmd *models.ManualCommand) {
	if err := e.remote.ClearManualCommand(ctx); err != nil {
		e.logger.Warn("failed to clear manual command, it will replay next cycle", zap.Int("plant", cmd.PlantID), zap.Error(err))
	}
}

func (e *Engine) handleManualTest(ctx context.Context) {
	triggered, err := e.remote.FetchManualTest(ctx)
	if err != nil {
		e.logger.Warn("failed to fetch manual test trigger", zap.Error(err))
		return
	}
	if !triggered {
		return
	}
	if err := e.remote.ClearManualTest(ctx); err != nil {
		e.logger.Warn("failed to clear manual test trigger", zap.Error(err))
	}
	e.runSelfTest(ctx, selftest.TriggerManual)
	e.lastSelfTest = e.clock.NowMillis()
	e.saveTimer(TimerSelfTest, e.lastSelfTest)
}

// autoWater runs the pump of every configured plant below its minimum and
// reports whether any plant was below its minimum
func (e *Engine) autoWater(ctx context.Context, snap Snapshot) bool {
	if e.settings == nil {
		return false
	}
	deficit := false
	for i := 0; i < e.settings.NumberOfPlants && i < len(e.settings.PlantProfiles); i++ {
		profile := e.settings.PlantProfiles[i]
		if snap.Faulted[i] || !profile.Active() {
			continue
		}
		m := snap.Reading.Moisture[i]
		if m >= profile.MoistureMin {
			continue
		}
		deficit = true
		e.logger.Info("plant needs water",
			zap.Int("plant", i+1),
			zap.Float64("moisture", m),
			zap.Float64("min", profile.MoistureMin))
		if err := e.pumps.Activate(i, e.config.WateringDuration, pump.ReasonAuto); err != nil {
			e.faults.Report(ctx, cloud.TypePump, pumpName(i), err, models.SeverityError)
		}
	}
	return deficit
}

// maintain exercises the spare pump once per interval while it has no plant
func (e *Engine) maintain(ctx context.Context) {
	if e.settings == nil || e.settings.NumberOfPlants > e.config.MaintenancePump {
		return
	}
	now := e.clock.NowMillis()
	if e.lastMaintenance != 0 && now-e.lastMaintenance < e.config.MaintenanceInterval.Milliseconds() {
		return
	}
	e.logger.Info("running pump maintenance", zap.Int("pump", e.config.MaintenancePump+1))
	if err := e.pumps.Activate(e.config.MaintenancePump, e.config.MaintenanceDuration, pump.ReasonMaintenance); err != nil {
		e.faults.Report(ctx, cloud.TypePump, pumpName(e.config.MaintenancePump), err, models.SeverityError)
	}
	e.lastMaintenance = now
	e.saveTimer(TimerMaintenance, now)
}

func (e *Engine) scheduledSelfTest(ctx context.Context) {
	now := e.clock.NowMillis()
	if now-e.lastSelfTest < e.config.SelfTestInterval.Milliseconds() {
		return
	}
	e.runSelfTest(ctx, selftest.TriggerScheduled)
	e.lastSelfTest = now
	e.saveTimer(TimerSelfTest, now)
}

func (e *Engine) runSelfTest(ctx context.Context, trigger string) {
	result := e.tester.Run(ctx, trigger, e.settings)
	switch result.OverallStatus {
	case models.TestPassed:
	case models.TestWarning:
		e.faults.Report(ctx, cloud.TypeSelfTest, "System Test", errors.New(result.Details), models.SeverityWarning)
	default:
		e.faults.Report(ctx, cloud.TypeSelfTest, "System Test", errors.New(result.Details), models.SeverityError)
	}
}

func (e *Engine) updateDisplay(ctx context.Context, snap Snapshot, deficit bool) {
	if e.display == nil {
		return
	}
	status := display.Classify(snap.Reading.WaterLevelPct, snap.WaterKnown, deficit)
	if _, err := e.display.Update(status); err != nil {
		e.faults.Report(ctx, cloud.TypeDisplay, "Display Update", err, models.SeverityWarning)
	}
}

// RecordPumpEvent journals a finished activation; wire it to the pump
// controller's OnEvent
func (e *Engine) RecordPumpEvent(ev pump.Event) {
	if e.journal == nil {
		return
	}
	row := &storage.PumpEvent{
		Pump:      ev.Pump + 1,
		Reason:    ev.Reason,
		StartedAt: ev.StartedAt,
		Duration:  ev.Duration,
	}
	if ev.Err != nil {
		row.Error = ev.Err.Error()
	}
	if _, err := e.journal.InsertPumpEvent(row); err != nil {
		e.logger.Error("failed to journal pump event", zap.Error(err))
	}
}

func (e *Engine) loadTimers() {
	if e.journal == nil {
		return
	}
	for name, dst := range map[string]*int64{
		TimerMaintenance: &e.lastMaintenance,
		TimerHistory:     &e.lastHistory,
	} {
		v, err := e.journal.GetTimer(name)
		if err != nil {
			e.logger.Warn("failed to load timer", zap.String("timer", name), zap.Error(err))
			continue
		}
		*dst = v
	}
}

func (e *Engine) saveTimer(name string, v int64) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SetTimer(name, v); err != nil {
		e.logger.Warn("failed to persist timer", zap.String("timer", name), zap.Error(err))
	}
}

func pumpName(p int) string {
	return fmt.Sprintf("Pump %d", p+1)
}
