package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/plant-controller/internal/cloud"
	"github.com/agsys/plant-controller/internal/logging"
	"github.com/agsys/plant-controller/internal/models"
	"github.com/agsys/plant-controller/internal/pump"
	"github.com/agsys/plant-controller/internal/selftest"
	"github.com/agsys/plant-controller/internal/sensor"
	"github.com/agsys/plant-controller/internal/storage"
)

const startMillis = int64(1_717_000_000_000)

type fakeClock struct {
	now     int64
	syncErr error
	syncs   int
}

func (c *fakeClock) Sync(context.Context) error {
	c.syncs++
	return c.syncErr
}

func (c *fakeClock) NowMillis() int64 { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now += d.Milliseconds() }

type fakeRemote struct {
	settings    *models.Settings
	settingsErr error
	command     *models.ManualCommand
	clearErr    error
	testTrigger bool

	publishErr error
	readings   []models.SensorReading
	statuses   []models.SystemStatus
	history    []models.HistoricalPoint
	calls      []string
}

func (r *fakeRemote) PublishReading(_ context.Context, reading models.SensorReading) error {
	r.calls = append(r.calls, "publish")
	if r.publishErr != nil {
		return r.publishErr
	}
	r.readings = append(r.readings, reading)
	return nil
}

func (r *fakeRemote) PublishStatus(_ context.Context, s models.SystemStatus) error {
	r.statuses = append(r.statuses, s)
	return nil
}

func (r *fakeRemote) AppendHistory(_ context.Context, p models.HistoricalPoint) (string, error) {
	r.history = append(r.history, p)
	return "-k", nil
}

func (r *fakeRemote) FetchSettings(context.Context) (models.Settings, bool, error) {
	if r.settingsErr != nil {
		return models.Settings{}, false, r.settingsErr
	}
	if r.settings == nil {
		return models.Settings{}, false, nil
	}
	s := *r.settings
	s.PlantProfiles = append([]models.PlantProfile(nil), r.settings.PlantProfiles...)
	return s, true, nil
}

func (r *fakeRemote) FetchManualCommand(context.Context) (*models.ManualCommand, error) {
	return r.command, nil
}

func (r *fakeRemote) ClearManualCommand(context.Context) error {
	r.calls = append(r.calls, "clear-command")
	if r.clearErr != nil {
		return r.clearErr
	}
	r.command = nil
	return nil
}

func (r *fakeRemote) FetchManualTest(context.Context) (bool, error) {
	return r.testTrigger, nil
}

func (r *fakeRemote) ClearManualTest(context.Context) error {
	r.calls = append(r.calls, "clear-test")
	r.testTrigger = false
	return nil
}

type activation struct {
	pump     int
	duration time.Duration
	reason   string
}

type fakePumps struct {
	remote *fakeRemote // records ordering against remote calls when set
	runs   []activation
	err    error
	allOff int
}

func (p *fakePumps) Activate(n int, d time.Duration, reason string) error {
	if p.remote != nil {
		p.remote.calls = append(p.remote.calls, "activate")
	}
	p.runs = append(p.runs, activation{n, d, reason})
	return p.err
}

func (p *fakePumps) AllOff() error {
	p.allOff++
	return nil
}

func (p *fakePumps) byReason(reason string) []activation {
	var out []activation
	for _, a := range p.runs {
		if a.reason == reason {
			out = append(out, a)
		}
	}
	return out
}

type fakeTester struct {
	status   models.TestStatus
	triggers []string
}

func (t *fakeTester) Run(_ context.Context, trigger string, _ *models.Settings) models.TestResult {
	t.triggers = append(t.triggers, trigger)
	status := t.status
	if status == "" {
		status = models.TestPassed
	}
	return models.TestResult{OverallStatus: status, Details: "pump 2 no response"}
}

type report struct {
	errorType string
	component string
	severity  models.Severity
}

type fakeFaults struct {
	reports []report
}

func (f *fakeFaults) Report(_ context.Context, errorType, component string, _ error, severity models.Severity) bool {
	f.reports = append(f.reports, report{errorType, component, severity})
	return true
}

func (f *fakeFaults) has(errorType, component string) bool {
	for _, r := range f.reports {
		if r.errorType == errorType && r.component == component {
			return true
		}
	}
	return false
}

type fakeDisplay struct {
	statuses []models.DisplayStatus
	err      error
}

func (d *fakeDisplay) Update(s models.DisplayStatus) (bool, error) {
	d.statuses = append(d.statuses, s)
	return d.err == nil, d.err
}

type fakeNet struct{ err error }

func (n fakeNet) Ensure(context.Context) error { return n.err }

type harness struct {
	engine  *Engine
	clock   *fakeClock
	remote  *fakeRemote
	sensors *sensor.Simulated
	pumps   *fakePumps
	tester  *fakeTester
	faults  *fakeFaults
}

func threePlants(min float64) *models.Settings {
	return &models.Settings{
		NumberOfPlants:         3,
		MeasurementIntervalSec: 600,
		PlantProfiles: []models.PlantProfile{
			{ID: 1, MoistureMin: min},
			{ID: 2, MoistureMin: min},
			{ID: 3, MoistureMin: min},
		},
		WaterTank: &models.WaterTank{HeightCm: 30},
	}
}

func newHarness(t *testing.T, settings *models.Settings, opts ...Option) *harness {
	t.Helper()
	logging.SetNop()
	h := &harness{
		clock:   &fakeClock{now: startMillis},
		remote:  &fakeRemote{settings: settings},
		sensors: sensor.NewSimulated(),
		pumps:   &fakePumps{},
		tester:  &fakeTester{},
		faults:  &fakeFaults{},
	}
	h.pumps.remote = h.remote
	h.engine = New(DefaultConfig(), h.clock, h.remote, h.sensors, h.pumps, h.tester, h.faults, opts...)
	return h
}

func (h *harness) cycle(t *testing.T) time.Duration {
	t.Helper()
	wait, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	return wait
}

func TestAutoWateringOnlyBelowMinimum(t *testing.T) {
	h := newHarness(t, threePlants(40))
	h.sensors.Moisture = [models.NumChannels]float64{30, 50, 60, 5}

	wait := h.cycle(t)

	auto := h.pumps.byReason(pump.ReasonAuto)
	require.Len(t, auto, 1)
	assert.Equal(t, activation{0, 5 * time.Second, pump.ReasonAuto}, auto[0])
	assert.Equal(t, 10*time.Minute, wait)
}

func TestAutoWateringSkipsDisabledAndFaultedPlants(t *testing.T) {
	settings := threePlants(40)
	off := false
	settings.PlantProfiles[1].Enabled = &off
	h := newHarness(t, settings)
	h.sensors.Moisture = [models.NumChannels]float64{10, 10, 10, 10}
	h.sensors.Faults[sensor.MoistureID(2)] = errors.New("adc timeout")

	h.cycle(t)

	auto := h.pumps.byReason(pump.ReasonAuto)
	require.Len(t, auto, 1)
	assert.Equal(t, 0, auto[0].pump)
	assert.True(t, h.faults.has(cloud.TypeSensor, "Moisture Sensor 3"))
	assert.Zero(t, h.remote.readings[0].Moisture[2], "faulted channel publishes a zero sentinel")
}

func TestNoSettingsMeansNoWatering(t *testing.T) {
	h := newHarness(t, nil)
	h.sensors.Moisture = [models.NumChannels]float64{0, 0, 0, 0}

	wait := h.cycle(t)

	assert.Empty(t, h.pumps.runs)
	assert.Equal(t, 300*time.Second, wait)
	assert.InDelta(t, 50, h.remote.readings[0].WaterLevelPct, 0.01, "fallback tank geometry")
}

func TestSettingsFailureKeepsCache(t *testing.T) {
	h := newHarness(t, threePlants(40))
	h.cycle(t)
	require.NotNil(t, h.engine.Settings())

	h.remote.settingsErr = errors.New("503")
	h.remote.settings = nil
	wait := h.cycle(t)

	require.NotNil(t, h.engine.Settings())
	assert.Equal(t, 3, h.engine.Settings().NumberOfPlants)
	assert.Equal(t, 10*time.Minute, wait)
}

func TestInvalidSettingsRejected(t *testing.T) {
	h := newHarness(t, threePlants(40))
	h.cycle(t)

	bad := threePlants(400)
	bad.NumberOfPlants = 1
	h.remote.settings = bad
	h.cycle(t)

	assert.Equal(t, 3, h.engine.Settings().NumberOfPlants)
	assert.Equal(t, 40.0, h.engine.Settings().PlantProfiles[0].MoistureMin)
}

func TestInvalidManualCommandCleared(t *testing.T) {
	h := newHarness(t, threePlants(0))
	h.remote.command = &models.ManualCommand{PlantID: 9}

	h.cycle(t)

	assert.Empty(t, h.pumps.byReason(pump.ReasonManual))
	assert.Nil(t, h.remote.command)
	assert.True(t, h.faults.has(cloud.TypeGeneral, "Manual Watering"))
}

func TestWaterLevelFromTankHeight(t *testing.T) {
	h := newHarness(t, threePlants(0))
	for _, tt := range []struct {
		distance, want float64
	}{
		{5, 100},
		{30, 0},
		{17.5, 50},
	} {
		h.sensors.DistanceCm = tt.distance
		snap := h.engine.ReadSensors(context.Background())
		assert.True(t, snap.WaterKnown)
		assert.InDelta(t, tt.want, snap.Reading.WaterLevelPct, 0.01, "distance %.1f", tt.distance)
		assert.Equal(t, tt.distance, snap.Reading.WaterLevelCm)
	}
}

func TestSensorFaultSentinels(t *testing.T) {
	h := newHarness(t, nil)
	h.sensors.Faults[sensor.IDClimate] = errors.New("checksum")
	h.sensors.Faults[sensor.IDDistance] = errors.New("no echo")

	snap := h.engine.ReadSensors(context.Background())

	assert.False(t, snap.WaterKnown)
	assert.Zero(t, snap.Reading.TemperatureC)
	assert.Zero(t, snap.Reading.WaterLevelPct)
	assert.True(t, h.faults.has(cloud.TypeSensor, sensor.IDClimate))
	assert.True(t, h.faults.has(cloud.TypeSensor, sensor.IDDistance))
}

func TestZeroClimateIsWarning(t *testing.T) {
	h := newHarness(t, nil)
	h.sensors.Climate = sensor.Climate{}

	h.engine.ReadSensors(context.Background())

	require.Len(t, h.faults.reports, 1)
	assert.Equal(t, models.SeverityWarning, h.faults.reports[0].severity)
}

func TestPublishedStatusFollowsWaterLevel(t *testing.T) {
	h := newHarness(t, threePlants(0))

	h.sensors.DistanceCm = 29 // about 4 %
	h.cycle(t)
	h.sensors.DistanceCm = 22 // about 32 %
	h.cycle(t)
	h.sensors.DistanceCm = 6
	h.cycle(t)

	require.Len(t, h.remote.statuses, 3)
	assert.Equal(t, models.StatusError, h.remote.statuses[0].DisplayStatus)
	assert.Equal(t, models.StatusWarning, h.remote.statuses[1].DisplayStatus)
	assert.Equal(t, models.StatusOK, h.remote.statuses[2].DisplayStatus)
	assert.True(t, h.remote.statuses[0].Online)
}

func TestManualCommandRunsThenClears(t *testing.T) {
	h := newHarness(t, threePlants(0))
	h.remote.command = &models.ManualCommand{PlantID: 2}

	h.cycle(t)

	manual := h.pumps.byReason(pump.ReasonManual)
	require.Len(t, manual, 1)
	assert.Equal(t, activation{1, 5 * time.Second, pump.ReasonManual}, manual[0])
	assert.Nil(t, h.remote.command)

	activated, cleared := -1, -1
	for i, c := range h.remote.calls {
		if c == "activate" && activated < 0 {
			activated = i
		}
		if c == "clear-command" {
			cleared = i
		}
	}
	assert.Less(t, activated, cleared, "pump runs before the command is cleared")
}

func TestManualCommandDuration(t *testing.T) {
	h := newHarness(t, threePlants(0))
	h.remote.command = &models.ManualCommand{PlantID: 4, DurationSec: 12}

	h.cycle(t)

	manual := h.pumps.byReason(pump.ReasonManual)
	require.Len(t, manual, 1)
	assert.Equal(t, activation{3, 12 * time.Second, pump.ReasonManual}, manual[0])
}

func TestManualCommandReplaysWhenClearFails(t *testing.T) {
	h := newHarness(t, threePlants(0))
	h.remote.command = &models.ManualCommand{PlantID: 1}
	h.remote.clearErr = errors.New("timeout")

	h.cycle(t)
	h.cycle(t)

	assert.Len(t, h.pumps.byReason(pump.ReasonManual), 2)
}

func TestManualCommandPumpFaultReported(t *testing.T) {
	h := newHarness(t, threePlants(0))
	h.remote.command = &models.ManualCommand{PlantID: 1}
	h.pumps.err = pump.ErrBusy

	h.cycle(t)

	assert.True(t, h.faults.has(cloud.TypePump, "Pump 1"))
	assert.Nil(t, h.remote.command, "command still cleared")
}

func TestManualTestTriggerResetsWeeklyTimer(t *testing.T) {
	h := newHarness(t, threePlants(0))
	h.engine.Startup(context.Background())
	require.Equal(t, []string{selftest.TriggerStartup}, h.tester.triggers)

	h.clock.advance(6 * 24 * time.Hour)
	h.remote.testTrigger = true
	h.cycle(t)
	assert.Equal(t, []string{selftest.TriggerStartup, selftest.TriggerManual}, h.tester.triggers)
	assert.False(t, h.remote.testTrigger)

	// A week after startup but only a day after the manual run
	h.clock.advance(36 * time.Hour)
	h.cycle(t)
	assert.Len(t, h.tester.triggers, 2)

	h.clock.advance(6 * 24 * time.Hour)
	h.cycle(t)
	assert.Equal(t, selftest.TriggerScheduled, h.tester.triggers[2])
}

func TestSelfTestFailureReported(t *testing.T) {
	h := newHarness(t, threePlants(0))
	h.tester.status = models.TestFailed

	h.engine.Startup(context.Background())

	require.True(t, h.faults.has(cloud.TypeSelfTest, "System Test"))
	assert.Equal(t, models.SeverityError, h.faults.reports[len(h.faults.reports)-1].severity)
}

func TestMaintenanceOncePerDay(t *testing.T) {
	h := newHarness(t, threePlants(0))

	h.cycle(t)
	h.clock.advance(10 * time.Minute)
	h.cycle(t)
	require.Len(t, h.pumps.byReason(pump.ReasonMaintenance), 1)
	assert.Equal(t, activation{3, 10 * time.Second, pump.ReasonMaintenance}, h.pumps.runs[0])

	h.clock.advance(24 * time.Hour)
	h.cycle(t)
	assert.Len(t, h.pumps.byReason(pump.ReasonMaintenance), 2)
}

func TestNoMaintenanceWithFourPlants(t *testing.T) {
	settings := threePlants(0)
	settings.NumberOfPlants = 4
	h := newHarness(t, settings)

	h.cycle(t)

	assert.Empty(t, h.pumps.byReason(pump.ReasonMaintenance))
}

func TestOfflineBacksOff(t *testing.T) {
	h := newHarness(t, threePlants(40), WithConnectivity(fakeNet{err: errors.New("no route")}))

	wait := h.cycle(t)

	assert.Equal(t, 30*time.Second, wait)
	assert.Empty(t, h.remote.calls)
	assert.Empty(t, h.pumps.runs)
}

func TestDisplayGateClass(t *testing.T) {
	d := &fakeDisplay{}
	h := newHarness(t, threePlants(40), WithDisplay(d))
	h.sensors.Moisture = [models.NumChannels]float64{50, 50, 50, 50}
	h.sensors.DistanceCm = 6

	h.cycle(t)
	h.sensors.Moisture[1] = 10
	h.cycle(t)
	h.sensors.DistanceCm = 29
	h.cycle(t)

	assert.Equal(t, []models.DisplayStatus{models.StatusOK, models.StatusWarning, models.StatusError}, d.statuses)
}

func TestDisplayErrorReported(t *testing.T) {
	d := &fakeDisplay{err: errors.New("busy pin stuck")}
	h := newHarness(t, threePlants(0), WithDisplay(d))

	h.cycle(t)

	assert.True(t, h.faults.has(cloud.TypeDisplay, "Display Update"))
}

func TestStartupOrder(t *testing.T) {
	h := newHarness(t, threePlants(0))
	h.clock.syncErr = errors.New("all servers failed")

	h.engine.Startup(context.Background())

	assert.Equal(t, 1, h.pumps.allOff)
	assert.Equal(t, 1, h.clock.syncs)
	assert.True(t, h.faults.has(cloud.TypeNTP, "Time Synchronization"))
	assert.NotNil(t, h.engine.Settings())
	assert.Equal(t, []string{selftest.TriggerStartup}, h.tester.triggers)
}

type panickyReader struct{ *sensor.Simulated }

func (panickyReader) ReadMoisture(int) (float64, error) { panic("i2c bus wedged") }

func TestRunRecoversAndBacksOff(t *testing.T) {
	logging.SetNop()
	faults := &fakeFaults{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	e := New(DefaultConfig(), &fakeClock{now: startMillis}, &fakeRemote{}, panickyReader{sensor.NewSimulated()},
		&fakePumps{}, &fakeTester{}, faults, WithSleep(sleep))

	require.NoError(t, e.Run(ctx))
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, waits)
	assert.True(t, faults.has(cloud.TypeGeneral, "Main Loop"))
}

func openJournal(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJournalReplaysUndeliveredReadings(t *testing.T) {
	db := openJournal(t)
	h := newHarness(t, threePlants(0), WithJournal(db))

	h.remote.publishErr = errors.New("503")
	h.cycle(t)
	h.clock.advance(10 * time.Minute)
	h.cycle(t)
	unsynced, err := db.GetUnsyncedReadings(10)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Empty(t, h.remote.history)

	h.remote.publishErr = nil
	h.clock.advance(10 * time.Minute)
	h.cycle(t)

	// two replayed rows then the hourly point for the live reading
	require.Len(t, h.remote.history, 3)
	assert.Equal(t, startMillis, h.remote.history[0].Timestamp)
	assert.Equal(t, startMillis+20*time.Minute.Milliseconds(), h.remote.history[2].Timestamp)
	unsynced, err = db.GetUnsyncedReadings(10)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestHistoryIsHourly(t *testing.T) {
	db := openJournal(t)
	h := newHarness(t, threePlants(0), WithJournal(db))

	for i := 0; i < 7; i++ {
		h.cycle(t)
		h.clock.advance(10 * time.Minute)
	}

	assert.Len(t, h.remote.history, 2)
	v, err := db.GetTimer(TimerHistory)
	require.NoError(t, err)
	assert.Equal(t, startMillis+time.Hour.Milliseconds(), v)
}

func TestTimersSurviveRestart(t *testing.T) {
	db := openJournal(t)
	h := newHarness(t, threePlants(0), WithJournal(db))
	h.cycle(t)
	require.Len(t, h.pumps.byReason(pump.ReasonMaintenance), 1)

	// A new engine over the same journal an hour later
	h2 := newHarness(t, threePlants(0), WithJournal(db))
	h2.clock.now = startMillis + time.Hour.Milliseconds()
	h2.engine.Startup(context.Background())
	h2.cycle(t)

	assert.Empty(t, h2.pumps.byReason(pump.ReasonMaintenance))
}

func TestRecordPumpEvent(t *testing.T) {
	db := openJournal(t)
	h := newHarness(t, nil, WithJournal(db))

	h.engine.RecordPumpEvent(pump.Event{Pump: 2, Reason: pump.ReasonAuto, StartedAt: startMillis, Duration: 5 * time.Second})
	h.engine.RecordPumpEvent(pump.Event{Pump: 0, Reason: pump.ReasonManual, StartedAt: startMillis + 1, Err: errors.New("relay stuck")})

	events, err := db.GetPumpEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	byPump := map[int]*storage.PumpEvent{}
	for _, e := range events {
		byPump[e.Pump] = e
	}
	assert.Equal(t, 5*time.Second, byPump[3].Duration)
	assert.Equal(t, "relay stuck", byPump[1].Error)
}

func TestCycleWithRealPumpController(t *testing.T) {
	logging.SetNop()
	out := pump.NewMemoryOutput()
	ctrl := pump.New(pump.DefaultConfig(), out, pump.WithSleep(func(time.Duration) {}))
	sim := sensor.NewSimulated()
	sim.Moisture = [models.NumChannels]float64{30, 50, 60, 0}
	ctrl.OnEvent(func(ev pump.Event) { sim.Water(ev.Pump, ev.Duration) })

	settings := threePlants(40)
	remote := &fakeRemote{settings: settings}
	e := New(DefaultConfig(), &fakeClock{now: startMillis}, remote, sim, ctrl, &fakeTester{}, &fakeFaults{})

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 40.0, sim.Moisture[0])
	for _, pin := range pump.DefaultConfig().Pins {
		level, ok := out.Level(pin)
		if ok {
			assert.Equal(t, byte(1), level, "pin %s left on", pin)
		}
	}
}
