package selftest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/plant-controller/internal/logging"
	"github.com/agsys/plant-controller/internal/models"
	"github.com/agsys/plant-controller/internal/sensor"
)

type fakePumps struct {
	fail  map[int]error
	runs  []int
	onRun func(p int, d time.Duration)
}

func (f *fakePumps) Activate(p int, d time.Duration, _ string) error {
	f.runs = append(f.runs, p)
	if err := f.fail[p]; err != nil {
		return err
	}
	if f.onRun != nil {
		f.onRun(p, d)
	}
	return nil
}

type fakeRemote struct {
	roundTripErr error
	published    []models.TestResult
}

func (f *fakeRemote) RoundTrip(context.Context) error { return f.roundTripErr }

func (f *fakeRemote) PublishTestResult(_ context.Context, r models.TestResult) error {
	f.published = append(f.published, r)
	return nil
}

type fakeJournal struct{ results []models.TestResult }

func (f *fakeJournal) InsertTestResult(r models.TestResult) error {
	f.results = append(f.results, r)
	return nil
}

func newRunner(t *testing.T, sensors sensor.Reader, pumps *fakePumps, remote *fakeRemote, cfg Config) *Runner {
	t.Helper()
	logging.SetNop()
	return New(cfg, sensors, pumps, remote,
		WithClock(func() int64 { return 99 }),
		WithSleep(func(time.Duration) {}))
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, models.TestPassed, Aggregate(0))
	assert.Equal(t, models.TestWarning, Aggregate(1))
	assert.Equal(t, models.TestWarning, Aggregate(2))
	assert.Equal(t, models.TestFailed, Aggregate(3))
	assert.Equal(t, models.TestFailed, Aggregate(TotalTests))
}

func TestRunAllPassed(t *testing.T) {
	pumps := &fakePumps{}
	remote := &fakeRemote{}
	journal := &fakeJournal{}
	r := newRunner(t, sensor.NewSimulated(), pumps, remote, DefaultConfig())
	r.journal = journal

	res := r.Run(context.Background(), TriggerManual, nil)

	assert.Equal(t, models.TestPassed, res.OverallStatus)
	assert.Zero(t, res.FailedCount)
	assert.Equal(t, "all 11 tests passed", res.Details)
	assert.Equal(t, []int{0, 1, 2, 3}, pumps.runs)
	assert.Equal(t, int64(99), res.Timestamp)
	assert.NotEmpty(t, res.ID)
	require.Len(t, remote.published, 1)
	assert.Equal(t, res, remote.published[0])
	assert.Len(t, journal.results, 1)
}

func TestRunOneFailureIsWarning(t *testing.T) {
	pumps := &fakePumps{fail: map[int]error{1: errors.New("relay")}}
	remote := &fakeRemote{}
	r := newRunner(t, sensor.NewSimulated(), pumps, remote, DefaultConfig())

	res := r.Run(context.Background(), TriggerScheduled, nil)

	assert.Equal(t, models.TestWarning, res.OverallStatus)
	assert.Equal(t, 1, res.FailedCount)
	assert.False(t, res.PumpTests[1])
	assert.Contains(t, res.Details, "Pump 2: relay")
}

func TestRunThreeFailuresIsFailed(t *testing.T) {
	sim := sensor.NewSimulated()
	sim.Faults[sensor.IDClimate] = errors.New("checksum")
	sim.Faults[sensor.MoistureID(3)] = errors.New("open circuit")
	remote := &fakeRemote{roundTripErr: errors.New("offline")}
	r := newRunner(t, sim, &fakePumps{}, remote, DefaultConfig())

	res := r.Run(context.Background(), TriggerStartup, nil)

	assert.Equal(t, models.TestFailed, res.OverallStatus)
	assert.Equal(t, 3, res.FailedCount)
	assert.False(t, res.SensorTests.Climate)
	assert.False(t, res.SensorTests.MoistureSensors[3])
	assert.False(t, res.ConnectivityTest)
	require.Len(t, remote.published, 1, "published even when connectivity failed")
}

func TestDistanceBoundedByTankHeight(t *testing.T) {
	sim := sensor.NewSimulated()
	sim.DistanceCm = 40
	settings := &models.Settings{NumberOfPlants: 2, WaterTank: &models.WaterTank{HeightCm: 30}}
	r := newRunner(t, sim, &fakePumps{}, &fakeRemote{}, DefaultConfig())

	res := r.Run(context.Background(), TriggerManual, settings)
	assert.False(t, res.SensorTests.Distance)

	res = r.Run(context.Background(), TriggerManual, nil)
	assert.True(t, res.SensorTests.Distance)

	sim.DistanceCm = 1
	res = r.Run(context.Background(), TriggerManual, nil)
	assert.False(t, res.SensorTests.Distance)
}

func TestVerifyRise(t *testing.T) {
	sim := sensor.NewSimulated()
	pumps := &fakePumps{}
	// Pump 1 waters its plant, pump 2 runs dry
	pumps.onRun = func(p int, d time.Duration) {
		if p == 0 {
			sim.Water(p, d)
		}
	}
	cfg := DefaultConfig()
	cfg.VerifyRise = true
	settings := &models.Settings{NumberOfPlants: 2}
	r := newRunner(t, sim, pumps, &fakeRemote{}, cfg)

	res := r.Run(context.Background(), TriggerManual, settings)

	assert.True(t, res.PumpTests[0])
	assert.False(t, res.PumpTests[1])
	assert.True(t, res.PumpTests[2], "unconfigured plants use the plain check")
	assert.Contains(t, res.Details, "did not rise")
}
