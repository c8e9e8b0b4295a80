package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/plant-controller/internal/models"
)

func TestPruneErrorsKeepsNewest(t *testing.T) {
	entries := make(map[string]models.ErrorLogEntry)
	for i := 0; i < 15; i++ {
		entries[fmt.Sprintf("error_%d_%d", i, i)] = models.ErrorLogEntry{Timestamp: int64(i * 1000)}
	}

	pruned := PruneErrors(entries, MaxErrorEntries)
	require.Len(t, pruned, 10)
	for i := 5; i < 15; i++ {
		assert.Contains(t, pruned, fmt.Sprintf("error_%d_%d", i, i))
	}
	for i := 0; i < 5; i++ {
		assert.NotContains(t, pruned, fmt.Sprintf("error_%d_%d", i, i))
	}
}

func TestPruneErrorsUnderCap(t *testing.T) {
	entries := map[string]models.ErrorLogEntry{"a": {Timestamp: 1}}
	assert.Equal(t, entries, PruneErrors(entries, MaxErrorEntries))
}

func TestLogErrorCapsRemoteCollection(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	now := int64(1_700_000_000_000)
	c.nowMillis = func() int64 { now += 1000; return now }
	for i := 0; i < 14; i++ {
		c.LogError(context.Background(), TypeSensor, "Moisture Sensor 1", fmt.Sprintf("fault %d", i), models.SeverityError)
	}

	var stored map[string]models.ErrorLogEntry
	require.NoError(t, json.Unmarshal(backend.docs[PathSystemErrors], &stored))
	require.Len(t, stored, 10)

	msgs := make(map[string]bool)
	for _, e := range stored {
		msgs[e.Message] = true
		assert.Equal(t, "Moisture Sensor 1", e.Component)
		assert.Equal(t, TypeSensor, e.ErrorType)
		assert.False(t, e.Resolved)
	}
	assert.True(t, msgs["fault 13"])
	assert.False(t, msgs["fault 3"])
}

func TestLogErrorKeyFormat(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	c.LogError(context.Background(), TypeNTP, "Time Synchronization", "all servers failed", models.SeverityWarning)

	var stored map[string]models.ErrorLogEntry
	require.NoError(t, json.Unmarshal(backend.docs[PathSystemErrors], &stored))
	entry, ok := stored["error_1700000000_1"]
	require.True(t, ok)
	assert.Equal(t, models.SeverityWarning, entry.Severity)
}

func TestLogErrorSwallowsFailuresWithoutRetry(t *testing.T) {
	backend := newFakeBackend()
	backend.failFirst = 100
	c, sleeps := newTestClient(t, backend)

	assert.NotPanics(t, func() {
		c.LogError(context.Background(), TypeSensor, "DHT11", "x", models.SeverityError)
	})
	assert.Len(t, backend.requests, 1)
	assert.Empty(t, *sleeps)
}

type recordingSink struct {
	components []string
}

func (r *recordingSink) LogError(_ context.Context, _, component, _ string, _ models.Severity) {
	r.components = append(r.components, component)
}

func TestReporterThrottlesPerSource(t *testing.T) {
	sink := &recordingSink{}
	rep := NewReporter(sink, time.Hour, nil)
	ctx := context.Background()
	fault := errors.New("no echo")

	assert.True(t, rep.Report(ctx, TypeSensor, "Ultrasonic", fault, models.SeverityError))
	assert.False(t, rep.Report(ctx, TypeSensor, "Ultrasonic", fault, models.SeverityError))
	assert.True(t, rep.Report(ctx, TypeSensor, "DHT11", fault, models.SeverityError))
	assert.True(t, rep.Report(ctx, TypeNTP, "Time Synchronization", fault, models.SeverityWarning))
	assert.Equal(t, []string{"Ultrasonic", "DHT11", "Time Synchronization"}, sink.components)
}

func TestReporterUnthrottled(t *testing.T) {
	sink := &recordingSink{}
	rep := NewReporter(sink, 0, nil)
	for i := 0; i < 3; i++ {
		rep.Report(context.Background(), TypeDisplay, "Display Update", nil, models.SeverityWarning)
	}
	assert.Len(t, sink.components, 3)
}
