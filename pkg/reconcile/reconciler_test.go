// pkg/reconcile/reconciler_test.go
package reconcile

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowsync/shadowd/pkg/model"
	"github.com/shadowsync/shadowd/pkg/persistence"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeDispatcher records dispatch and resolve calls.
type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []model.InFlightCommand
	resolved   []map[string]interface{}
}

func (f *fakeDispatcher) Dispatch(deviceID, capability string, target interface{}) model.InFlightCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := model.InFlightCommand{
		DeviceID:    deviceID,
		Capability:  capability,
		TargetValue: target,
		Status:      model.CommandPending,
	}
	f.dispatched = append(f.dispatched, cmd)
	return cmd
}

func (f *fakeDispatcher) Resolve(_ string, reported map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, reported)
}

func (f *fakeDispatcher) dispatchedCommands() []model.InFlightCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.InFlightCommand{}, f.dispatched...)
}

// recordingHub captures change events.
type recordingHub struct {
	mu     sync.Mutex
	events []interface{}
}

func (r *recordingHub) Publish(_ string, event interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingHub) changeEvents() []model.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.ChangeEvent{}
	for _, ev := range r.events {
		if ce, ok := ev.(model.ChangeEvent); ok {
			out = append(out, ce)
		}
	}
	return out
}

type fixture struct {
	store      *persistence.MemoryStore
	dispatcher *fakeDispatcher
	hub        *recordingHub
	reconciler *Reconciler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:      persistence.NewMemoryStore(),
		dispatcher: &fakeDispatcher{},
		hub:        &recordingHub{},
	}
	f.reconciler = New(f.store, f.store, f.dispatcher, f.hub, cfg, testLogger())
	return f
}

func TestApplyReportCreatesShadowLazily(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	doc, err := f.reconciler.ApplyReport(ctx, "wh-001", map[string]interface{}{"temperature": 120.0}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, 120.0, doc.ReportedState["temperature"])
	assert.False(t, doc.Metadata.LastReported.IsZero())
}

func TestApplyReportIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	fragment := map[string]interface{}{"temperature": 120.0}

	first, err := f.reconciler.ApplyReport(ctx, "wh-001", fragment, time.Time{})
	require.NoError(t, err)

	// Re-applying the identical fragment changes nothing and does not bump
	// the version.
	second, err := f.reconciler.ApplyReport(ctx, "wh-001", fragment, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.ReportedState, second.ReportedState)
	assert.Len(t, f.hub.changeEvents(), 1, "no spurious event for the no-op")
}

func TestApplyReportMergesKeyWise(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.reconciler.ApplyReport(ctx, "wh-001",
		map[string]interface{}{"temperature": 120.0, "mode": "eco"}, time.Time{})
	require.NoError(t, err)

	doc, err := f.reconciler.ApplyReport(ctx, "wh-001",
		map[string]interface{}{"temperature": 125.0}, time.Time{})
	require.NoError(t, err)

	// Unspecified capabilities stay untouched.
	assert.Equal(t, 125.0, doc.ReportedState["temperature"])
	assert.Equal(t, "eco", doc.ReportedState["mode"])
}

func TestApplyReportAppendsHistoryForChangedCapabilities(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := f.reconciler.ApplyReport(ctx, "wh-001",
		map[string]interface{}{"temperature": 120.0, "mode": "eco"}, ts)
	require.NoError(t, err)

	// Second report changes only temperature; only it gets a history point.
	_, err = f.reconciler.ApplyReport(ctx, "wh-001",
		map[string]interface{}{"temperature": 125.0, "mode": "eco"}, ts.Add(time.Minute))
	require.NoError(t, err)

	points, err := f.store.Query(ctx, "wh-001", ts, ts.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, "temperature", points[2].Capability)
	assert.Equal(t, 125.0, points[2].Value)
}

func TestApplyDesiredDispatchesCommands(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	doc, err := f.reconciler.ApplyDesired(ctx, "wh-001",
		map[string]interface{}{"temperature": 130.0}, "operator")
	require.NoError(t, err)

	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, 130.0, doc.DesiredState["temperature"])

	dispatched := f.dispatcher.dispatchedCommands()
	require.Len(t, dispatched, 1)
	assert.Equal(t, "temperature", dispatched[0].Capability)
	assert.Equal(t, 130.0, dispatched[0].TargetValue)
}

func TestApplyDesiredIdempotentSkipsDispatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	fragment := map[string]interface{}{"temperature": 130.0}

	_, err := f.reconciler.ApplyDesired(ctx, "wh-001", fragment, "operator")
	require.NoError(t, err)
	_, err = f.reconciler.ApplyDesired(ctx, "wh-001", fragment, "operator")
	require.NoError(t, err)

	assert.Len(t, f.dispatcher.dispatchedCommands(), 1,
		"an unchanged desired value must not re-dispatch")
}

func TestReportDesiredReportScenario(t *testing.T) {
	// Scenario from the water-heater walkthrough: report, desired change,
	// confirming report.
	f := newFixture(t, Config{})
	ctx := context.Background()

	// No shadow yet.
	_, err := f.store.Get(ctx, "wh-001")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	// Device reports temperature 120 -> version 1.
	doc, err := f.reconciler.ApplyReport(ctx, "wh-001",
		map[string]interface{}{"temperature": 120.0}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, 120.0, doc.ReportedState["temperature"])

	// User requests 130 -> version 2, pending delta shows both values.
	doc, err = f.reconciler.ApplyDesired(ctx, "wh-001",
		map[string]interface{}{"temperature": 130.0}, "user")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	delta := doc.PendingDelta()
	require.Len(t, delta, 1)
	assert.Equal(t, model.DeltaEntry{Desired: 130.0, Reported: 120.0}, delta["temperature"])

	// Device reports 130 -> version 3, delta empty, command resolution ran
	// against the new reported state.
	doc, err = f.reconciler.ApplyReport(ctx, "wh-001",
		map[string]interface{}{"temperature": 130.0}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Version)
	assert.Empty(t, doc.PendingDelta())

	f.dispatcher.mu.Lock()
	lastResolve := f.dispatcher.resolved[len(f.dispatcher.resolved)-1]
	f.dispatcher.mu.Unlock()
	assert.Equal(t, 130.0, lastResolve["temperature"])
}

func TestChangeEventsCarryDelta(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.reconciler.ApplyReport(ctx, "wh-001",
		map[string]interface{}{"temperature": 120.0}, time.Time{})
	require.NoError(t, err)
	_, err = f.reconciler.ApplyDesired(ctx, "wh-001",
		map[string]interface{}{"temperature": 130.0}, "user")
	require.NoError(t, err)

	events := f.hub.changeEvents()
	require.Len(t, events, 2)

	assert.Equal(t, []string{"temperature"}, events[0].ChangedCapabilities)
	assert.Empty(t, events[0].PendingDelta)

	assert.Equal(t, int64(2), events[1].Version)
	require.Len(t, events[1].PendingDelta, 1)
	assert.Equal(t, model.DeltaEntry{Desired: 130.0, Reported: 120.0},
		events[1].PendingDelta["temperature"])
}

// conflictStore wraps the memory store and forces version conflicts.
type conflictStore struct {
	*persistence.MemoryStore
	conflicts int // remaining forced conflicts; negative means always
	mu        sync.Mutex
}

func (s *conflictStore) CompareAndSwap(ctx context.Context, deviceID string, expectedVersion int64, mutate persistence.Mutator) (*model.ShadowDocument, error) {
	s.mu.Lock()
	force := s.conflicts != 0
	if s.conflicts > 0 {
		s.conflicts--
	}
	s.mu.Unlock()

	if force {
		return nil, model.ErrVersionConflict
	}
	return s.MemoryStore.CompareAndSwap(ctx, deviceID, expectedVersion, mutate)
}

func TestTransientConflictIsRetried(t *testing.T) {
	store := &conflictStore{MemoryStore: persistence.NewMemoryStore(), conflicts: 2}
	dispatcher := &fakeDispatcher{}
	hub := &recordingHub{}
	r := New(store, store, dispatcher, hub, Config{MaxRetries: 5, RetryInterval: time.Millisecond}, testLogger())

	doc, err := r.ApplyReport(context.Background(), "wh-001",
		map[string]interface{}{"temperature": 120.0}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
}

func TestConflictExhaustionSurfaces(t *testing.T) {
	store := &conflictStore{MemoryStore: persistence.NewMemoryStore(), conflicts: -1}
	dispatcher := &fakeDispatcher{}
	hub := &recordingHub{}
	r := New(store, store, dispatcher, hub, Config{MaxRetries: 3, RetryInterval: time.Millisecond}, testLogger())

	_, err := r.ApplyReport(context.Background(), "wh-001",
		map[string]interface{}{"temperature": 120.0}, time.Time{})
	assert.True(t, errors.Is(err, model.ErrConcurrencyExhausted))
	assert.Empty(t, hub.changeEvents(), "no event without a committed write")
}
