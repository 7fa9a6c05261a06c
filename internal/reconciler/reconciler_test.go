package reconciler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/scheme-live/internal/hub"
	"github.com/a-essam23/scheme-live/internal/metrics"
	"github.com/a-essam23/scheme-live/internal/reconciler"
	"github.com/a-essam23/scheme-live/pkg/logging"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/scope"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/a-essam23/scheme-live/pkg/state/statemanager"
	"github.com/a-essam23/scheme-live/pkg/testutil"
	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	hub   *hub.Hub
	reg   *statemanager.InMemoryRegistry
	clock *clock
	rec   *reconciler.Reconciler
}

func newFixture() *fixture {
	logger := logging.Discard()
	reg := statemanager.NewInMemoryRegistry(logger)
	h := hub.New(logger, reg, scope.NewRouter(logger), metrics.New())
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rec := reconciler.New(logger, h, reconciler.Config{Interval: time.Minute, MaxIdle: 30 * time.Minute}, reconciler.WithClock(c.Now))
	return &fixture{hub: h, reg: reg, clock: c, rec: rec}
}

func (f *fixture) connect(userID string) *testutil.Endpoint {
	ep := testutil.NewEndpoint()
	ep.SetLastActive(f.clock.Now())
	ep.OnClose(func(id uuid.UUID) { f.hub.Disconnect(id) })
	f.hub.Connect(&state.Session{
		Endpoint:  ep,
		Principal: state.Principal{UserID: userID, Username: userID, Role: "editor"},
		CreatedAt: f.clock.Now(),
	})
	return ep
}

func TestHealthyConnectionsSurvive(t *testing.T) {
	f := newFixture()
	a := f.connect("u1")
	f.connect("u2")

	f.clock.Advance(10 * time.Minute)
	res := f.rec.Reconcile()

	assert.Zero(t, res.Evicted)
	assert.Empty(t, res.Departed)
	assert.Equal(t, 2, f.hub.OnlineCount())
	assert.False(t, a.Closed())
}

func TestThirtyMinutesOfSilenceProducesOneDeparture(t *testing.T) {
	f := newFixture()
	watcher := f.connect("watcher")
	ghost := f.connect("ghost")
	ghostTab := f.connect("ghost")
	watcher.Reset()

	// the ghost's tabs go silent; the watcher keeps heartbeating
	f.clock.Advance(31 * time.Minute)
	watcher.SetLastActive(f.clock.Now())

	res := f.rec.Reconcile()

	assert.Equal(t, 2, res.Evicted)
	assert.Equal(t, []string{"ghost"}, res.Departed)
	assert.True(t, ghost.Closed())
	assert.True(t, ghostTab.Closed())
	assert.Equal(t, 1, watcher.Count(protocol.EventUserDisconnected))
	assert.Equal(t, 1, f.hub.OnlineCount())

	// the next cycle has nothing left to do
	res = f.rec.Reconcile()
	assert.Empty(t, res.Departed)
	assert.Equal(t, 1, watcher.Count(protocol.EventUserDisconnected))
}

func TestDeadTransportIsEvictedEvenIfRecent(t *testing.T) {
	f := newFixture()
	watcher := f.connect("watcher")
	crashed := f.connect("u1")
	watcher.Reset()

	crashed.MarkDead()
	res := f.rec.Reconcile()

	assert.Equal(t, []string{"u1"}, res.Departed)
	assert.Equal(t, 1, watcher.Count(protocol.EventUserDisconnected))
}

func TestOrphanedRegistryEntriesAreSwept(t *testing.T) {
	f := newFixture()
	watcher := f.connect("watcher")
	watcher.Reset()

	// registered without a session, as if a close was lost mid-handshake
	f.reg.Register(uuid.New(), state.Principal{UserID: "orphan"})
	require.Equal(t, 2, f.hub.OnlineCount())

	res := f.rec.Reconcile()
	assert.Zero(t, res.Evicted)
	assert.Equal(t, []string{"orphan"}, res.Departed)
	assert.Equal(t, 1, watcher.Count(protocol.EventUserDisconnected))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.hub.Metrics().Departures.WithLabelValues(metrics.CauseSwept)))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.hub.Metrics().ReconcileRuns))
}

func TestEvictionAndCleanCloseAreIdempotent(t *testing.T) {
	f := newFixture()
	watcher := f.connect("watcher")
	tab := f.connect("u1")
	watcher.Reset()

	f.clock.Advance(time.Hour)
	watcher.SetLastActive(f.clock.Now())
	f.rec.Reconcile()
	tab.Close(nil)
	f.hub.Disconnect(tab.ID())

	assert.Equal(t, 1, watcher.Count(protocol.EventUserDisconnected))
}

func TestRunStopsWithContext(t *testing.T) {
	logger := logging.Discard()
	h := hub.New(logger, statemanager.NewInMemoryRegistry(logger), scope.NewRouter(logger), metrics.New())
	rec := reconciler.New(logger, h, reconciler.Config{Interval: 5 * time.Millisecond, MaxIdle: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	require.Eventually(t, func() bool {
		return promtest.ToFloat64(h.Metrics().ReconcileRuns) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
