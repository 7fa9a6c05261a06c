package statemanager_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/a-essam23/scheme-live/pkg/logging"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/a-essam23/scheme-live/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *statemanager.InMemoryRegistry {
	return statemanager.NewInMemoryRegistry(logging.Discard())
}

func principal(id string) state.Principal {
	return state.Principal{UserID: id, Username: "name-" + id, Role: "user"}
}

func TestRegisterDeregisterLifecycle(t *testing.T) {
	r := newTestRegistry()
	p := principal("u1")
	c1, c2 := uuid.New(), uuid.New()

	assert.True(t, r.Register(c1, p), "first connection must be reported as first")
	assert.False(t, r.Register(c2, p), "second tab must not be reported as first")
	assert.Equal(t, 2, r.Connections("u1"))
	assert.Equal(t, 1, r.Count())

	assert.False(t, r.Deregister(c1, "u1"))
	assert.Equal(t, 1, r.Connections("u1"))

	assert.True(t, r.Deregister(c2, "u1"), "closing the last tab must be reported as last")
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Snapshot())
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	c := uuid.New()
	r.Register(c, principal("u1"))

	require.True(t, r.Deregister(c, "u1"))
	assert.False(t, r.Deregister(c, "u1"))
	assert.False(t, r.Deregister(uuid.New(), "nobody"))
}

func TestFirstConnectionReportedOncePerSession(t *testing.T) {
	r := newTestRegistry()
	p := principal("u1")

	firsts := 0
	conns := make([]uuid.UUID, 5)
	for i := range conns {
		conns[i] = uuid.New()
		if r.Register(conns[i], p) {
			firsts++
		}
	}
	assert.Equal(t, 1, firsts)

	// close in a shuffled order; exactly one departure
	rand.Shuffle(len(conns), func(i, j int) { conns[i], conns[j] = conns[j], conns[i] })
	lasts := 0
	for _, id := range conns {
		if r.Deregister(id, "u1") {
			lasts++
		}
	}
	assert.Equal(t, 1, lasts)

	// a new online session reports first again
	assert.True(t, r.Register(uuid.New(), p))
}

func TestRandomSequencesKeepCountConsistent(t *testing.T) {
	r := newTestRegistry()
	p := principal("u1")
	rng := rand.New(rand.NewSource(42))

	var live []uuid.UUID
	for i := 0; i < 500; i++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			id := uuid.New()
			r.Register(id, p)
			live = append(live, id)
		} else {
			idx := rng.Intn(len(live))
			r.Deregister(live[idx], "u1")
			live = append(live[:idx], live[idx+1:]...)
		}
		require.Equal(t, len(live), r.Connections("u1"))
		require.Equal(t, len(live) > 0, r.Count() == 1)
	}
}

func TestSnapshotReturnsCopies(t *testing.T) {
	r := newTestRegistry()
	r.Register(uuid.New(), principal("u1"))
	r.Register(uuid.New(), principal("u2"))
	r.Register(uuid.New(), principal("u2"))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	byUser := map[string]state.PresenceRecord{}
	for _, rec := range snap {
		byUser[rec.UserID] = rec
	}
	assert.Equal(t, 1, byUser["u1"].ConnectionCount())
	assert.Equal(t, 2, byUser["u2"].ConnectionCount())
	assert.Equal(t, "name-u2", byUser["u2"].Username)

	byUser["u2"].Connections[0] = uuid.Nil
	assert.Equal(t, 2, r.Connections("u2"))
}

func TestSweepStaleAllLiveIsNoop(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 10; i++ {
		r.Register(uuid.New(), principal("u1"))
		r.Register(uuid.New(), principal("u2"))
	}

	departed := r.SweepStale(func(uuid.UUID) bool { return true })
	assert.Empty(t, departed)
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, 10, r.Connections("u1"))
}

func TestSweepStaleRemovesDeadUser(t *testing.T) {
	r := newTestRegistry()
	dead := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		id := uuid.New()
		dead[id] = true
		r.Register(id, principal("ghost"))
	}
	alive := uuid.New()
	r.Register(alive, principal("alive"))
	partial := uuid.New()
	dead[partial] = true
	r.Register(partial, principal("alive"))

	departed := r.SweepStale(func(id uuid.UUID) bool { return !dead[id] })
	assert.Equal(t, []string{"ghost"}, departed)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, r.Connections("alive"))

	// second sweep finds nothing
	assert.Empty(t, r.SweepStale(func(id uuid.UUID) bool { return !dead[id] }))
}

func TestSweepDoesNotRemoveConnectionRegisteredDuringCheck(t *testing.T) {
	r := newTestRegistry()
	old := uuid.New()
	r.Register(old, principal("u1"))

	fresh := uuid.New()
	departed := r.SweepStale(func(id uuid.UUID) bool {
		// a new tab opens while the sweep is evaluating liveness
		r.Register(fresh, principal("u1"))
		return false
	})

	assert.Empty(t, departed)
	assert.Equal(t, 1, r.Connections("u1"))
	assert.True(t, r.Deregister(fresh, "u1"))
}

func TestSweepAndDeregisterRaceReportsOneDeparture(t *testing.T) {
	r := newTestRegistry()
	id := uuid.New()
	r.Register(id, principal("u1"))

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- r.Deregister(id, "u1")
	}()
	go func() {
		defer wg.Done()
		results <- len(r.SweepStale(func(uuid.UUID) bool { return false })) == 1
	}()
	wg.Wait()
	close(results)

	departures := 0
	for ok := range results {
		if ok {
			departures++
		}
	}
	assert.Equal(t, 1, departures)
}

func TestConcurrentRegisterDeregister(t *testing.T) {
	r := newTestRegistry()
	const users, tabs = 20, 25

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := map[string]int{}
	lasts := map[string]int{}

	for u := 0; u < users; u++ {
		userID := "user-" + uuid.NewString()[:8]
		for i := 0; i < tabs; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := uuid.New()
				first := r.Register(id, principal(userID))
				last := r.Deregister(id, userID)
				mu.Lock()
				if first {
					firsts[userID]++
				}
				if last {
					lasts[userID]++
				}
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	for userID, n := range firsts {
		assert.Equal(t, n, lasts[userID], "every online session of %s must end exactly once", userID)
	}
}

func TestSingleShardKeepsUsersApart(t *testing.T) {
	r := statemanager.NewInMemoryRegistry(logging.Discard(), statemanager.WithShards(1))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c := uuid.New()
			r.Register(c, principal(id))
			if id[len(id)-1]%2 == 0 {
				r.Deregister(c, id)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	assert.Equal(t, 10, r.Count())
	assert.Len(t, r.Snapshot(), 10)
}
