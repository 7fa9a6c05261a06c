package statemanager

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/google/uuid"
)

const defaultShardCount = 32

type presenceEntry struct {
	userID      string
	username    string
	role        string
	connectedAt time.Time
	conns       map[uuid.UUID]struct{}
}

type shard struct {
	mu    sync.Mutex
	users map[string]*presenceEntry
}

// InMemoryRegistry tracks online users. Users are spread over shards by a hash
// of their id; every mutation of one user happens under that user's shard lock.
type InMemoryRegistry struct {
	shards []*shard
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*InMemoryRegistry)

// WithClock overrides the time source used for ConnectedAt.
func WithClock(now func() time.Time) Option {
	return func(r *InMemoryRegistry) { r.now = now }
}

func WithShards(n int) Option {
	return func(r *InMemoryRegistry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

func NewInMemoryRegistry(logger *slog.Logger, opts ...Option) *InMemoryRegistry {
	r := &InMemoryRegistry{
		shards: newShards(defaultShardCount),
		now:    time.Now,
		logger: logger.With(slog.String("component", "presence_registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// compile-time check to ensure InMemoryRegistry implements Registry.
var _ state.Registry = (*InMemoryRegistry)(nil)

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{users: make(map[string]*presenceEntry)}
	}
	return shards
}

func (r *InMemoryRegistry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *InMemoryRegistry) Register(connID uuid.UUID, p state.Principal) bool {
	s := r.shardFor(p.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.users[p.UserID]
	if !exists {
		entry = &presenceEntry{
			userID:      p.UserID,
			username:    p.Username,
			role:        p.Role,
			connectedAt: r.now(),
			conns:       make(map[uuid.UUID]struct{}),
		}
		s.users[p.UserID] = entry
	}
	entry.conns[connID] = struct{}{}

	r.logger.Debug("Connection registered",
		slog.String("connID", connID.String()),
		slog.String("userID", p.UserID),
		slog.Int("connections", len(entry.conns)),
	)
	return !exists
}

func (r *InMemoryRegistry) Deregister(connID uuid.UUID, userID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, ok := entry.conns[connID]; !ok {
		// already removed, usually by a sweep
		return false
	}
	delete(entry.conns, connID)
	if len(entry.conns) > 0 {
		r.logger.Debug("Connection deregistered, user still online",
			slog.String("connID", connID.String()),
			slog.String("userID", userID),
		)
		return false
	}
	delete(s.users, userID)
	r.logger.Debug("Last connection deregistered, user offline",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
	)
	return true
}

func (r *InMemoryRegistry) Snapshot() []state.PresenceRecord {
	var records []state.PresenceRecord
	for _, s := range r.shards {
		s.mu.Lock()
		for _, entry := range s.users {
			records = append(records, entry.record())
		}
		s.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ConnectedAt.Before(records[j].ConnectedAt) ||
			(records[i].ConnectedAt.Equal(records[j].ConnectedAt) && records[i].UserID < records[j].UserID)
	})
	return records
}

// SweepStale evaluates liveness outside the shard locks, then removes only the
// dead ids that are still present. A connection registered while isLive runs
// is never touched.
func (r *InMemoryRegistry) SweepStale(isLive func(connID uuid.UUID) bool) []string {
	var departed []string
	for _, s := range r.shards {
		candidates := s.connections()
		if len(candidates) == 0 {
			continue
		}

		dead := make(map[string][]uuid.UUID)
		for userID, conns := range candidates {
			for _, id := range conns {
				if !isLive(id) {
					dead[userID] = append(dead[userID], id)
				}
			}
		}
		if len(dead) == 0 {
			continue
		}

		s.mu.Lock()
		for userID, ids := range dead {
			entry, ok := s.users[userID]
			if !ok {
				continue
			}
			for _, id := range ids {
				delete(entry.conns, id)
			}
			if len(entry.conns) == 0 {
				delete(s.users, userID)
				departed = append(departed, userID)
			}
			r.logger.Info("Pruned stale connections",
				slog.String("userID", userID),
				slog.Int("pruned", len(ids)),
				slog.Int("remaining", len(entry.conns)),
			)
		}
		s.mu.Unlock()
	}
	sort.Strings(departed)
	return departed
}

func (r *InMemoryRegistry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.Lock()
		total += len(s.users)
		s.mu.Unlock()
	}
	return total
}

func (r *InMemoryRegistry) Connections(userID string) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.users[userID]
	if !ok {
		return 0
	}
	return len(entry.conns)
}

func (s *shard) connections() map[string][]uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]uuid.UUID, len(s.users))
	for userID, entry := range s.users {
		ids := make([]uuid.UUID, 0, len(entry.conns))
		for id := range entry.conns {
			ids = append(ids, id)
		}
		out[userID] = ids
	}
	return out
}

func (e *presenceEntry) record() state.PresenceRecord {
	conns := make([]uuid.UUID, 0, len(e.conns))
	for id := range e.conns {
		conns = append(conns, id)
	}
	return state.PresenceRecord{
		UserID:      e.userID,
		Username:    e.username,
		Role:        e.role,
		ConnectedAt: e.connectedAt,
		Connections: conns,
	}
}
