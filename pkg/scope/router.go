package scope

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/google/uuid"
)

const defaultShardCount = 32

var ErrUnknownConnection = errors.New("connection is not attached")

type member struct {
	endpoint state.Endpoint
	userID   string
	scopes   map[Scope]struct{}
}

type connShard struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*member
}

type scopeShard struct {
	mu      sync.RWMutex
	members map[Scope]map[uuid.UUID]state.Endpoint
}

// Router owns scope membership. Membership is indexed by connection, so a
// scope disappears as soon as its last connection leaves or detaches.
//
// Lock order is connection shard, then scope shard. Delivery copies targets
// under a read lock and writes after releasing it.
type Router struct {
	connShards  []*connShard
	scopeShards []*scopeShard
	onDrop      func(connID uuid.UUID)
	logger      *slog.Logger
}

type Option func(*Router)

// WithDropHook is called for every message a backlogged endpoint refused.
func WithDropHook(fn func(connID uuid.UUID)) Option {
	return func(r *Router) { r.onDrop = fn }
}

func NewRouter(logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		connShards:  make([]*connShard, defaultShardCount),
		scopeShards: make([]*scopeShard, defaultShardCount),
		logger:      logger.With(slog.String("component", "scope_router")),
	}
	for i := 0; i < defaultShardCount; i++ {
		r.connShards[i] = &connShard{conns: make(map[uuid.UUID]*member)}
		r.scopeShards[i] = &scopeShard{members: make(map[Scope]map[uuid.UUID]state.Endpoint)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) connShardFor(id uuid.UUID) *connShard {
	// uuid v4 bytes are random enough to shard on directly
	return r.connShards[int(id[len(id)-1])%len(r.connShards)]
}

func (r *Router) scopeShardFor(s Scope) *scopeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return r.scopeShards[h.Sum32()%uint32(len(r.scopeShards))]
}

// Attach places a new connection into its user and role scopes.
func (r *Router) Attach(ep state.Endpoint, p state.Principal) {
	id := ep.ID()
	cs := r.connShardFor(id)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	m, exists := cs.conns[id]
	if !exists {
		m = &member{endpoint: ep, userID: p.UserID, scopes: make(map[Scope]struct{})}
		cs.conns[id] = m
	}
	r.join(m, id, User(p.UserID))
	if p.Role != "" {
		r.join(m, id, Role(p.Role))
	}
	r.logger.Debug("Connection attached", slog.String("connID", id.String()), slog.String("userID", p.UserID))
}

// Detach removes the connection from every scope and returns the resource
// scopes it was still in.
func (r *Router) Detach(connID uuid.UUID) []Scope {
	cs := r.connShardFor(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	m, ok := cs.conns[connID]
	if !ok {
		return nil
	}
	delete(cs.conns, connID)

	var resources []Scope
	for s := range m.scopes {
		r.removeMember(s, connID)
		if s.IsResource() {
			resources = append(resources, s)
		}
	}
	r.logger.Debug("Connection detached", slog.String("connID", connID.String()), slog.Int("scopes", len(m.scopes)))
	return resources
}

// JoinResource is idempotent. joined is false if the connection was already a member.
func (r *Router) JoinResource(connID uuid.UUID, s Scope) (joined bool, err error) {
	if !s.IsResource() {
		return false, ErrInvalidResource
	}
	cs := r.connShardFor(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	m, ok := cs.conns[connID]
	if !ok {
		return false, ErrUnknownConnection
	}
	if _, already := m.scopes[s]; already {
		return false, nil
	}
	r.join(m, connID, s)
	return true, nil
}

// LeaveResource is idempotent. Leaving a scope the connection is not in is not an error.
func (r *Router) LeaveResource(connID uuid.UUID, s Scope) (left bool) {
	cs := r.connShardFor(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	m, ok := cs.conns[connID]
	if !ok {
		return false
	}
	if _, in := m.scopes[s]; !in {
		return false
	}
	delete(m.scopes, s)
	r.removeMember(s, connID)
	return true
}

// join must be called with the member's connection shard locked.
func (r *Router) join(m *member, connID uuid.UUID, s Scope) {
	m.scopes[s] = struct{}{}
	ss := r.scopeShardFor(s)
	ss.mu.Lock()
	set, ok := ss.members[s]
	if !ok {
		set = make(map[uuid.UUID]state.Endpoint)
		ss.members[s] = set
	}
	set[connID] = m.endpoint
	ss.mu.Unlock()
}

func (r *Router) removeMember(s Scope, connID uuid.UUID) {
	ss := r.scopeShardFor(s)
	ss.mu.Lock()
	if set, ok := ss.members[s]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(ss.members, s)
		}
	}
	ss.mu.Unlock()
}

// SendTo delivers msg to every connection in the scope except the excluded ids
// and returns how many endpoints accepted it.
func (r *Router) SendTo(s Scope, msg protocol.ServerMessage, except ...uuid.UUID) int {
	ss := r.scopeShardFor(s)
	ss.mu.RLock()
	set := ss.members[s]
	targets := make([]state.Endpoint, 0, len(set))
	for id, ep := range set {
		if !excluded(id, except) {
			targets = append(targets, ep)
		}
	}
	ss.mu.RUnlock()

	return r.deliver(targets, msg)
}

// SendAll delivers msg to every attached connection except the excluded ids.
func (r *Router) SendAll(msg protocol.ServerMessage, except ...uuid.UUID) int {
	var targets []state.Endpoint
	for _, cs := range r.connShards {
		cs.mu.RLock()
		for id, m := range cs.conns {
			if !excluded(id, except) {
				targets = append(targets, m.endpoint)
			}
		}
		cs.mu.RUnlock()
	}
	return r.deliver(targets, msg)
}

// SendToConnection delivers directly to one connection.
func (r *Router) SendToConnection(connID uuid.UUID, msg protocol.ServerMessage) error {
	cs := r.connShardFor(connID)
	cs.mu.RLock()
	m, ok := cs.conns[connID]
	cs.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	r.deliver([]state.Endpoint{m.endpoint}, msg)
	return nil
}

func (r *Router) deliver(targets []state.Endpoint, msg protocol.ServerMessage) int {
	if len(targets) == 0 {
		return 0
	}
	frame, err := msg.Encode()
	if err != nil {
		r.logger.Error("Failed to encode outbound message", slog.String("event", msg.Event), slog.Any("error", err))
		return 0
	}
	delivered := 0
	for _, ep := range targets {
		if ep.Send(frame) {
			delivered++
			continue
		}
		r.logger.Debug("Dropped message for backlogged connection",
			slog.String("connID", ep.ID().String()),
			slog.String("event", msg.Event),
		)
		if r.onDrop != nil {
			r.onDrop(ep.ID())
		}
	}
	return delivered
}

// Members returns how many connections are currently in the scope.
func (r *Router) Members(s Scope) int {
	ss := r.scopeShardFor(s)
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.members[s])
}

func (r *Router) IsMember(connID uuid.UUID, s Scope) bool {
	cs := r.connShardFor(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	m, ok := cs.conns[connID]
	if !ok {
		return false
	}
	_, in := m.scopes[s]
	return in
}

// ConnectionCount returns the number of attached connections.
func (r *Router) ConnectionCount() int {
	total := 0
	for _, cs := range r.connShards {
		cs.mu.RLock()
		total += len(cs.conns)
		cs.mu.RUnlock()
	}
	return total
}

func excluded(id uuid.UUID, except []uuid.UUID) bool {
	for _, e := range except {
		if e == id {
			return true
		}
	}
	return false
}
