// Package hub ties the presence registry and the scope router to connection
// lifecycles and exposes the send API other components use.
package hub

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/scheme-live/internal/metrics"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/scope"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/google/uuid"
)

var ErrEvicted = errors.New("connection evicted")

type Hub struct {
	registry state.Registry
	router   *scope.Router
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*state.Session
}

func New(logger *slog.Logger, registry state.Registry, router *scope.Router, m *metrics.Metrics) *Hub {
	return &Hub{
		registry: registry,
		router:   router,
		metrics:  m,
		logger:   logger.With(slog.String("component", "hub")),
		sessions: make(map[uuid.UUID]*state.Session),
	}
}

// Connect admits an authenticated session. The new connection receives the
// online list; everyone else hears about the user only if this is their first
// connection.
func (h *Hub) Connect(s *state.Session) {
	id := s.ID()
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	first := h.registry.Register(id, s.Principal)
	h.router.Attach(s.Endpoint, s.Principal)

	// an eviction racing the admission may already have run its teardown,
	// leaving the registration and attachment above behind
	if _, ok := h.Session(id); !ok {
		h.router.Detach(id)
		h.registry.Deregister(id, s.Principal.UserID)
		h.refreshGauges()
		h.logger.Info("Session evicted during admission",
			slog.String("connID", id.String()),
			slog.String("userID", s.Principal.UserID),
		)
		return
	}
	h.refreshGauges()

	_ = h.router.SendToConnection(id, protocol.ServerMessage{
		Event:   protocol.EventOnlineUsers,
		Payload: h.registry.Snapshot(),
	})
	if first {
		h.router.SendAll(protocol.ServerMessage{
			Event:   protocol.EventUserConnected,
			Payload: presenceOf(s.Principal),
		}, id)
	}
	h.logger.Info("Session connected",
		slog.String("connID", id.String()),
		slog.String("userID", s.Principal.UserID),
		slog.Bool("firstConnection", first),
	)
}

// Disconnect tears a session down. It is safe to call more than once; only
// the first call has any effect. It reports whether the user went offline.
func (h *Hub) Disconnect(connID uuid.UUID) (wentOffline bool) {
	return h.disconnect(connID, metrics.CauseClosed)
}

func (h *Hub) disconnect(connID uuid.UUID, cause string) bool {
	h.mu.Lock()
	s, ok := h.sessions[connID]
	delete(h.sessions, connID)
	h.mu.Unlock()
	if !ok {
		return false
	}
	p := s.Principal

	for _, res := range h.router.Detach(connID) {
		resourceType, resourceID, _ := res.ResourceParts()
		h.router.SendTo(res, protocol.ServerMessage{
			Event: protocol.EventUserLeftEditing,
			Payload: protocol.EditingPayload{
				UserID:       p.UserID,
				Username:     p.Username,
				ResourceType: resourceType,
				ResourceID:   resourceID,
			},
		})
	}

	last := h.registry.Deregister(connID, p.UserID)
	h.refreshGauges()
	if last {
		h.announceDeparture(presenceOf(p), cause)
	}
	h.logger.Info("Session disconnected",
		slog.String("connID", connID.String()),
		slog.String("userID", p.UserID),
		slog.Bool("lastConnection", last),
		slog.String("cause", cause),
	)
	return last
}

// Evict disconnects a session and then closes its transport.
func (h *Hub) Evict(connID uuid.UUID, reason error) bool {
	s, ok := h.Session(connID)
	if !ok {
		return false
	}
	if reason == nil {
		reason = ErrEvicted
	}
	offline := h.disconnect(connID, metrics.CauseEvicted)
	s.Endpoint.Close(reason)
	return offline
}

// AnnounceDepartures broadcasts user_disconnected for users removed outside
// the session path, such as registry orphans found by a sweep.
func (h *Hub) AnnounceDepartures(userIDs []string, cause string) {
	for _, id := range userIDs {
		h.announceDeparture(protocol.PresencePayload{UserID: id}, cause)
	}
	if len(userIDs) > 0 {
		h.refreshGauges()
	}
}

func (h *Hub) announceDeparture(p protocol.PresencePayload, cause string) {
	h.metrics.Departures.WithLabelValues(cause).Inc()
	h.router.SendAll(protocol.ServerMessage{Event: protocol.EventUserDisconnected, Payload: p})
}

func (h *Hub) refreshGauges() {
	h.mu.RLock()
	n := len(h.sessions)
	h.mu.RUnlock()
	h.metrics.Connections.Set(float64(n))
	h.metrics.OnlineUsers.Set(float64(h.registry.Count()))
}

func (h *Hub) Session(connID uuid.UUID) (*state.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[connID]
	return s, ok
}

// Sessions returns every live session, oldest first.
func (h *Hub) Sessions() []*state.Session {
	h.mu.RLock()
	out := make([]*state.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OldestSession returns the user's longest-lived connection.
func (h *Hub) OldestSession(userID string) (*state.Session, bool) {
	var oldest *state.Session
	h.mu.RLock()
	for _, s := range h.sessions {
		if s.Principal.UserID != userID {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	h.mu.RUnlock()
	return oldest, oldest != nil
}

// UserConnections is the number of connections the registry holds for userID.
func (h *Hub) UserConnections(userID string) int {
	return h.registry.Connections(userID)
}

// IsLive reports whether a connection still has a session with an open,
// recently active transport.
func (h *Hub) IsLive(connID uuid.UUID, now time.Time, maxIdle time.Duration) bool {
	s, ok := h.Session(connID)
	if !ok {
		return false
	}
	return !Stale(s, now, maxIdle)
}

// Stale reports whether a session should be reclaimed.
func Stale(s *state.Session, now time.Time, maxIdle time.Duration) bool {
	if s.Endpoint.Closed() {
		return true
	}
	return now.Sub(s.Endpoint.LastActive()) > maxIdle
}

func (h *Hub) SendToUser(userID, event string, payload any) int {
	return h.router.SendTo(scope.User(userID), protocol.ServerMessage{Event: event, Payload: payload})
}

func (h *Hub) SendToRole(role, event string, payload any) int {
	return h.router.SendTo(scope.Role(role), protocol.ServerMessage{Event: event, Payload: payload})
}

func (h *Hub) Broadcast(event string, payload any) int {
	return h.router.SendAll(protocol.ServerMessage{Event: event, Payload: payload})
}

// OnlineCount is the number of distinct users online.
func (h *Hub) OnlineCount() int { return h.registry.Count() }

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) Snapshot() []state.PresenceRecord { return h.registry.Snapshot() }

func (h *Hub) Registry() state.Registry { return h.registry }

func (h *Hub) Router() *scope.Router { return h.router }

func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

// CloseAll closes every transport concurrently, since each close waits on the
// peer's handshake. Their close handlers disconnect the sessions.
func (h *Hub) CloseAll(reason error) {
	var wg sync.WaitGroup
	for _, s := range h.Sessions() {
		wg.Add(1)
		go func(ep state.Endpoint) {
			defer wg.Done()
			ep.Close(reason)
		}(s.Endpoint)
	}
	wg.Wait()
}

func presenceOf(p state.Principal) protocol.PresencePayload {
	return protocol.PresencePayload{UserID: p.UserID, Username: p.Username, Role: p.Role}
}
