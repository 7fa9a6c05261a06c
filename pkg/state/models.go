package state

import (
	"time"

	"github.com/google/uuid"
)

// Principal is the verified identity attached to a connection at handshake time.
// It is never updated for the lifetime of the connection.
type Principal struct {
	UserID      string     `json:"userId"`
	Username    string     `json:"username"`
	Role        string     `json:"role"`
	Permissions Permission `json:"-"`
}

// Can reports whether the principal satisfies a permission requirement.
// The "all" wildcard and the admin role satisfy every requirement.
func (p Principal) Can(perm Permission) bool {
	if perm == 0 {
		return true
	}
	if p.Role == RoleAdmin || p.Permissions.Has(PermAll) {
		return true
	}
	return p.Permissions.Has(perm)
}

// Endpoint is the transport side of one live connection.
type Endpoint interface {
	ID() uuid.UUID
	// Send queues a message without blocking. It returns false when the
	// message was dropped.
	Send(msg []byte) bool
	Close(reason error)
	// LastActive is the last time a frame or pong was received.
	LastActive() time.Time
	Closed() bool
}

// Session ties an endpoint to the principal that opened it.
type Session struct {
	Endpoint  Endpoint
	Principal Principal
	CreatedAt time.Time
}

func (s *Session) ID() uuid.UUID { return s.Endpoint.ID() }

// PresenceRecord is one online user, aggregated over all their connections.
type PresenceRecord struct {
	UserID      string      `json:"userId"`
	Username    string      `json:"username"`
	Role        string      `json:"role"`
	ConnectedAt time.Time   `json:"connectedAt"`
	Connections []uuid.UUID `json:"-"`
}

func (r PresenceRecord) ConnectionCount() int { return len(r.Connections) }
