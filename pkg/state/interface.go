package state

import "github.com/google/uuid"

// Registry is the authoritative record of who is online.
type Registry interface {
	// Register adds connID to the user's connection set and reports whether
	// it is the user's first live connection.
	Register(connID uuid.UUID, p Principal) (first bool)
	// Deregister removes connID and reports whether it was the user's last
	// connection. Unknown ids are a no-op.
	Deregister(connID uuid.UUID, userID string) (last bool)
	Snapshot() []PresenceRecord
	// SweepStale prunes every connection isLive rejects and returns the users
	// whose records were emptied.
	SweepStale(isLive func(connID uuid.UUID) bool) (departed []string)
	Count() int
	Connections(userID string) int
}
