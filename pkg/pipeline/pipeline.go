package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/scope"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/google/uuid"
)

/*
 * The purpose of this is to detach the implementation of event handlers
 * from the actual router
 */

// Relay is the delivery surface handlers may use. *scope.Router satisfies it.
type Relay interface {
	SendTo(s scope.Scope, msg protocol.ServerMessage, except ...uuid.UUID) int
	SendAll(msg protocol.ServerMessage, except ...uuid.UUID) int
	JoinResource(connID uuid.UUID, s scope.Scope) (bool, error)
	LeaveResource(connID uuid.UUID, s scope.Scope) bool
}

type Cargo struct {
	Logger  *slog.Logger
	Ctx     context.Context
	Session *state.Session
	Event   string
	Payload json.RawMessage
	Relay   Relay
	Now     time.Time
}

func (c *Cargo) ConnID() uuid.UUID { return c.Session.ID() }

func (c *Cargo) Principal() state.Principal { return c.Session.Principal }

// Origin identifies the sender on relayed messages.
func (c *Cargo) Origin() *protocol.Origin {
	p := c.Session.Principal
	return &protocol.Origin{UserID: p.UserID, Username: p.Username, Role: p.Role}
}

// Message builds an outbound message stamped with the sender and receive time.
func (c *Cargo) Message(event string, payload any) protocol.ServerMessage {
	return protocol.ServerMessage{Event: event, Payload: payload, From: c.Origin(), Timestamp: c.Now}
}

// ActionFunc performs the event's effect.
type ActionFunc func(pctx *Cargo) error

// ModifierFunc runs before the action and may reject the event.
type ModifierFunc func(pctx *Cargo) error

// Rejection is an event-time failure reported back to the sender.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string { return r.Code + ": " + r.Message }

func Reject(code, format string, args ...any) error {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}
