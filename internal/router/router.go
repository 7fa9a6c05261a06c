package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/a-essam23/scheme-live/internal/engine"
	"github.com/a-essam23/scheme-live/internal/metrics"
	"github.com/a-essam23/scheme-live/pkg/pipeline"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/a-essam23/scheme-live/internal/router"

// SessionLookup resolves the session that owns a connection.
type SessionLookup interface {
	Session(connID uuid.UUID) (*state.Session, bool)
}

// Replier delivers to a single connection.
type Replier interface {
	pipeline.Relay
	SendToConnection(connID uuid.UUID, msg protocol.ServerMessage) error
}

type EventRouter struct {
	logger   *slog.Logger
	sessions SessionLookup
	relay    Replier
	handlers *engine.Registry
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

func NewEventRouter(logger *slog.Logger, sessions SessionLookup, relay Replier, handlers *engine.Registry, m *metrics.Metrics) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		sessions: sessions,
		relay:    relay,
		handlers: handlers,
		metrics:  m,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// HandleMessage processes one inbound frame. It never closes the connection;
// every failure becomes a single error event back to the sender.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	session, ok := r.sessions.Session(connID)
	if !ok {
		r.logger.Warn("Message from connection without a session", slog.String("connID", connID.String()))
		return
	}

	clientMsg, err := protocol.DecodeClient(msg)
	if err != nil || clientMsg.Event == "" {
		r.logger.Warn("Failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		r.reject(connID, "", &pipeline.Rejection{Code: protocol.CodeMalformedPayload, Message: "expected {\"event\": string, \"payload\": object}"})
		return
	}

	ctx, span := r.tracer.Start(ctx, "dispatch "+clientMsg.Event, trace.WithAttributes(
		attribute.String("event", clientMsg.Event),
		attribute.String("user.id", session.Principal.UserID),
		attribute.String("conn.id", connID.String()),
	))
	defer span.End()

	handler, ok := r.handlers.Lookup(clientMsg.Event)
	if !ok {
		r.logger.Warn("Received unknown event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
		span.SetStatus(codes.Error, protocol.CodeUnknownEvent)
		r.reject(connID, clientMsg.Event, &pipeline.Rejection{Code: protocol.CodeUnknownEvent, Message: "unknown event"})
		return
	}

	pctx := &pipeline.Cargo{
		Logger: r.logger.With(
			slog.String("connID", connID.String()),
			slog.String("userID", session.Principal.UserID),
			slog.String("event", clientMsg.Event),
		),
		Ctx:     ctx,
		Session: session,
		Event:   clientMsg.Event,
		Payload: clientMsg.Payload,
		Relay:   r.relay,
		Now:     r.now().UTC(),
	}
	r.execute(pctx, handler, span)
}
