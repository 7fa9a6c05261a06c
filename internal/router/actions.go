package router

import (
	"log/slog"

	"github.com/a-essam23/scheme-live/pkg/pipeline"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/google/uuid"
)

// reject sends exactly one error event to the originating connection.
func (r *EventRouter) reject(connID uuid.UUID, event string, rejection *pipeline.Rejection) {
	label := event
	if _, known := r.handlers.Lookup(event); !known {
		// unbounded label values would blow up the metric
		label = "unknown"
	}
	r.metrics.EventsRejected.WithLabelValues(label, rejection.Code).Inc()

	err := r.relay.SendToConnection(connID, protocol.ServerMessage{
		Event: protocol.EventError,
		Payload: protocol.ErrorPayload{
			Code:    rejection.Code,
			Message: rejection.Message,
			Event:   event,
		},
		Timestamp: r.now().UTC(),
	})
	if err != nil {
		r.logger.Debug("Could not deliver error reply", slog.String("connID", connID.String()), slog.Any("error", err))
	}
}
