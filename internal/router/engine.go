package router

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/a-essam23/scheme-live/internal/engine"
	"github.com/a-essam23/scheme-live/pkg/pipeline"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (r *EventRouter) execute(pctx *pipeline.Cargo, handler *engine.Handler, span trace.Span) {
	pctx.Logger.Debug("Executing event handler")
	err := run(pctx, handler)
	if err == nil {
		r.metrics.EventsRelayed.WithLabelValues(pctx.Event).Inc()
		return
	}

	rejection, ok := pipeline.AsRejection(err)
	if !ok {
		pctx.Logger.Error("Event handler failed", slog.Any("error", err))
		span.RecordError(err)
		rejection = &pipeline.Rejection{Code: protocol.CodeInternal, Message: "event could not be processed"}
	} else {
		pctx.Logger.Info("Event rejected", slog.String("code", rejection.Code), slog.String("reason", rejection.Message))
	}
	span.SetStatus(codes.Error, rejection.Code)
	r.reject(pctx.ConnID(), pctx.Event, rejection)
}

// run turns a handler panic into an ordinary failure for the sender.
func run(pctx *pipeline.Cargo, handler *engine.Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pctx.Logger.Error("Event handler panicked", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler %s panicked: %v", pctx.Event, rec)
		}
	}()
	return handler.Run(pctx)
}
