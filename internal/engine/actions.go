package engine

import (
	"encoding/json"
	"log/slog"

	"github.com/a-essam23/scheme-live/pkg/pipeline"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/scope"
	"github.com/a-essam23/scheme-live/pkg/state"
)

// relayed payloads are forwarded as the client sent them.
func forward(pctx *pipeline.Cargo) json.RawMessage {
	return json.RawMessage(pctx.Payload)
}

// The sender's own tab already shows the edit; its other tabs still need it.
func actionContentUpdate(pctx *pipeline.Cargo) error {
	n := pctx.Relay.SendAll(pctx.Message(protocol.EventContentUpdated, forward(pctx)), pctx.ConnID())
	pctx.Logger.Debug("Relayed content update", slog.String("section", field(pctx, "section").String()), slog.Int("delivered", n))
	return nil
}

func actionThemeUpdate(pctx *pipeline.Cargo) error {
	n := pctx.Relay.SendAll(pctx.Message(protocol.EventThemeUpdated, forward(pctx)))
	pctx.Logger.Debug("Relayed theme update", slog.Int("delivered", n))
	return nil
}

func actionSchemeUpdate(pctx *pipeline.Cargo) error {
	n := pctx.Relay.SendAll(pctx.Message(protocol.EventSchemeUpdated, forward(pctx)))
	pctx.Logger.Debug("Relayed scheme update", slog.String("action", field(pctx, "action").String()), slog.Int("delivered", n))
	return nil
}

func actionUserActivity(pctx *pipeline.Cargo) error {
	pctx.Relay.SendTo(scope.Role(state.RoleAdmin), pctx.Message(protocol.EventUserActivityUpdate, forward(pctx)))
	return nil
}

func actionAnalyticsUpdate(pctx *pipeline.Cargo) error {
	pctx.Relay.SendTo(scope.Role(state.RoleAdmin), pctx.Message(protocol.EventAnalyticsUpdated, forward(pctx)))
	return nil
}

func actionJoinEditing(pctx *pipeline.Cargo) error {
	res, payload, err := resourceParam(pctx)
	if err != nil {
		return err
	}
	joined, err := pctx.Relay.JoinResource(pctx.ConnID(), res)
	if err != nil {
		return err
	}
	if !joined {
		return nil
	}
	pctx.Relay.SendTo(res, pctx.Message(protocol.EventUserJoinedEditing, payload), pctx.ConnID())
	pctx.Logger.Info("User joined editing session", slog.String("scope", res.String()))
	return nil
}

func actionLeaveEditing(pctx *pipeline.Cargo) error {
	res, payload, err := resourceParam(pctx)
	if err != nil {
		return err
	}
	if !pctx.Relay.LeaveResource(pctx.ConnID(), res) {
		return nil
	}
	pctx.Relay.SendTo(res, pctx.Message(protocol.EventUserLeftEditing, payload), pctx.ConnID())
	pctx.Logger.Info("User left editing session", slog.String("scope", res.String()))
	return nil
}

func actionTyping(serverEvent string) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo) error {
		res, payload, err := resourceParam(pctx)
		if err != nil {
			return err
		}
		pctx.Relay.SendTo(res, pctx.Message(serverEvent, payload), pctx.ConnID())
		return nil
	}
}

func actionSendNotification(pctx *pipeline.Cargo) error {
	target, err := resolveNotificationTarget(pctx)
	if err != nil {
		return err
	}
	msg := pctx.Message(protocol.EventNotification, forward(pctx))
	var n int
	if target.broadcast {
		n = pctx.Relay.SendAll(msg)
	} else {
		n = pctx.Relay.SendTo(target.scope, msg)
	}
	pctx.Logger.Info("Notification sent", slog.String("target", target.String()), slog.Int("delivered", n))
	return nil
}
