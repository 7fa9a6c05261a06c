// Package bridge relays broadcast requests published on NATS by services
// that do not hold WebSocket connections themselves.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/nats-io/nats.go"
)

var (
	ErrBadSubject    = errors.New("unroutable subject")
	ErrEventRejected = errors.New("event may not be relayed")
)

// Sender is the hub API the bridge drives.
type Sender interface {
	SendToUser(userID, event string, payload any) int
	SendToRole(role, event string, payload any) int
	Broadcast(event string, payload any) int
}

// Request is the message body publishers send.
type Request struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type Bridge struct {
	nc     *nats.Conn
	prefix string
	sender Sender
	logger *slog.Logger
}

// Dial connects with unlimited reconnects, logging connection changes.
func Dial(url string, logger *slog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("scheme-live"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
}

func New(logger *slog.Logger, nc *nats.Conn, prefix string, sender Sender) *Bridge {
	return &Bridge{
		nc:     nc,
		prefix: strings.TrimSuffix(prefix, "."),
		sender: sender,
		logger: logger.With(slog.String("component", "nats_bridge")),
	}
}

// Subjects lists the subscriptions the bridge makes.
func (b *Bridge) Subjects() []string {
	return []string{b.prefix + ".user.*", b.prefix + ".role.*", b.prefix + ".broadcast"}
}

// Run subscribes and blocks until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	subs := make([]*nats.Subscription, 0, 3)
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()
	for _, subject := range b.Subjects() {
		sub, err := b.nc.Subscribe(subject, b.handle)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	b.logger.Info("NATS bridge listening", slog.Any("subjects", b.Subjects()))

	<-ctx.Done()
	return nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	n, err := b.Relay(msg.Subject, msg.Data)
	if err != nil {
		b.logger.Warn("Dropped relay request", slog.String("subject", msg.Subject), slog.Any("error", err))
		return
	}
	b.logger.Debug("Relayed NATS message", slog.String("subject", msg.Subject), slog.Int("delivered", n))
}

// Relay routes one request by subject and returns how many connections accepted it.
func (b *Bridge) Relay(subject string, data []byte) (int, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return 0, fmt.Errorf("decode relay request: %w", err)
	}
	if !protocol.IsServerEvent(req.Event) || req.Event == protocol.EventError {
		return 0, fmt.Errorf("%w: %q", ErrEventRejected, req.Event)
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	rest, ok := strings.CutPrefix(subject, b.prefix+".")
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBadSubject, subject)
	}
	switch {
	case rest == "broadcast":
		return b.sender.Broadcast(req.Event, payload), nil
	case strings.HasPrefix(rest, "user."):
		if id := strings.TrimPrefix(rest, "user."); id != "" {
			return b.sender.SendToUser(id, req.Event, payload), nil
		}
	case strings.HasPrefix(rest, "role."):
		if role := strings.TrimPrefix(rest, "role."); role != "" {
			return b.sender.SendToRole(role, req.Event, payload), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrBadSubject, subject)
}
