// Package reconciler repairs presence state after connections die without
// delivering a close.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/a-essam23/scheme-live/internal/hub"
	"github.com/a-essam23/scheme-live/internal/metrics"
	"github.com/google/uuid"
)

var ErrIdle = errors.New("connection idle too long")

const (
	DefaultInterval = 5 * time.Minute
	DefaultMaxIdle  = 30 * time.Minute
)

type Config struct {
	Interval time.Duration
	MaxIdle  time.Duration
}

// Result summarises one cycle.
type Result struct {
	Evicted  int
	Departed []string
}

type Reconciler struct {
	hub    *hub.Hub
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(logger *slog.Logger, h *hub.Hub, cfg Config, opts ...Option) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	r := &Reconciler{
		hub:    h,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "reconciler")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("Reconciler started", slog.Duration("interval", r.cfg.Interval), slog.Duration("maxIdle", r.cfg.MaxIdle))

	for {
		select {
		case <-ticker.C:
			r.Reconcile()
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return nil
		}
	}
}

// Reconcile runs one cycle. Stale sessions are evicted through the normal
// disconnect path; the registry is then swept for ids with no live session.
func (r *Reconciler) Reconcile() Result {
	now := r.now()
	var res Result

	for _, s := range r.hub.Sessions() {
		if !hub.Stale(s, now, r.cfg.MaxIdle) {
			continue
		}
		r.logger.Info("Evicting stale connection",
			slog.String("connID", s.ID().String()),
			slog.String("userID", s.Principal.UserID),
			slog.Time("lastActive", s.Endpoint.LastActive()),
			slog.Bool("closed", s.Endpoint.Closed()),
		)
		res.Evicted++
		if r.hub.Evict(s.ID(), ErrIdle) {
			res.Departed = append(res.Departed, s.Principal.UserID)
		}
	}

	orphans := r.hub.Registry().SweepStale(func(connID uuid.UUID) bool {
		return r.hub.IsLive(connID, now, r.cfg.MaxIdle)
	})
	if len(orphans) > 0 {
		r.logger.Warn("Swept users with no live connection", slog.Any("users", orphans))
		r.hub.AnnounceDepartures(orphans, metrics.CauseSwept)
		res.Departed = append(res.Departed, orphans...)
	}

	r.hub.Metrics().ReconcileRuns.Inc()
	r.logger.Debug("Reconcile cycle finished", slog.Int("evicted", res.Evicted), slog.Int("departed", len(res.Departed)))
	return res
}
