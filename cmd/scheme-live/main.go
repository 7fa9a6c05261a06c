package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/scheme-live/internal/bridge"
	"github.com/a-essam23/scheme-live/internal/reconciler"
	"github.com/a-essam23/scheme-live/internal/server"
	"github.com/a-essam23/scheme-live/pkg/config"
	"github.com/a-essam23/scheme-live/pkg/identity"
	"github.com/a-essam23/scheme-live/pkg/logging"
	"github.com/a-essam23/scheme-live/pkg/userstore"
	"golang.org/x/sync/errgroup"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo, "text")
	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	store, closeStore, err := openUserStore(ctx, cfg.UserStore)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("User store ready", slog.String("driver", cfg.UserStore.Driver))

	verifier := identity.NewVerifier(logger, cfg.Server.Auth, store, cfg.Perms)

	g, gctx := errgroup.WithContext(ctx)
	app, err := server.NewApp(logger, gctx, cfg, verifier)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	var relay *bridge.Bridge
	if cfg.NATS.URL != "" {
		nc, err := bridge.Dial(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		relay = bridge.New(logger, nc, cfg.NATS.SubjectPrefix, app.Hub())
	}

	g.Go(app.Run)
	g.Go(func() error {
		rec := reconciler.New(logger, app.Hub(), reconciler.Config{
			Interval: cfg.Reconciler.Interval,
			MaxIdle:  cfg.Reconciler.MaxIdle,
		})
		return rec.Run(gctx)
	})
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}

	return g.Wait()
}

func openUserStore(ctx context.Context, cfg config.UserStoreConfig) (userstore.Store, func(), error) {
	switch cfg.Driver {
	case "redis":
		client, err := userstore.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return userstore.NewRedisStore(client), func() { _ = client.Close() }, nil
	case "postgres":
		pool, err := userstore.DialPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return userstore.NewPostgresStore(pool), pool.Close, nil
	default:
		accounts := make([]userstore.Account, 0, len(cfg.Accounts))
		for _, a := range cfg.Accounts {
			accounts = append(accounts, userstore.Account{
				ID:          a.ID,
				Username:    a.Username,
				Role:        a.Role,
				Permissions: a.Permissions,
				Active:      !a.Disabled,
			})
		}
		return userstore.NewMemoryStore(accounts...), func() {}, nil
	}
}
