package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/scheme-live/internal/engine"
	"github.com/a-essam23/scheme-live/internal/hub"
	"github.com/a-essam23/scheme-live/internal/metrics"
	"github.com/a-essam23/scheme-live/internal/router"
	"github.com/a-essam23/scheme-live/internal/server/middleware"
	"github.com/a-essam23/scheme-live/pkg/config"
	"github.com/a-essam23/scheme-live/pkg/scope"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/a-essam23/scheme-live/pkg/state/statemanager"
	"github.com/a-essam23/scheme-live/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const shutdownTimeout = 10 * time.Second

var ErrConnectionCycled = errors.New("connection cycled by new connection")

type App struct {
	logger      *slog.Logger
	hub         *hub.Hub
	eventRouter *router.EventRouter
	metrics     *metrics.Metrics
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, verifier middleware.Verifier) (*App, error) {
	m := metrics.New()
	scopes := scope.NewRouter(logger, scope.WithDropHook(func(uuid.UUID) {
		m.MessagesDropped.Inc()
	}))
	h := hub.New(logger, statemanager.NewInMemoryRegistry(logger, statemanager.WithShards(cfg.Presence.Shards)), scopes, m)

	handlers := engine.New(logger)
	if err := handlers.RegisterCore(&engine.RegisterCoreOptions{RateLimits: cfg.Dispatcher.RateLimits}); err != nil {
		return nil, err
	}

	app := &App{
		logger:      logger,
		hub:         h,
		eventRouter: router.NewEventRouter(logger, h, scopes, handlers, m),
		metrics:     m,
		config:      cfg,
		ctx:         rootCtx,
	}

	connCounter := middleware.UserConnectionCounter(h.UserConnections)
	connCycler := func(userID string) {
		oldest, found := h.OldestSession(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID().String()))
			h.Evict(oldest.ID(), ErrConnectionCycled)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.NewRecoverer(logger),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, verifier),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/presence",
		middleware.Chain(http.HandlerFunc(app.presenceHandler),
			middleware.NewRecoverer(logger),
			middleware.RequestMetadataMiddleware(),
			middleware.NewAuthMiddleware(logger, verifier),
			middleware.RequireAdmin(),
		),
	)
	mux.HandleFunc("/healthz", app.healthHandler)
	mux.Handle("/metrics", m.Handler())

	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app, nil
}

// Handler exposes the routes without a listener.
func (a *App) Handler() http.Handler { return a.http.Handler }

func (a *App) Hub() *hub.Hub { return a.hub }

// Run serves until the root context is cancelled, then shuts down.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.logger.Error("HTTP server failed", slog.Any("error", err))
		return err
	case <-a.ctx.Done():
	}
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID()),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     a.config.Server.AllowedOrigins,
		InsecureSkipVerify: len(a.config.Server.AllowedOrigins) == 0,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		connLogger,
	)
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.hub.Disconnect(id)
	})

	// the handshake frames are buffered until the write pump starts
	a.hub.Connect(&state.Session{
		Endpoint:  conn,
		Principal: reqMeta.Principal,
		CreatedAt: time.Now(),
	})

	connLogger.Info("User connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

type healthResponse struct {
	Status      string `json:"status"`
	Online      int    `json:"online"`
	Connections int    `json:"connections"`
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, healthResponse{
		Status:      "ok",
		Online:      a.hub.OnlineCount(),
		Connections: a.hub.ConnectionCount(),
	})
}

func (a *App) presenceHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.hub.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// hijacked websocket connections are not covered by http.Server.Shutdown
	a.logger.Info("Closing all active connections...", slog.Int("count", a.hub.ConnectionCount()))
	a.hub.CloseAll(transport.ErrServerClosing)

	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
