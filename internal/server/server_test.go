package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/scheme-live/internal/server"
	"github.com/a-essam23/scheme-live/pkg/config"
	"github.com/a-essam23/scheme-live/pkg/identity"
	"github.com/a-essam23/scheme-live/pkg/logging"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/a-essam23/scheme-live/pkg/userstore"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "e2e-secret"

type frame struct {
	Event   string           `json:"event"`
	Payload json.RawMessage  `json:"payload"`
	From    *protocol.Origin `json:"from"`
}

func newTestApp(t *testing.T) (*server.App, *httptest.Server) {
	t.Helper()
	logger := logging.Discard()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Auth:            config.AuthConfig{JWTSecret: secret},
			ConnectionLimit: config.ConnectionLimitConfig{Mode: "reject"},
		},
		Transport: config.TransportConfig{WriteTimeout: 5 * time.Second},
		Perms:     config.NewPermissionRegistry(),
	}
	store := userstore.NewMemoryStore(
		userstore.Account{ID: "a1", Username: "ada", Role: state.RoleAdmin, Active: true},
		userstore.Account{ID: "e1", Username: "eve", Role: "editor", Permissions: []string{"content.write"}, Active: true},
	)
	verifier := identity.NewVerifier(logger, cfg.Server.Auth, store, cfg.Perms)

	app, err := server.NewApp(logger, context.Background(), cfg, verifier)
	require.NoError(t, err)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	return app, srv
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func wsURL(srv *httptest.Server, tok string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + tok
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv, token(t, userID)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func read(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func write(t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, raw))
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestUpgradeRequiresToken(t *testing.T) {
	_, srv := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv, "garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPresenceLifecycleOverWebSocket(t *testing.T) {
	app, srv := newTestApp(t)

	admin := dial(t, srv, "a1")
	assert.Equal(t, protocol.EventOnlineUsers, read(t, admin).Event)

	editor := dial(t, srv, "e1")
	online := read(t, editor)
	require.Equal(t, protocol.EventOnlineUsers, online.Event)
	var records []state.PresenceRecord
	require.NoError(t, json.Unmarshal(online.Payload, &records))
	assert.Len(t, records, 2)

	arrived := read(t, admin)
	require.Equal(t, protocol.EventUserConnected, arrived.Event)
	var who protocol.PresencePayload
	require.NoError(t, json.Unmarshal(arrived.Payload, &who))
	assert.Equal(t, "e1", who.UserID)

	var health map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 2, health["online"])

	// editors cannot touch the theme; the rejection goes to them alone
	write(t, editor, protocol.EventThemeUpdate, map[string]any{"theme": map[string]string{"primary": "#000"}})
	denied := read(t, editor)
	require.Equal(t, protocol.EventError, denied.Event)
	var ep protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(denied.Payload, &ep))
	assert.Equal(t, protocol.CodePermissionDenied, ep.Code)

	write(t, admin, protocol.EventThemeUpdate, map[string]any{"theme": map[string]string{"primary": "#fff"}})
	for _, c := range []*websocket.Conn{admin, editor} {
		got := read(t, c)
		assert.Equal(t, protocol.EventThemeUpdated, got.Event)
		require.NotNil(t, got.From)
		assert.Equal(t, "a1", got.From.UserID)
	}

	assert.Equal(t, http.StatusForbidden, getJSON(t, srv.URL+"/presence?token="+token(t, "e1"), nil))
	records = nil
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/presence?token="+token(t, "a1"), &records))
	assert.Len(t, records, 2)

	require.NoError(t, editor.Close(websocket.StatusNormalClosure, ""))
	left := read(t, admin)
	assert.Equal(t, protocol.EventUserDisconnected, left.Event)
	assert.Equal(t, 1, app.Hub().OnlineCount())
}

func TestShutdownClosesConnectionsWithGoingAway(t *testing.T) {
	app, srv := newTestApp(t)
	admin := dial(t, srv, "a1")
	read(t, admin)

	done := make(chan error, 1)
	go func() { done <- app.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := admin.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	require.NoError(t, <-done)
	assert.Zero(t, app.Hub().ConnectionCount())
}
