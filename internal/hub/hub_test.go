package hub_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/a-essam23/scheme-live/internal/hub"
	"github.com/a-essam23/scheme-live/internal/metrics"
	"github.com/a-essam23/scheme-live/pkg/logging"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/scope"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/a-essam23/scheme-live/pkg/state/statemanager"
	"github.com/a-essam23/scheme-live/pkg/testutil"
	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHub() *hub.Hub {
	logger := logging.Discard()
	return hub.New(logger, statemanager.NewInMemoryRegistry(logger), scope.NewRouter(logger), metrics.New())
}

func connect(h *hub.Hub, userID, role string) *testutil.Endpoint {
	ep := testutil.NewEndpoint()
	ep.OnClose(func(id uuid.UUID) { h.Disconnect(id) })
	h.Connect(&state.Session{
		Endpoint:  ep,
		Principal: state.Principal{UserID: userID, Username: "name-" + userID, Role: role},
		CreatedAt: time.Now(),
	})
	return ep
}

func TestConnectSendsOnlineListAndAnnouncesFirstConnection(t *testing.T) {
	h := newHub()
	alice := connect(h, "alice", "admin")
	assert.Equal(t, []string{protocol.EventOnlineUsers}, alice.Events())

	bob := connect(h, "bob", "editor")
	require.Equal(t, []string{protocol.EventOnlineUsers}, bob.Events())
	var online []state.PresenceRecord
	require.NoError(t, json.Unmarshal(bob.Frames()[0].Payload, &online))
	assert.Len(t, online, 2)

	require.Equal(t, []string{protocol.EventOnlineUsers, protocol.EventUserConnected}, alice.Events())
	var arrived protocol.PresencePayload
	require.NoError(t, json.Unmarshal(alice.Frames()[1].Payload, &arrived))
	assert.Equal(t, protocol.PresencePayload{UserID: "bob", Username: "name-bob", Role: "editor"}, arrived)

	// a second tab is not a new arrival
	connect(h, "bob", "editor")
	assert.Equal(t, 1, alice.Count(protocol.EventUserConnected))
	assert.Equal(t, 2, h.OnlineCount())
	assert.Equal(t, 3, h.ConnectionCount())
}

func TestDepartureAnnouncedOnlyAfterLastTab(t *testing.T) {
	h := newHub()
	watcher := connect(h, "watcher", "admin")
	tab1 := connect(h, "u1", "editor")
	tab2 := connect(h, "u1", "editor")

	tab1.Close(nil)
	assert.Zero(t, watcher.Count(protocol.EventUserDisconnected))
	assert.Equal(t, 1, h.UserConnections("u1"))

	tab2.Close(nil)
	assert.Equal(t, 1, watcher.Count(protocol.EventUserDisconnected))
	assert.Equal(t, 1, h.OnlineCount())

	// a repeated disconnect is a no-op
	assert.False(t, h.Disconnect(tab2.ID()))
	assert.Equal(t, 1, watcher.Count(protocol.EventUserDisconnected))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.Metrics().Departures.WithLabelValues(metrics.CauseClosed)))
}

func TestDisconnectLeavesEditingSessions(t *testing.T) {
	h := newHub()
	editor := connect(h, "u1", "editor")
	peer := connect(h, "u2", "editor")
	res, err := scope.Resource("scheme", "42")
	require.NoError(t, err)
	_, err = h.Router().JoinResource(editor.ID(), res)
	require.NoError(t, err)
	_, err = h.Router().JoinResource(peer.ID(), res)
	require.NoError(t, err)

	editor.Close(nil)

	require.Equal(t, 1, peer.Count(protocol.EventUserLeftEditing))
	var left protocol.EditingPayload
	for _, f := range peer.Frames() {
		if f.Event == protocol.EventUserLeftEditing {
			require.NoError(t, json.Unmarshal(f.Payload, &left))
		}
	}
	assert.Equal(t, protocol.EditingPayload{UserID: "u1", Username: "name-u1", ResourceType: "scheme", ResourceID: "42"}, left)
	assert.Equal(t, 1, h.Router().Members(res))
}

func TestEvictClosesTransportAndAnnouncesOnce(t *testing.T) {
	h := newHub()
	watcher := connect(h, "watcher", "admin")
	victim := connect(h, "u1", "editor")

	reason := errors.New("idle")
	assert.True(t, h.Evict(victim.ID(), reason))
	assert.True(t, victim.Closed())
	assert.Equal(t, reason, victim.CloseReason())
	assert.Equal(t, 1, watcher.Count(protocol.EventUserDisconnected))

	assert.False(t, h.Evict(victim.ID(), reason))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.Metrics().Departures.WithLabelValues(metrics.CauseEvicted)))
	assert.Zero(t, promtest.ToFloat64(h.Metrics().Departures.WithLabelValues(metrics.CauseClosed)))
}

func TestSendHelpersTargetScopes(t *testing.T) {
	h := newHub()
	admin := connect(h, "a1", state.RoleAdmin)
	tab1 := connect(h, "u1", "editor")
	tab2 := connect(h, "u1", "editor")
	other := connect(h, "u2", "editor")
	for _, ep := range []*testutil.Endpoint{admin, tab1, tab2, other} {
		ep.Reset()
	}

	assert.Equal(t, 2, h.SendToUser("u1", protocol.EventNotification, map[string]string{"message": "hi"}))
	assert.Equal(t, 1, h.SendToRole(state.RoleAdmin, protocol.EventAnalyticsUpdated, nil))
	assert.Equal(t, 4, h.Broadcast(protocol.EventSchemeUpdated, nil))

	assert.Equal(t, []string{protocol.EventNotification, protocol.EventSchemeUpdated}, tab2.Events())
	assert.Equal(t, []string{protocol.EventAnalyticsUpdated, protocol.EventSchemeUpdated}, admin.Events())
	assert.Equal(t, []string{protocol.EventSchemeUpdated}, other.Events())
}

func TestIsLiveAndOldestSession(t *testing.T) {
	h := newHub()
	old := connect(h, "u1", "editor")
	time.Sleep(time.Millisecond)
	connect(h, "u1", "editor")

	oldest, ok := h.OldestSession("u1")
	require.True(t, ok)
	assert.Equal(t, old.ID(), oldest.ID())
	_, ok = h.OldestSession("nobody")
	assert.False(t, ok)

	now := time.Now()
	assert.True(t, h.IsLive(old.ID(), now, time.Minute))
	old.SetLastActive(now.Add(-2 * time.Minute))
	assert.False(t, h.IsLive(old.ID(), now, time.Minute))
	assert.False(t, h.IsLive(uuid.New(), now, time.Minute))
}

func TestCloseAllDisconnectsEverything(t *testing.T) {
	h := newHub()
	for i := 0; i < 5; i++ {
		connect(h, uuid.NewString(), "editor")
	}
	h.CloseAll(errors.New("shutdown"))

	assert.Zero(t, h.ConnectionCount())
	assert.Zero(t, h.OnlineCount())
	assert.Zero(t, promtest.ToFloat64(h.Metrics().Connections))
}

// evictingRegistry evicts a user's connection from inside Register, the
// window between the session being recorded and the router attaching it.
type evictingRegistry struct {
	state.Registry
	hub    *hub.Hub
	userID string
}

func (r *evictingRegistry) Register(connID uuid.UUID, p state.Principal) bool {
	if p.UserID == r.userID {
		r.hub.Evict(connID, nil)
	}
	return r.Registry.Register(connID, p)
}

func TestEvictDuringConnectLeavesNothingBehind(t *testing.T) {
	logger := logging.Discard()
	reg := &evictingRegistry{Registry: statemanager.NewInMemoryRegistry(logger), userID: "u1"}
	h := hub.New(logger, reg, scope.NewRouter(logger), metrics.New())
	reg.hub = h

	watcher := connect(h, "watcher", "admin")
	victim := connect(h, "u1", "editor")

	assert.True(t, victim.Closed())
	assert.Equal(t, hub.ErrEvicted, victim.CloseReason())
	assert.Empty(t, victim.Events())
	assert.Zero(t, watcher.Count(protocol.EventUserConnected))

	assert.Equal(t, 1, h.ConnectionCount())
	assert.Equal(t, 1, h.OnlineCount())
	assert.Zero(t, h.UserConnections("u1"))
	assert.Equal(t, 1, h.Router().ConnectionCount())
	assert.Zero(t, h.Router().Members(scope.User("u1")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.Metrics().Connections))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.Metrics().OnlineUsers))
}
