package protocol

import (
	"encoding/json"
	"time"
)

// Client to server events.
const (
	EventContentUpdate       = "content_update"
	EventThemeUpdate         = "theme_update"
	EventSchemeUpdate        = "scheme_update"
	EventUserActivity        = "user_activity"
	EventTypingStart         = "typing_start"
	EventTypingStop          = "typing_stop"
	EventJoinEditingSession  = "join_editing_session"
	EventLeaveEditingSession = "leave_editing_session"
	EventSendNotification    = "send_notification"
	EventAnalyticsUpdate     = "analytics_update"
)

// Server to client events.
const (
	EventOnlineUsers        = "online_users"
	EventUserConnected      = "user_connected"
	EventUserDisconnected   = "user_disconnected"
	EventContentUpdated     = "content_updated"
	EventThemeUpdated       = "theme_updated"
	EventSchemeUpdated      = "scheme_updated"
	EventNotification       = "notification"
	EventUserActivityUpdate = "user_activity_update"
	EventAnalyticsUpdated   = "analytics_updated"
	EventUserTyping         = "user_typing"
	EventUserStoppedTyping  = "user_stopped_typing"
	EventUserJoinedEditing  = "user_joined_editing"
	EventUserLeftEditing    = "user_left_editing"
	EventError              = "error"
)

var serverEvents = map[string]struct{}{
	EventOnlineUsers:        {},
	EventUserConnected:      {},
	EventUserDisconnected:   {},
	EventContentUpdated:     {},
	EventThemeUpdated:       {},
	EventSchemeUpdated:      {},
	EventNotification:       {},
	EventUserActivityUpdate: {},
	EventAnalyticsUpdated:   {},
	EventUserTyping:         {},
	EventUserStoppedTyping:  {},
	EventUserJoinedEditing:  {},
	EventUserLeftEditing:    {},
	EventError:              {},
}

// IsServerEvent reports whether name is an event the server may emit.
func IsServerEvent(name string) bool {
	_, ok := serverEvents[name]
	return ok
}

// ClientMessage is one inbound frame.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Origin identifies the user whose action caused a relay.
type Origin struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

// ServerMessage is one outbound frame.
type ServerMessage struct {
	Event     string    `json:"event"`
	Payload   any       `json:"payload,omitempty"`
	From      *Origin   `json:"from,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func DecodeClient(b []byte) (ClientMessage, error) {
	var m ClientMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

func (m ServerMessage) Encode() ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return json.Marshal(m)
}

// PresencePayload announces a user arriving or leaving.
type PresencePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// EditingPayload is carried by the collaborative editing events.
type EditingPayload struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}
