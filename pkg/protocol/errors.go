package protocol

// Error codes carried by the "error" event.
const (
	CodePermissionDenied = "permission_denied"
	CodeMalformedPayload = "malformed_payload"
	CodeUnknownEvent     = "unknown_event"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// ErrorPayload is the payload of an "error" event. It is only ever sent to the
// connection whose event was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
