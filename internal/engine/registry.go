package engine

import (
	"bytes"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/scheme-live/pkg/pipeline"
	"github.com/a-essam23/scheme-live/pkg/protocol"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Handler is everything the dispatcher needs to process one client event.
type Handler struct {
	Event    string
	Requires state.Permission
	// Schema names a file under schemas/. Empty means no payload validation.
	Schema    string
	Modifiers []pipeline.ModifierFunc
	Action    pipeline.ActionFunc

	gates []pipeline.ModifierFunc
}

// Run executes the gates in order and then the action. The first error stops
// the pipeline.
func (h *Handler) Run(pctx *pipeline.Cargo) error {
	for _, gate := range h.gates {
		if err := gate(pctx); err != nil {
			return err
		}
	}
	return h.Action(pctx)
}

/*
* The central registry for client event handlers.
 */
type Registry struct {
	logger   *slog.Logger
	handlers map[string]*Handler
	mu       sync.RWMutex
}

type RegisterCoreOptions struct {
	// RateLimits maps an event name to a limit such as "10/s".
	RateLimits map[string]string
}

// New creates and initializes a new Registry instance.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]*Handler),
		logger:   logger.With(slog.String("component", "engine")),
	}
}

// RegisterCore installs the handlers for every client event of the protocol.
func (e *Registry) RegisterCore(opts *RegisterCoreOptions) error {
	if opts == nil {
		opts = &RegisterCoreOptions{}
	}
	limits := make(map[string]pipeline.ModifierFunc, len(opts.RateLimits))
	for event, spec := range opts.RateLimits {
		mod, err := newRateLimitModifier(e.logger, spec)
		if err != nil {
			return fmt.Errorf("rate limit for %q: %w", event, err)
		}
		limits[event] = mod
	}

	for _, h := range coreHandlers() {
		if mod, ok := limits[h.Event]; ok {
			h.Modifiers = append(h.Modifiers, mod)
			delete(limits, h.Event)
		}
		if err := e.Register(h); err != nil {
			return err
		}
	}
	for event := range limits {
		return fmt.Errorf("rate limit configured for unknown event %q", event)
	}
	e.logger.Info("Registered core handlers", slog.Int("count", len(e.handlers)))
	return nil
}

func coreHandlers() []Handler {
	return []Handler{
		{Event: protocol.EventContentUpdate, Requires: state.PermContentWrite, Schema: "content_update.schema.json", Action: actionContentUpdate},
		{Event: protocol.EventThemeUpdate, Requires: state.PermThemeWrite, Schema: "theme_update.schema.json", Action: actionThemeUpdate},
		{Event: protocol.EventSchemeUpdate, Requires: state.PermSchemesWrite, Schema: "scheme_update.schema.json", Action: actionSchemeUpdate},
		{Event: protocol.EventUserActivity, Schema: "user_activity.schema.json", Action: actionUserActivity},
		{Event: protocol.EventJoinEditingSession, Schema: "resource.schema.json", Action: actionJoinEditing},
		{Event: protocol.EventLeaveEditingSession, Schema: "resource.schema.json", Action: actionLeaveEditing},
		{Event: protocol.EventTypingStart, Schema: "resource.schema.json", Action: actionTyping(protocol.EventUserTyping)},
		{Event: protocol.EventTypingStop, Schema: "resource.schema.json", Action: actionTyping(protocol.EventUserStoppedTyping)},
		{Event: protocol.EventSendNotification, Requires: state.PermNotificationsSend, Schema: "send_notification.schema.json", Action: actionSendNotification},
		{Event: protocol.EventAnalyticsUpdate, Requires: state.PermAnalyticsWrite, Schema: "analytics_update.schema.json", Action: actionAnalyticsUpdate},
	}
}

// Register adds a handler. An event can only be registered once.
func (e *Registry) Register(h Handler) error {
	if h.Action == nil {
		return fmt.Errorf("handler %q has no action", h.Event)
	}
	gates := []pipeline.ModifierFunc{requirePermission(h.Requires)}
	if h.Schema != "" {
		schema, err := compileSchema(h.Schema)
		if err != nil {
			return fmt.Errorf("compile schema for %q: %w", h.Event, err)
		}
		gates = append(gates, validatePayload(schema))
	}
	h.gates = append(gates, h.Modifiers...)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[h.Event]; exists {
		return fmt.Errorf("handler already registered: %s", h.Event)
	}
	e.handlers[h.Event] = &h
	return nil
}

func (e *Registry) Lookup(event string) (*Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[event]
	return h, ok
}

// Events lists the registered event names, sorted.
func (e *Registry) Events() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.handlers))
	for k := range e.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, err
	}
	url := "mem://schemas/" + name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
