// Package testutil holds fakes shared by package tests.
package testutil

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/google/uuid"
)

// Frame is a decoded outbound message.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	From    *struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
		Role     string `json:"role"`
	} `json:"from"`
}

// Endpoint is an in-memory state.Endpoint that records what it was sent.
type Endpoint struct {
	id uuid.UUID

	mu          sync.Mutex
	frames      []Frame
	full        bool
	closed      bool
	closeReason error
	lastActive  time.Time
	onClose     func(uuid.UUID)
}

var _ state.Endpoint = (*Endpoint)(nil)

func NewEndpoint() *Endpoint {
	return &Endpoint{id: uuid.New(), lastActive: time.Now()}
}

func (e *Endpoint) ID() uuid.UUID { return e.id }

func (e *Endpoint) Send(msg []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.full {
		return false
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		panic(err)
	}
	e.frames = append(e.frames, f)
	return true
}

func (e *Endpoint) Close(reason error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.closeReason = reason
	hook := e.onClose
	e.mu.Unlock()
	if hook != nil {
		hook(e.id)
	}
}

func (e *Endpoint) LastActive() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActive
}

func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// OnClose mimics the transport close handler.
func (e *Endpoint) OnClose(fn func(uuid.UUID)) {
	e.mu.Lock()
	e.onClose = fn
	e.mu.Unlock()
}

func (e *Endpoint) SetLastActive(t time.Time) {
	e.mu.Lock()
	e.lastActive = t
	e.mu.Unlock()
}

func (e *Endpoint) SetFull(full bool) {
	e.mu.Lock()
	e.full = full
	e.mu.Unlock()
}

// MarkDead flips the endpoint to closed without running the close hook, the
// way a killed process never reports its close.
func (e *Endpoint) MarkDead() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *Endpoint) CloseReason() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeReason
}

func (e *Endpoint) Frames() []Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Frame(nil), e.frames...)
}

func (e *Endpoint) Events() []string {
	frames := e.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

// Count returns how many frames carried event.
func (e *Endpoint) Count(event string) int {
	n := 0
	for _, ev := range e.Events() {
		if ev == event {
			n++
		}
	}
	return n
}

func (e *Endpoint) Reset() {
	e.mu.Lock()
	e.frames = nil
	e.mu.Unlock()
}
