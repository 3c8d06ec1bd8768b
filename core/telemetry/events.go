// Package telemetry records the event tree of a request (request →
// route decision → handler call → response) and exports Prometheus
// metrics for it. External sinks subscribe via callbacks.
package telemetry

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the event type within a request tree.
type Kind string

const (
	KindRequest       Kind = "request"
	KindRouteDecision Kind = "route_decision"
	KindHandlerCall   Kind = "handler_call"
	KindToolCall      Kind = "tool_call"
	KindLLMCall       Kind = "llm_call"
	KindPersist       Kind = "persist"
	KindResponse      Kind = "response"
	KindError         Kind = "error"
)

// Event is one node of a request tree. Attributes are free-form and
// must already be safe to hand to sinks.
type Event struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitzero"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Duration is the span length, zero while the event is open.
func (e *Event) Duration() time.Duration {
	if e.EndedAt.IsZero() {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Callback receives a finished event. Returning an error only affects
// logging; emission never fails the request.
type Callback func(eventType string, event *Event) error

// SafeCallback is a callback variant that cannot propagate errors.
type SafeCallback func(eventType string, event *Event)

// NoopCallback ignores every event.
var NoopCallback Callback = func(string, *Event) error { return nil }

// WrapSafe converts a Callback to a SafeCallback, logging and
// swallowing its errors. Returns nil for a nil callback.
func WrapSafe(cb Callback) SafeCallback {
	if cb == nil {
		return nil
	}
	return func(eventType string, event *Event) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("event sink panicked",
					"event_type", eventType,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		if err := cb(eventType, event); err != nil {
			slog.Warn("event sink error (swallowed)",
				"event_type", eventType,
				"error", err)
		}
	}
}

// Emitter fans finished events out to subscribed sinks and hands out
// per-request traces. One emitter per process.
type Emitter struct {
	mu    sync.RWMutex
	sinks []SafeCallback
	now   func() time.Time
}

// NewEmitter creates an emitter with no sinks.
func NewEmitter() *Emitter {
	return &Emitter{now: time.Now}
}

// Subscribe registers a sink for every finished event.
func (e *Emitter) Subscribe(cb Callback) {
	safe := WrapSafe(cb)
	if safe == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, safe)
}

func (e *Emitter) emit(ev *Event) {
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	for _, sink := range sinks {
		sink(string(ev.Kind), ev)
	}
}

// StartTrace opens the root request event for one Process call.
func (e *Emitter) StartTrace(sessionID string) *Trace {
	t := &Trace{emitter: e}
	t.root = t.start("", KindRequest, sessionID, nil)
	return t
}

// Trace is the event tree of a single request. Methods are safe for
// concurrent use, though a request is normally driven by one goroutine.
type Trace struct {
	emitter *Emitter

	mu     sync.Mutex
	root   *Event
	events []*Event
}

// Root returns the request event.
func (t *Trace) Root() *Event {
	return t.root
}

func (t *Trace) start(parentID string, kind Kind, sessionID string, attrs map[string]any) *Event {
	ev := &Event{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Kind:      kind,
		SessionID: sessionID,
		StartedAt: t.emitter.now(),
		Attrs:     attrs,
	}
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
	return ev
}

// StartSpan opens a child event under parent (the root when parent is
// nil).
func (t *Trace) StartSpan(parent *Event, kind Kind, attrs map[string]any) *Event {
	if parent == nil {
		parent = t.root
	}
	return t.start(parent.ID, kind, parent.SessionID, attrs)
}

// SetAttr records an attribute on an open event.
func (t *Trace) SetAttr(ev *Event, key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Attrs == nil {
		ev.Attrs = make(map[string]any)
	}
	ev.Attrs[key] = value
}

// EndSpan closes an event and notifies the sinks. Ending twice is a
// no-op.
func (t *Trace) EndSpan(ev *Event) {
	t.mu.Lock()
	if !ev.EndedAt.IsZero() {
		t.mu.Unlock()
		return
	}
	ev.EndedAt = t.emitter.now()
	t.mu.Unlock()
	t.emitter.emit(ev)
}

// End closes the root request event (and any children left open).
func (t *Trace) End() {
	t.mu.Lock()
	open := make([]*Event, 0, len(t.events))
	for _, ev := range t.events {
		if ev.EndedAt.IsZero() && ev != t.root {
			open = append(open, ev)
		}
	}
	t.mu.Unlock()
	for _, ev := range open {
		t.EndSpan(ev)
	}
	t.EndSpan(t.root)
}

// Events returns the tree in start order.
func (t *Trace) Events() []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Event, len(t.events))
	copy(out, t.events)
	return out
}

// Path lists the event kinds in start order, the root excluded. The
// orchestrator returns it as the execution path of a request.
func (t *Trace) Path() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	path := make([]string, 0, len(t.events))
	for _, ev := range t.events {
		if ev == t.root {
			continue
		}
		path = append(path, string(ev.Kind))
	}
	return path
}
