// Package tools is the external tool registry. Handlers declare which
// tools they may call; invocation failures become error results, never
// aborts.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// StatusOK and StatusError are the two result statuses of the tool
// contract.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is what a tool invocation yields. Errors are carried in-band so
// the template layer can decide whether to retry or degrade.
type Result struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK wraps a successful tool payload.
func OK(payload any) Result {
	return Result{Status: StatusOK, Result: payload}
}

// Errorf builds an error result.
func Errorf(format string, args ...any) Result {
	return Result{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// Func is a callable tool implementation.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry maps tool names to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Func
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Func)}
}

// Register adds a tool implementation under a unique name.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("tool name required")
	}
	if fn == nil {
		return fmt.Errorf("tool %s: nil implementation", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = fn
	return nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches to a tool and wraps the outcome in a Result. Unknown
// tools, implementation errors and panics all come back as error results.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result Result) {
	r.mu.RLock()
	fn, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return Errorf("tool not found: %s", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			result = Errorf("tool %s panicked: %v", name, rec)
		}
	}()

	start := time.Now()
	payload, err := fn(ctx, args)
	duration := time.Since(start)

	if err != nil {
		slog.Warn("tool failed", "tool", name, "duration_ms", duration.Milliseconds(), "error", err)
		return Result{Status: StatusError, Error: err.Error()}
	}

	slog.Debug("tool invoked", "tool", name, "duration_ms", duration.Milliseconds())
	return OK(payload)
}
