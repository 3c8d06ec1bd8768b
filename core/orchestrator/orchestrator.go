// Package orchestrator is the single entry point of the core: it admits
// a request, recovers the session, routes the message, drives the turn
// executor and persists the outcome. The response stream never raises;
// every failure surfaces as a structured field on the result.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/semaphore"

	"github.com/strayhat/switchboard/core/errclass"
	"github.com/strayhat/switchboard/core/executor"
	"github.com/strayhat/switchboard/core/registry"
	"github.com/strayhat/switchboard/core/routing"
	"github.com/strayhat/switchboard/core/safety"
	"github.com/strayhat/switchboard/core/session"
	"github.com/strayhat/switchboard/core/telemetry"
)

const (
	defaultProcessTimeout = 20 * time.Second
	defaultInflightLimit  = 256
)

// Config tunes request admission.
type Config struct {
	// ProcessTimeout is the per-request deadline applied when the caller
	// supplies none.
	ProcessTimeout time.Duration

	// InflightLimit caps concurrent requests process-wide. Requests over
	// the limit are rejected immediately with an overloaded reply.
	InflightLimit int64
}

// DefaultConfig returns the stock admission limits.
func DefaultConfig() Config {
	return Config{
		ProcessTimeout: defaultProcessTimeout,
		InflightLimit:  defaultInflightLimit,
	}
}

// Request is one inbound message. Context optionally carries upstream
// routing directives: agent_hint and intent_confidence.
type Request struct {
	SessionID string         `json:"session_id"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// ErrorEntry is one classified error surfaced on the result.
type ErrorEntry struct {
	Node      string    `json:"node"`
	ErrorType string    `json:"error_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the structured outcome of one Process call. Success stays
// true for degraded turns; it drops to false only when the request was
// rejected or orchestration itself failed.
type Result struct {
	Success        bool              `json:"success"`
	Response       string            `json:"response"`
	Handler        string            `json:"handler"`
	Confidence     float64           `json:"confidence"`
	SessionID      string            `json:"session_id"`
	ExecutionTimeS float64           `json:"execution_time_s"`
	ExecutionPath  []string          `json:"execution_path"`
	Entities       map[string]string `json:"entities,omitempty"`
	ToolsUsed      []string          `json:"tools_used,omitempty"`
	Errors         []ErrorEntry      `json:"errors,omitempty"`
	ExitReason     string            `json:"exit_reason,omitempty"`
}

// Orchestrator wires the core components behind Process.
type Orchestrator struct {
	registry *registry.Registry
	router   *routing.Router
	executor *executor.Executor
	store    *session.Store
	safety   *safety.Filter
	emitter  *telemetry.Emitter
	metrics  *telemetry.PrometheusExporter
	inflight *semaphore.Weighted
	cfg      Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches a Prometheus exporter.
func WithMetrics(m *telemetry.PrometheusExporter) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEmitter replaces the default event emitter.
func WithEmitter(e *telemetry.Emitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.emitter = e
		}
	}
}

// New creates an orchestrator over the given collaborators. The safety
// filter defaults to the stock rule tables when nil.
func New(reg *registry.Registry, router *routing.Router, exec *executor.Executor, store *session.Store, filter *safety.Filter, cfg Config, opts ...Option) *Orchestrator {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}
	if cfg.InflightLimit <= 0 {
		cfg.InflightLimit = defaultInflightLimit
	}
	if filter == nil {
		filter = safety.DefaultFilter()
	}
	o := &Orchestrator{
		registry: reg,
		router:   router,
		executor: exec,
		store:    store,
		safety:   filter,
		emitter:  telemetry.NewEmitter(),
		inflight: semaphore.NewWeighted(cfg.InflightLimit),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Emitter returns the event emitter, for sink subscription.
func (o *Orchestrator) Emitter() *telemetry.Emitter {
	return o.emitter
}

// Process serves one message end to end. Requests for the same session
// serialize in arrival order; distinct sessions run concurrently up to
// the inflight limit.
func (o *Orchestrator) Process(ctx context.Context, req Request) Result {
	started := time.Now()

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = shortuuid.New()
	}

	if !o.inflight.TryAcquire(1) {
		slog.Warn("request rejected, global inflight limit reached",
			"session_id", sessionID,
		)
		if o.metrics != nil {
			o.metrics.RecordOverload()
			o.metrics.RecordRequest("", string(routing.MethodNone), time.Since(started), false)
		}
		return Result{
			Success:        false,
			Response:       executor.OverloadedReply,
			SessionID:      sessionID,
			ExecutionTimeS: time.Since(started).Seconds(),
			ExitReason:     "overloaded",
		}
	}
	defer o.inflight.Release(1)
	if o.metrics != nil {
		o.metrics.AddActiveRequests(1)
		defer o.metrics.AddActiveRequests(-1)
	}

	unlock := o.store.Lock(sessionID)
	defer unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ProcessTimeout)
		defer cancel()
	}

	trace := o.emitter.StartTrace(sessionID)
	res, method := o.serve(ctx, sessionID, req, trace)

	respSpan := trace.StartSpan(nil, telemetry.KindResponse, map[string]any{"success": res.Success})
	trace.EndSpan(respSpan)
	trace.End()

	res.SessionID = sessionID
	res.ExecutionTimeS = time.Since(started).Seconds()
	res.ExecutionPath = trace.Path()
	if o.metrics != nil {
		o.metrics.RecordRequest(res.Handler, method, time.Since(started), res.Success)
	}

	slog.Info("request processed",
		"session_id", sessionID,
		"handler", res.Handler,
		"method", method,
		"success", res.Success,
		"exit_reason", res.ExitReason,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return res
}

// serve runs the pipeline under panic isolation: a panic anywhere in the
// core degrades to an orchestration_error result instead of tearing down
// the caller.
func (o *Orchestrator) serve(ctx context.Context, sessionID string, req Request, trace *telemetry.Trace) (res Result, method string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestration panicked",
				"session_id", sessionID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if o.metrics != nil {
				o.metrics.RecordError(string(errclass.TypeOrchestrationError))
			}
			res = Result{
				Success:    false,
				Response:   errclass.UserMessage(errclass.TypeOrchestrationError),
				Errors:     []ErrorEntry{newErrorEntry(errclass.TypeOrchestrationError, "orchestrator")},
				ExitReason: "error",
			}
			method = string(routing.MethodNone)
		}
	}()

	state := o.store.Recover(ctx, sessionID)

	message := strings.TrimSpace(req.Message)
	if message == "" {
		// Nothing to route or record; the state is left untouched.
		return Result{
			Success:  true,
			Response: errclass.UserMessage(errclass.TypeInvalidInput),
			Errors:   []ErrorEntry{newErrorEntry(errclass.TypeInvalidInput, "input_check")},
		}, string(routing.MethodNone)
	}

	// A suspended turn resumes with its own handler; routing is skipped.
	if turn := state.CurrentTurn; turn != nil {
		h, ok := o.registry.Get(turn.HandlerID)
		if !ok {
			return o.handlerGone(ctx, trace, state, message, turn.HandlerID), string(routing.MethodNone)
		}
		state.AppendUser(message)
		decision := routing.Decision{
			HandlerID:   h.Def.ID,
			HandlerName: h.Def.Name,
			Confidence:  1.0,
			Reason:      "turn_in_progress",
			Method:      routing.MethodContinuity,
		}
		return o.execute(ctx, trace, state, h, message, decision), string(decision.Method)
	}

	// Input pass: out-of-scope messages are redirected before routing.
	if input := o.safety.CheckInput(message); input.OutOfScope {
		slog.Debug("input out of scope",
			"session_id", sessionID,
			"category", input.Category,
		)
		if o.metrics != nil {
			o.metrics.RecordSafetyViolation("input", input.Category)
		}
		state.AppendUser(message)
		state.AppendAssistant(executor.OutOfScopeRedirect, "")
		o.persist(ctx, trace, state, "")
		return Result{Success: true, Response: executor.OutOfScopeRedirect}, string(routing.MethodNone)
	}

	state.AppendUser(message)

	routeSpan := trace.StartSpan(nil, telemetry.KindRouteDecision, nil)
	decision := o.router.Route(ctx, message, state, hintFrom(req.Context))
	trace.SetAttr(routeSpan, "method", string(decision.Method))
	trace.SetAttr(routeSpan, "reason", decision.Reason)
	trace.SetAttr(routeSpan, "confidence", decision.Confidence)
	trace.EndSpan(routeSpan)
	if o.metrics != nil {
		o.metrics.RecordRouteDecision(string(decision.Method), decision.Confidence)
	}

	if reply, ok := executor.CannedReply(decision.Special); ok {
		state.AppendAssistant(reply, "")
		o.persist(ctx, trace, state, "")
		return Result{
			Success:    true,
			Response:   reply,
			Confidence: decision.Confidence,
		}, string(decision.Method)
	}

	if !decision.Matched() {
		reply := executor.NoMatchReply
		if decision.Reason == "no_handlers" {
			reply = executor.NoHandlersReply
		}
		state.AppendAssistant(reply, "")
		o.persist(ctx, trace, state, "")
		return Result{
			Success:    true,
			Response:   reply,
			Confidence: decision.Confidence,
		}, string(decision.Method)
	}

	h, ok := o.registry.Get(decision.HandlerID)
	if !ok {
		// Deregistered between decision and dispatch.
		return o.handlerGone(ctx, trace, state, "", decision.HandlerID), string(decision.Method)
	}
	return o.execute(ctx, trace, state, h, message, decision), string(decision.Method)
}

// execute drives the turn executor and persists per its outcome: a
// completed turn gets an interaction checkpoint before the state write, a
// suspended one persists state only.
func (o *Orchestrator) execute(ctx context.Context, trace *telemetry.Trace, state *session.ConversationState, h *registry.Handler, message string, decision routing.Decision) Result {
	span := trace.StartSpan(nil, telemetry.KindHandlerCall, map[string]any{"handler": h.Def.Name})
	outcome := o.executor.Run(ctx, h, message, state, trace)
	trace.SetAttr(span, "done", outcome.Done)
	if outcome.ExitReason != "" {
		trace.SetAttr(span, "exit_reason", outcome.ExitReason)
	}
	trace.EndSpan(span)

	checkpoint := ""
	if outcome.Done {
		checkpoint = fmt.Sprintf("interaction_%d", len(state.Messages)/2)
	}
	o.persist(ctx, trace, state, checkpoint)

	return Result{
		Success:    true,
		Response:   outcome.Response,
		Handler:    h.Def.Name,
		Confidence: decision.Confidence,
		Entities:   outcome.Entities,
		ToolsUsed:  outcome.ToolsUsed,
		Errors:     toErrorEntries(outcome.Errors),
		ExitReason: outcome.ExitReason,
	}
}

// handlerGone answers a turn whose handler vanished from the registry.
// Any in-flight collection is abandoned; the session itself survives.
func (o *Orchestrator) handlerGone(ctx context.Context, trace *telemetry.Trace, state *session.ConversationState, message, handlerID string) Result {
	slog.Warn("routed handler no longer registered",
		"session_id", state.SessionID,
		"handler_id", handlerID,
	)
	if o.metrics != nil {
		o.metrics.RecordError(string(errclass.TypeHandlerNotFound))
	}

	state.CurrentTurn = nil
	if message != "" {
		state.AppendUser(message)
	}
	reply := errclass.UserMessage(errclass.TypeHandlerNotFound)
	state.AppendAssistant(reply, "")
	o.persist(ctx, trace, state, "")

	return Result{
		Success:  true,
		Response: reply,
		Errors:   []ErrorEntry{newErrorEntry(errclass.TypeHandlerNotFound, "orchestrator")},
	}
}

// persist writes the state under a telemetry span. A non-empty
// checkpoint name snapshots first, so a failed snapshot queues on the
// pending list and the following persist can drain it.
func (o *Orchestrator) persist(ctx context.Context, trace *telemetry.Trace, state *session.ConversationState, checkpointName string) {
	span := trace.StartSpan(nil, telemetry.KindPersist, nil)
	defer trace.EndSpan(span)

	if checkpointName != "" {
		o.store.Checkpoint(ctx, checkpointName, state)
		if o.metrics != nil {
			_, stored := state.Checkpoints[checkpointName]
			o.metrics.RecordCheckpoint(stored)
		}
	}

	o.store.Persist(ctx, state)
	trace.SetAttr(span, "dirty", state.Flags.Dirty)
	if state.Flags.Dirty && o.metrics != nil {
		o.metrics.RecordDirtyState()
	}
}

// Rollback restores a session to a named checkpoint (the most recent one
// when name is empty) and persists the restored state as the new head.
func (o *Orchestrator) Rollback(ctx context.Context, sessionID, name string) (*session.ConversationState, error) {
	unlock := o.store.Lock(sessionID)
	defer unlock()

	state, err := o.store.RollbackTo(ctx, sessionID, name)
	if err != nil {
		return nil, err
	}
	o.store.Persist(ctx, state)
	return state, nil
}

// SessionState loads the current state of a session without mutating it.
func (o *Orchestrator) SessionState(ctx context.Context, sessionID string) *session.ConversationState {
	unlock := o.store.Lock(sessionID)
	defer unlock()
	return o.store.Recover(ctx, sessionID)
}

// hintFrom extracts the routing directive from the request context bag.
func hintFrom(bag map[string]any) routing.Hint {
	if len(bag) == 0 {
		return routing.Hint{}
	}
	var hint routing.Hint
	if agent, ok := bag["agent_hint"].(string); ok {
		hint.Agent = agent
	}
	switch v := bag["intent_confidence"].(type) {
	case float64:
		hint.Confidence = v
	case int:
		hint.Confidence = float64(v)
	}
	return hint
}

func newErrorEntry(t errclass.Type, node string) ErrorEntry {
	return ErrorEntry{
		Node:      node,
		ErrorType: string(t),
		Timestamp: time.Now().UTC(),
	}
}

func toErrorEntries(records []executor.ErrorRecord) []ErrorEntry {
	if len(records) == 0 {
		return nil
	}
	entries := make([]ErrorEntry, len(records))
	for i, rec := range records {
		entries[i] = ErrorEntry{
			Node:      rec.Node,
			ErrorType: rec.Type,
			Timestamp: rec.Timestamp,
		}
	}
	return entries
}
