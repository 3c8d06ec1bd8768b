// Package executor drives one conversational turn through the handler
// state machine: InputCheck, SlotFill, ToolInvoke, Render, OutputCheck,
// Done. A turn either completes with an assistant reply or suspends
// awaiting the next user message.
package executor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/strayhat/switchboard/core/errclass"
	"github.com/strayhat/switchboard/core/llm"
	"github.com/strayhat/switchboard/core/registry"
	"github.com/strayhat/switchboard/core/safety"
	"github.com/strayhat/switchboard/core/session"
	"github.com/strayhat/switchboard/core/slots"
	"github.com/strayhat/switchboard/core/telemetry"
	"github.com/strayhat/switchboard/core/tools"
)

// Exit reasons reported on a completed turn.
const (
	ExitCompleted         = "completed"
	ExitTimeout           = "timeout"
	ExitMaxTurns          = "max_turns_exceeded"
	ExitMaxAttemptsPrefix = "max_attempts_exceeded:"
)

const (
	defaultMaxCollectionTurns = 5
	defaultHandlerTimeout     = 20 * time.Second
)

// Config tunes turn execution.
type Config struct {
	MaxCollectionTurns int
	HandlerTimeout     time.Duration
	// HandlerTimeouts overrides the deadline for specific handlers,
	// keyed by handler name.
	HandlerTimeouts map[string]time.Duration

	// Model and Provider label LLM metrics.
	Model    string
	Provider string
}

// DefaultConfig returns the stock execution limits.
func DefaultConfig() Config {
	return Config{
		MaxCollectionTurns: defaultMaxCollectionTurns,
		HandlerTimeout:     defaultHandlerTimeout,
	}
}

// ErrorRecord is one classified error recorded on a turn. Message is
// the deterministic user-facing text for the category, never the
// underlying error.
type ErrorRecord struct {
	Type      string    `json:"type"`
	Node      string    `json:"node"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func newErrorRecord(t errclass.Type, node string) ErrorRecord {
	return ErrorRecord{
		Type:      string(t),
		Node:      node,
		Message:   errclass.UserMessage(t),
		Timestamp: time.Now().UTC(),
	}
}

// Outcome is the result of driving a turn once. Done=false means the
// turn suspended and the next user message resumes it.
type Outcome struct {
	Response   string
	Done       bool
	ExitReason string
	Entities   map[string]string
	ToolsUsed  []string
	Errors     []ErrorRecord
	Violations []safety.Violation
}

// Executor runs the turn state machine. The LLM service is optional;
// without one tool planning falls back to schema inference and
// template-less handlers render a deterministic summary.
type Executor struct {
	llm     llm.Service
	tools   *tools.Registry
	safety  *safety.Filter
	extract *slots.Extractor
	metrics *telemetry.PrometheusExporter
	backoff session.BackoffPolicy
	cfg     Config
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics attaches a Prometheus exporter.
func WithMetrics(m *telemetry.PrometheusExporter) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an executor.
func New(llmSvc llm.Service, toolReg *tools.Registry, filter *safety.Filter, cfg Config, opts ...Option) *Executor {
	if cfg.MaxCollectionTurns <= 0 {
		cfg.MaxCollectionTurns = defaultMaxCollectionTurns
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if filter == nil {
		filter = safety.DefaultFilter()
	}
	e := &Executor{
		llm:     llmSvc,
		tools:   toolReg,
		safety:  filter,
		extract: slots.NewExtractor(),
		backoff: session.DefaultBackoffPolicy(),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the turn for one user message under the handler deadline.
// The caller has already appended the user message to the session
// history; Run appends the assistant reply.
func (e *Executor) Run(ctx context.Context, h *registry.Handler, message string, state *session.ConversationState, trace *telemetry.Trace) Outcome {
	timeout := e.cfg.HandlerTimeout
	if t, ok := e.cfg.HandlerTimeouts[h.Def.Name]; ok && t > 0 {
		timeout = t
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if state.CurrentTurn == nil {
		state.CurrentTurn = session.NewTurn(h.Def.ID, h.Def.Name)
	}
	turn := state.CurrentTurn

	// InputCheck
	if input := e.safety.CheckInput(message); input.OutOfScope {
		slog.Debug("out-of-scope input",
			"handler", h.Def.Name,
			"category", input.Category,
		)
		if e.metrics != nil {
			e.metrics.RecordSafetyViolation("input", input.Category)
		}
		response, errs := e.renderOutOfScope(h, turn)
		return e.complete(state, turn, h, message, response, ExitCompleted, nil, errs)
	}

	// SlotFill
	var awaited string
	if turn.CollectionTurns > 0 {
		if m, ok := slots.NextMissing(turn, h.Def.Slots); ok {
			awaited = m.Name
		}
	}
	candidates := e.extract.Extract(message, h.Def.Slots, collectedSet(turn))
	slots.Apply(turn, h.Def.Slots, candidates)
	if awaited != "" && !turn.Slot(awaited).Collected {
		if _, offered := candidates[awaited]; !offered {
			// A reply that never addressed the requested slot burns an
			// attempt the same as an invalid value.
			turn.Slot(awaited).Attempts++
		}
	}

	if missing, ok := slots.NextMissing(turn, h.Def.Slots); ok {
		if turn.CollectionTurns >= e.cfg.MaxCollectionTurns {
			return e.handoff(state, turn, h, message, ExitMaxTurns)
		}
		if bad, terminal := slots.FirstTerminalBad(turn, h.Def.Slots); terminal {
			return e.handoff(state, turn, h, message, ExitMaxAttemptsPrefix+bad)
		}
		utterance := slots.RequestUtterance(missing, turn.Slot(missing.Name).Attempts)
		turn.CollectionTurns++
		state.AppendAssistant(utterance, h.Def.Name)
		return Outcome{Response: utterance, Entities: turn.CollectedSlots()}
	}

	// ToolInvoke
	toolResults, toolsUsed, errs := e.invokeTools(ctx, h, message, turn, trace)
	if ctx.Err() != nil {
		return e.timedOut(state, turn, h, message, toolsUsed, errs)
	}

	// Render
	response, renderErrs := e.renderResponse(ctx, h, state, turn, toolResults)
	errs = append(errs, renderErrs...)
	if ctx.Err() != nil {
		return e.timedOut(state, turn, h, message, toolsUsed, errs)
	}

	return e.complete(state, turn, h, message, response, ExitCompleted, toolsUsed, errs)
}

// handoff ends a failed collection with the handler's handoff template.
func (e *Executor) handoff(state *session.ConversationState, turn *session.Turn, h *registry.Handler, message, reason string) Outcome {
	response := handoffFallback
	if text, ok := h.Def.Template("handoff"); ok {
		response = fillTemplate(text, turn.CollectedSlots(), nil)
	}
	slog.Info("slot collection handed off",
		"handler", h.Def.Name,
		"exit_reason", reason,
	)
	return e.complete(state, turn, h, message, response, reason, nil, nil)
}

func (e *Executor) timedOut(state *session.ConversationState, turn *session.Turn, h *registry.Handler, message string, toolsUsed []string, errs []ErrorRecord) Outcome {
	slog.Warn("turn deadline exceeded", "handler", h.Def.Name)
	errs = append(errs, newErrorRecord(errclass.TypeHandlerTimeout, h.Def.Name))
	return e.complete(state, turn, h, message, timeoutApology, ExitTimeout, toolsUsed, errs)
}

// complete runs OutputCheck and Done: filter the reply, record
// violations, append the assistant message, clear the turn and update
// continuity bookkeeping.
func (e *Executor) complete(state *session.ConversationState, turn *session.Turn, h *registry.Handler, message, response, reason string, toolsUsed []string, errs []ErrorRecord) Outcome {
	// OutputCheck
	filtered, violations := e.safety.FilterOutput(response)
	if len(violations) > 0 {
		turn.Violations = append(turn.Violations, violations...)
		if e.metrics != nil {
			for _, v := range violations {
				e.metrics.RecordSafetyViolation("output", v.Rule)
			}
		}
	}
	if safety.HasSensitiveData(violations) {
		for _, v := range violations {
			if v.Severity == safety.SeverityHigh && v.Segment != "" {
				filtered = strings.ReplaceAll(filtered, v.Segment, "")
			}
		}
		filtered = strings.TrimSpace(multiSpaceRegex.ReplaceAllString(filtered, " "))
		filtered += " " + sensitiveFollowup
	}

	if e.metrics != nil {
		for _, rec := range errs {
			e.metrics.RecordError(rec.Type)
		}
	}

	// Done
	turn.ExitReason = reason
	state.AppendAssistant(filtered, h.Def.Name)
	entities := turn.CollectedSlots()
	state.CurrentTurn = nil
	state.LastHandler = h.Def.ID
	state.SetMemory(session.MemoryCurrentTopic, message)

	return Outcome{
		Response:   filtered,
		Done:       true,
		ExitReason: reason,
		Entities:   entities,
		ToolsUsed:  toolsUsed,
		Errors:     errs,
		Violations: violations,
	}
}

// invokeTools plans and dispatches the handler's tool calls. Failures
// become error-status results; they never abort the turn.
func (e *Executor) invokeTools(ctx context.Context, h *registry.Handler, message string, turn *session.Turn, trace *telemetry.Trace) (map[string]any, []string, []ErrorRecord) {
	if len(h.Def.Tools) == 0 || e.tools == nil {
		return nil, nil, nil
	}

	slotValues := turn.CollectedSlots()
	calls, errs := e.planToolCalls(ctx, h, message, slotValues)
	if len(calls) == 0 {
		return nil, nil, errs
	}

	results := make(map[string]any, len(calls))
	used := make([]string, 0, len(calls))
	for _, call := range calls {
		if _, declared := h.Def.Tool(call.ToolName); !declared {
			slog.Debug("dropping undeclared tool call",
				"handler", h.Def.Name,
				"tool", call.ToolName,
			)
			continue
		}
		var span *telemetry.Event
		if trace != nil {
			span = trace.StartSpan(nil, telemetry.KindToolCall, map[string]any{"tool": call.ToolName})
		}
		started := time.Now()
		result := e.tools.Invoke(ctx, call.ToolName, call.ToolArgs)
		if e.metrics != nil {
			e.metrics.RecordToolCall(call.ToolName, time.Since(started), result.Status == tools.StatusOK)
		}
		if trace != nil {
			trace.SetAttr(span, "status", result.Status)
			trace.EndSpan(span)
		}
		results[call.ToolName] = toolResultMap(result)
		used = append(used, call.ToolName)
	}
	return results, used, errs
}

func toolResultMap(r tools.Result) map[string]any {
	m := map[string]any{"status": r.Status}
	if r.Status == tools.StatusOK {
		m["result"] = r.Result
	} else {
		m["error"] = r.Error
	}
	return m
}

func collectedSet(turn *session.Turn) map[string]bool {
	collected := make(map[string]bool, len(turn.SlotStates))
	for name, slot := range turn.SlotStates {
		if slot.Collected {
			collected[name] = true
		}
	}
	return collected
}
