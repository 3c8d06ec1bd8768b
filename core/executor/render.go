package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/strayhat/switchboard/core/errclass"
	"github.com/strayhat/switchboard/core/llm"
	"github.com/strayhat/switchboard/core/registry"
	"github.com/strayhat/switchboard/core/session"
)

var (
	placeholderRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)
	multiSpaceRegex  = regexp.MustCompile(`[ \t]{2,}`)
)

// fillTemplate substitutes {{name}} placeholders from slot values and
// tool results. Dotted names (tool.field) reach into tool result maps.
// Placeholders without a value are elided.
func fillTemplate(text string, slotValues map[string]string, toolResults map[string]any) string {
	out := placeholderRegex.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderRegex.FindStringSubmatch(m)[1]
		if v, ok := slotValues[name]; ok {
			return v
		}
		if v, ok := lookupToolValue(toolResults, name); ok {
			return v
		}
		return ""
	})
	out = multiSpaceRegex.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

func lookupToolValue(toolResults map[string]any, path string) (string, bool) {
	if len(toolResults) == 0 {
		return "", false
	}
	parts := strings.Split(path, ".")
	node, ok := toolResults[parts[0]]
	if !ok {
		return "", false
	}
	for _, part := range parts[1:] {
		m, isMap := node.(map[string]any)
		if !isMap {
			return "", false
		}
		if node, ok = m[part]; !ok {
			return "", false
		}
	}
	switch v := node.(type) {
	case string:
		return v, true
	case nil:
		return "", false
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(raw), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// recoverJSON extracts the first {...} substring of a malformed LLM
// reply. One-shot; reports false when no braces are present.
func recoverJSON(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// renderOutOfScope skips the turn straight to the out_of_scope
// template, or a generic redirect when the handler declares none.
func (e *Executor) renderOutOfScope(h *registry.Handler, turn *session.Turn) (string, []ErrorRecord) {
	if text, ok := h.Def.Template("out_of_scope"); ok {
		return fillTemplate(text, turn.CollectedSlots(), nil), nil
	}
	return OutOfScopeRedirect, nil
}

// renderResponse produces the assistant text for a completed turn:
// the selected template filled with slots and tool results, or one LLM
// prose pass for handlers without templates.
func (e *Executor) renderResponse(ctx context.Context, h *registry.Handler, state *session.ConversationState, turn *session.Turn, toolResults map[string]any) (string, []ErrorRecord) {
	slotValues := turn.CollectedSlots()

	if name := h.SelectTemplate(slotValues, toolResults, false); name != "" {
		text, _ := h.Def.Template(name)
		return fillTemplate(text, slotValues, toolResults), nil
	}

	if e.llm == nil {
		return renderFallback(slotValues), nil
	}
	return e.renderLLM(ctx, h, state, slotValues, toolResults)
}

// renderHistoryWindow is the number of trailing conversation messages
// included in a prose render so replies stay contextual.
const renderHistoryWindow = 4

func (e *Executor) renderLLM(ctx context.Context, h *registry.Handler, state *session.ConversationState, slotValues map[string]string, toolResults map[string]any) (string, []ErrorRecord) {
	payload, err := json.Marshal(map[string]any{
		"slots": slotValues,
		"tools": toolResults,
	})
	if err != nil {
		return renderFallback(slotValues), []ErrorRecord{newErrorRecord(errclass.TypeParsingError, "render")}
	}

	system := fmt.Sprintf(
		"You are the %s assistant: %s. Write one short, friendly reply to the user based on the conversation and the context JSON. Plain text only.",
		h.Def.Name, h.Def.Description,
	)
	messages := llm.FormatMessages(system, string(payload), historyTail(state, renderHistoryWindow))

	out, err := e.chat(ctx, messages)
	if err != nil {
		t := errclass.Classify(err)
		slog.Warn("render pass failed",
			"handler", h.Def.Name,
			"error_type", string(t),
			"error", err,
		)
		return errclass.UserMessage(t), []ErrorRecord{newErrorRecord(t, "render")}
	}
	return strings.TrimSpace(out), nil
}

// historyTail converts the most recent session messages into chat turns.
func historyTail(state *session.ConversationState, limit int) []llm.Message {
	msgs := state.Messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleAssistant {
			out = append(out, llm.AssistantMessage(m.Content))
			continue
		}
		out = append(out, llm.UserMessage(m.Content))
	}
	return out
}

// renderFallback is the deterministic reply for template-less handlers
// when no LLM is configured.
func renderFallback(slotValues map[string]string) string {
	if len(slotValues) == 0 {
		return "Done. Is there anything else I can help with?"
	}
	keys := make([]string, 0, len(slotValues))
	for k := range slotValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, strings.ReplaceAll(k, "_", " ")+": "+slotValues[k])
	}
	return "Here's what I have so far. " + strings.Join(parts, ", ") + "."
}

type toolCall struct {
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args"`
}

type toolPlan struct {
	Calls []toolCall `json:"calls"`
}

// planToolCalls decides which declared tools to invoke. With an LLM it
// asks for a structured plan; otherwise, or when the plan cannot be
// parsed, it infers calls from tool schemas and collected slots.
func (e *Executor) planToolCalls(ctx context.Context, h *registry.Handler, message string, slotValues map[string]string) ([]toolCall, []ErrorRecord) {
	if e.llm == nil {
		return inferToolCalls(h, slotValues), nil
	}

	out, err := e.chatJSON(ctx, planMessages(h, message, slotValues))
	if err != nil {
		t := errclass.Classify(err)
		slog.Warn("tool planning failed, inferring from schemas",
			"handler", h.Def.Name,
			"error_type", string(t),
			"error", err,
		)
		return inferToolCalls(h, slotValues), []ErrorRecord{newErrorRecord(t, "tool_plan")}
	}

	var plan toolPlan
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		recovered, ok := recoverJSON(out)
		if !ok || json.Unmarshal([]byte(recovered), &plan) != nil {
			slog.Warn("tool plan is not valid JSON", "handler", h.Def.Name)
			return inferToolCalls(h, slotValues), []ErrorRecord{newErrorRecord(errclass.TypeJSONDecodeError, "tool_plan")}
		}
	}
	return plan.Calls, nil
}

func planMessages(h *registry.Handler, message string, slotValues map[string]string) []llm.Message {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range h.Def.Tools {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if t.Parameters != "" {
			fmt.Fprintf(&b, " (parameters: %s)", t.Parameters)
		}
		b.WriteString("\n")
	}
	payload, _ := json.Marshal(slotValues)
	fmt.Fprintf(&b, "\nUser message: %s\nCollected slots: %s\n", message, payload)

	return []llm.Message{
		llm.SystemPrompt(`You plan tool calls for a request handler. Reply with JSON only: {"calls": [{"tool_name": "...", "tool_args": {...}}]}. Use only the listed tools; reply {"calls": []} when none apply.`),
		llm.UserMessage(b.String()),
	}
}

type toolSchema struct {
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                   `json:"required"`
}

// inferToolCalls builds one call per declared tool whose required
// schema parameters are all covered by collected slots.
func inferToolCalls(h *registry.Handler, slotValues map[string]string) []toolCall {
	var calls []toolCall
	for _, spec := range h.Def.Tools {
		args := make(map[string]any)

		if spec.Parameters == "" {
			for k, v := range slotValues {
				args[k] = v
			}
			calls = append(calls, toolCall{ToolName: spec.Name, ToolArgs: args})
			continue
		}

		var schema toolSchema
		if err := json.Unmarshal([]byte(spec.Parameters), &schema); err != nil {
			slog.Debug("tool schema unparseable, skipping inference",
				"tool", spec.Name,
				"error", err,
			)
			continue
		}
		satisfied := true
		for _, req := range schema.Required {
			if _, ok := slotValues[req]; !ok {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		for name := range schema.Properties {
			if v, ok := slotValues[name]; ok {
				args[name] = v
			}
		}
		calls = append(calls, toolCall{ToolName: spec.Name, ToolArgs: args})
	}
	return calls
}

const llmRetryAttempts = 3

func (e *Executor) chat(ctx context.Context, messages []llm.Message) (string, error) {
	return e.withLLMRetry(ctx, func() (string, error) {
		out, stats, err := e.llm.Chat(ctx, messages)
		e.recordLLM(stats)
		return out, err
	})
}

func (e *Executor) chatJSON(ctx context.Context, messages []llm.Message) (string, error) {
	return e.withLLMRetry(ctx, func() (string, error) {
		out, stats, err := e.llm.ChatJSON(ctx, messages)
		e.recordLLM(stats)
		return out, err
	})
}

// withLLMRetry retries rate-limited calls with backoff. Context-limit
// and other failures return immediately.
func (e *Executor) withLLMRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= llmRetryAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errclass.Classify(err) != errclass.TypeLLMRateLimit || attempt == llmRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", lastErr
		case <-time.After(e.backoff.Backoff(attempt)):
		}
	}
	return "", lastErr
}

func (e *Executor) recordLLM(stats *llm.LLMCallStats) {
	if e.metrics == nil || stats == nil {
		return
	}
	e.metrics.RecordLLMCall(
		e.cfg.Model,
		e.cfg.Provider,
		time.Duration(stats.TotalDurationMs)*time.Millisecond,
		stats.PromptTokens,
		stats.CompletionTokens,
	)
}
