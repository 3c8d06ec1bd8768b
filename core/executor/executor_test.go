package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strayhat/switchboard/core/errclass"
	"github.com/strayhat/switchboard/core/llm"
	"github.com/strayhat/switchboard/core/registry"
	"github.com/strayhat/switchboard/core/safety"
	"github.com/strayhat/switchboard/core/session"
	"github.com/strayhat/switchboard/core/tools"
)

// fakeLLM returns fixed replies and counts calls.
type fakeLLM struct {
	chatReply string
	chatErr   error
	jsonReply string
	jsonErr   error

	chatCalls int
	jsonCalls int
}

func (f *fakeLLM) Chat(_ context.Context, _ []llm.Message) (string, *llm.LLMCallStats, error) {
	f.chatCalls++
	return f.chatReply, nil, f.chatErr
}

func (f *fakeLLM) ChatJSON(_ context.Context, _ []llm.Message) (string, *llm.LLMCallStats, error) {
	f.jsonCalls++
	return f.jsonReply, nil, f.jsonErr
}

func (f *fakeLLM) Warmup(context.Context) {}

// registerHandler compiles a definition through a throwaway registry so
// defaults (slot attempts, confidence floor) apply the same as in
// production.
func registerHandler(t *testing.T, def *registry.HandlerDefinition) *registry.Handler {
	t.Helper()
	reg, err := registry.New(nil)
	require.NoError(t, err)
	h, err := reg.Register(context.Background(), def)
	require.NoError(t, err)
	return h
}

func orderStatusDef() *registry.HandlerDefinition {
	return &registry.HandlerDefinition{
		Name:        "order_status",
		Description: "Looks up the status of an existing order.",
		Slots: []registry.SlotDefinition{
			{
				Name:            "order_number",
				Required:        true,
				ValidationRegex: `^(?i)OD\d{7}$`,
				Description:     "your order number",
				Examples:        []string{"OD1234567"},
			},
			{
				Name:            "zip_code",
				Required:        true,
				ValidationRegex: `^\d{5}(?:-\d{4})?$`,
				Description:     "the delivery zip code",
			},
		},
		ResponseTemplates: map[string]string{
			"success": "Order {{order_number}} headed to {{zip_code}} is on track.",
		},
	}
}

func TestRunCompletesWhenSlotsArriveTogether(t *testing.T) {
	h := registerHandler(t, orderStatusDef())
	e := New(nil, nil, nil, DefaultConfig())
	state := session.NewState("s-1")

	msg := "Where is order OD1234567? The zip is 02108."
	state.AppendUser(msg)
	out := e.Run(context.Background(), h, msg, state, nil)

	require.True(t, out.Done)
	assert.Equal(t, ExitCompleted, out.ExitReason)
	assert.Equal(t, "Order OD1234567 headed to 02108 is on track.", out.Response)
	assert.Equal(t, map[string]string{"order_number": "OD1234567", "zip_code": "02108"}, out.Entities)
	assert.Empty(t, out.Errors)
	assert.Empty(t, out.ToolsUsed)

	assert.Nil(t, state.CurrentTurn)
	assert.Equal(t, h.Def.ID, state.LastHandler)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, session.RoleAssistant, state.Messages[1].Role)
	assert.Equal(t, "order_status", state.Messages[1].Agent)

	topic, ok := state.MemoryString(session.MemoryCurrentTopic)
	require.True(t, ok)
	assert.Equal(t, msg, topic)
}

func TestRunSuspendsOnMissingSlotThenResumes(t *testing.T) {
	h := registerHandler(t, orderStatusDef())
	e := New(nil, nil, nil, DefaultConfig())
	state := session.NewState("s-2")

	first := "Where is order OD1234567?"
	state.AppendUser(first)
	out := e.Run(context.Background(), h, first, state, nil)

	require.False(t, out.Done)
	assert.Equal(t, "Could you share the delivery zip code?", out.Response)
	assert.Equal(t, map[string]string{"order_number": "OD1234567"}, out.Entities)
	require.NotNil(t, state.CurrentTurn)
	assert.Equal(t, 1, state.CurrentTurn.CollectionTurns)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, out.Response, state.Messages[1].Content)

	second := "It's 02108."
	state.AppendUser(second)
	out = e.Run(context.Background(), h, second, state, nil)

	require.True(t, out.Done)
	assert.Equal(t, ExitCompleted, out.ExitReason)
	assert.Equal(t, "Order OD1234567 headed to 02108 is on track.", out.Response)
	assert.Nil(t, state.CurrentTurn)
	require.Len(t, state.Messages, 4)
}

func TestRunHandsOffAfterMaxSlotAttempts(t *testing.T) {
	h := registerHandler(t, &registry.HandlerDefinition{
		Name:        "delivery_quote",
		Description: "Estimates delivery time to an address.",
		Slots: []registry.SlotDefinition{
			{
				Name:            "zip_code",
				Required:        true,
				ValidationRegex: `^\d{5}$`,
				Description:     "your zip code",
				MaxAttempts:     3,
				ErrorMessage:    "Zip codes are five digits, like 02108.",
			},
		},
		ResponseTemplates: map[string]string{
			"success": "Delivery to {{zip_code}} usually takes two days.",
			"handoff": "Let me pass this to a teammate who can take it from here.",
		},
	})
	e := New(nil, nil, nil, DefaultConfig())
	state := session.NewState("s-3")
	ctx := context.Background()

	state.AppendUser("How long does delivery take?")
	out := e.Run(ctx, h, "How long does delivery take?", state, nil)
	require.False(t, out.Done)
	assert.Equal(t, "Could you share your zip code?", out.Response)

	// Replies that never address the requested slot burn attempts the
	// same as invalid values. The slot's own error message reprompts.
	for i := 0; i < 2; i++ {
		state.AppendUser("nope")
		out = e.Run(ctx, h, "nope", state, nil)
		require.False(t, out.Done)
		assert.Equal(t, "Zip codes are five digits, like 02108.", out.Response)
	}
	assert.Equal(t, 2, state.CurrentTurn.Slot("zip_code").Attempts)

	state.AppendUser("nope")
	out = e.Run(ctx, h, "nope", state, nil)

	require.True(t, out.Done)
	assert.Equal(t, ExitMaxAttemptsPrefix+"zip_code", out.ExitReason)
	assert.Equal(t, "Let me pass this to a teammate who can take it from here.", out.Response)
	assert.Empty(t, out.Entities)
	assert.Nil(t, state.CurrentTurn)
}

func TestRunHandsOffAfterMaxCollectionTurns(t *testing.T) {
	h := registerHandler(t, &registry.HandlerDefinition{
		Name:        "delivery_quote",
		Description: "Estimates delivery time to an address.",
		Slots: []registry.SlotDefinition{
			{
				Name:            "zip_code",
				Required:        true,
				ValidationRegex: `^\d{5}$`,
				Description:     "your zip code",
				MaxAttempts:     5,
			},
		},
	})
	cfg := DefaultConfig()
	cfg.MaxCollectionTurns = 2
	e := New(nil, nil, nil, cfg)
	state := session.NewState("s-4")
	ctx := context.Background()

	state.AppendUser("How long does delivery take?")
	out := e.Run(ctx, h, "How long does delivery take?", state, nil)
	require.False(t, out.Done)

	state.AppendUser("why do you need that")
	out = e.Run(ctx, h, "why do you need that", state, nil)
	require.False(t, out.Done)
	assert.Equal(t, 2, state.CurrentTurn.CollectionTurns)

	state.AppendUser("just tell me")
	out = e.Run(ctx, h, "just tell me", state, nil)

	require.True(t, out.Done)
	assert.Equal(t, ExitMaxTurns, out.ExitReason)
	assert.Equal(t, handoffFallback, out.Response)
	assert.Nil(t, state.CurrentTurn)
}

func TestRunRedirectsOutOfScopeInput(t *testing.T) {
	withTemplate := orderStatusDef()
	withTemplate.ResponseTemplates["out_of_scope"] = "Let's keep it to orders and deliveries. What can I look up for you?"

	tests := []struct {
		name     string
		def      *registry.HandlerDefinition
		expected string
	}{
		{
			name:     "handler template",
			def:      withTemplate,
			expected: "Let's keep it to orders and deliveries. What can I look up for you?",
		},
		{
			name:     "generic redirect",
			def:      orderStatusDef(),
			expected: OutOfScopeRedirect,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := registerHandler(t, tt.def)
			e := New(nil, nil, nil, DefaultConfig())
			state := session.NewState("s-5")

			msg := "What's the weather like today?"
			state.AppendUser(msg)
			out := e.Run(context.Background(), h, msg, state, nil)

			require.True(t, out.Done)
			assert.Equal(t, ExitCompleted, out.ExitReason)
			assert.Equal(t, tt.expected, out.Response)
			assert.Nil(t, state.CurrentTurn)
		})
	}
}

func TestRunInvokesToolsAndFillsDottedPlaceholders(t *testing.T) {
	h := registerHandler(t, &registry.HandlerDefinition{
		Name:        "order_status",
		Description: "Looks up the status of an existing order.",
		Slots: []registry.SlotDefinition{
			{
				Name:            "order_number",
				Required:        true,
				ValidationRegex: `^(?i)OD\d{7}$`,
				Description:     "your order number",
			},
		},
		Tools: []registry.ToolSpec{
			{
				Name:        "order_lookup",
				Description: "Fetches the current status of an order.",
				Parameters:  `{"type":"object","properties":{"order_number":{"type":"string"}},"required":["order_number"]}`,
			},
		},
		ResponseTemplates: map[string]string{
			"success": "Order {{order_number}} is {{order_lookup.result.status_text}}, arriving {{order_lookup.result.eta}}.",
		},
	})

	toolReg := tools.NewRegistry()
	var gotArgs map[string]any
	require.NoError(t, toolReg.Register("order_lookup", func(_ context.Context, args map[string]any) (any, error) {
		gotArgs = args
		return map[string]any{"status_text": "out for delivery", "eta": "tomorrow"}, nil
	}))

	e := New(nil, toolReg, nil, DefaultConfig())
	state := session.NewState("s-6")

	msg := "Track order OD1234567 please."
	state.AppendUser(msg)
	out := e.Run(context.Background(), h, msg, state, nil)

	require.True(t, out.Done)
	assert.Equal(t, "Order OD1234567 is out for delivery, arriving tomorrow.", out.Response)
	assert.Equal(t, []string{"order_lookup"}, out.ToolsUsed)
	assert.Equal(t, map[string]any{"order_number": "OD1234567"}, gotArgs)
	assert.Empty(t, out.Errors)
}

func TestRunDropsUndeclaredToolCalls(t *testing.T) {
	h := registerHandler(t, &registry.HandlerDefinition{
		Name:        "order_status",
		Description: "Looks up the status of an existing order.",
		Tools: []registry.ToolSpec{
			{Name: "order_lookup", Description: "Fetches the current status of an order."},
		},
		ResponseTemplates: map[string]string{
			"success": "Your order is {{order_lookup.result.status_text}}.",
		},
	})

	toolReg := tools.NewRegistry()
	require.NoError(t, toolReg.Register("order_lookup", func(context.Context, map[string]any) (any, error) {
		return map[string]any{"status_text": "packed"}, nil
	}))
	require.NoError(t, toolReg.Register("wipe_database", func(context.Context, map[string]any) (any, error) {
		t.Error("undeclared tool must not be invoked")
		return nil, nil
	}))

	fake := &fakeLLM{
		jsonReply: `{"calls":[{"tool_name":"wipe_database","tool_args":{}},{"tool_name":"order_lookup","tool_args":{}}]}`,
	}
	e := New(fake, toolReg, nil, DefaultConfig())
	state := session.NewState("s-7")

	msg := "Where is my package?"
	state.AppendUser(msg)
	out := e.Run(context.Background(), h, msg, state, nil)

	require.True(t, out.Done)
	assert.Equal(t, "Your order is packed.", out.Response)
	assert.Equal(t, []string{"order_lookup"}, out.ToolsUsed)
	assert.Equal(t, 1, fake.jsonCalls)
	assert.Zero(t, fake.chatCalls)
}

func TestRunRateLimitedRenderDegradesToCannedText(t *testing.T) {
	h := registerHandler(t, &registry.HandlerDefinition{
		Name:        "smalltalk",
		Description: "Chats about the store.",
	})

	fake := &fakeLLM{chatErr: errors.New("upstream returned 429: too many requests")}
	e := New(fake, nil, nil, DefaultConfig())
	e.backoff = session.BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	state := session.NewState("s-8")

	msg := "Tell me something nice."
	state.AppendUser(msg)
	out := e.Run(context.Background(), h, msg, state, nil)

	require.True(t, out.Done)
	assert.Equal(t, ExitCompleted, out.ExitReason)
	assert.Equal(t, errclass.UserMessage(errclass.TypeLLMRateLimit), out.Response)
	assert.Equal(t, 3, fake.chatCalls)

	require.Len(t, out.Errors, 1)
	assert.Equal(t, string(errclass.TypeLLMRateLimit), out.Errors[0].Type)
	assert.Equal(t, "render", out.Errors[0].Node)
	assert.Equal(t, errclass.UserMessage(errclass.TypeLLMRateLimit), out.Errors[0].Message)
}

func TestRunContextLimitFailsWithoutRetry(t *testing.T) {
	h := registerHandler(t, &registry.HandlerDefinition{
		Name:        "smalltalk",
		Description: "Chats about the store.",
	})

	fake := &fakeLLM{chatErr: errors.New("maximum context length exceeded")}
	e := New(fake, nil, nil, DefaultConfig())
	state := session.NewState("s-9")

	msg := "Summarize everything so far."
	state.AppendUser(msg)
	out := e.Run(context.Background(), h, msg, state, nil)

	require.True(t, out.Done)
	assert.Equal(t, errclass.UserMessage(errclass.TypeLLMContextLimit), out.Response)
	assert.Equal(t, 1, fake.chatCalls)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, string(errclass.TypeLLMContextLimit), out.Errors[0].Type)
}

func TestRunTimesOutSlowTool(t *testing.T) {
	h := registerHandler(t, &registry.HandlerDefinition{
		Name:        "order_status",
		Description: "Looks up the status of an existing order.",
		Slots: []registry.SlotDefinition{
			{Name: "order_number", Required: true, ValidationRegex: `^(?i)OD\d{7}$`},
		},
		Tools: []registry.ToolSpec{
			{Name: "order_lookup", Description: "Fetches the current status of an order."},
		},
		ResponseTemplates: map[string]string{
			"success": "Order {{order_number}} is {{order_lookup.result.status_text}}.",
		},
	})

	toolReg := tools.NewRegistry()
	require.NoError(t, toolReg.Register("order_lookup", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	cfg := DefaultConfig()
	cfg.HandlerTimeouts = map[string]time.Duration{"order_status": 30 * time.Millisecond}
	e := New(nil, toolReg, nil, cfg)
	state := session.NewState("s-10")

	msg := "Where is OD1234567?"
	state.AppendUser(msg)
	out := e.Run(context.Background(), h, msg, state, nil)

	require.True(t, out.Done)
	assert.Equal(t, ExitTimeout, out.ExitReason)
	assert.Equal(t, timeoutApology, out.Response)
	assert.Equal(t, []string{"order_lookup"}, out.ToolsUsed)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, string(errclass.TypeHandlerTimeout), out.Errors[0].Type)
	assert.Equal(t, "order_status", out.Errors[0].Node)
}

func TestRunToolFailureDoesNotAbortTurn(t *testing.T) {
	h := registerHandler(t, &registry.HandlerDefinition{
		Name:        "order_status",
		Description: "Looks up the status of an existing order.",
		Tools: []registry.ToolSpec{
			{Name: "order_lookup", Description: "Fetches the current status of an order."},
		},
		ResponseTemplates: map[string]string{
			"success": "I checked on your order{{order_lookup.result.status_text}}. An agent will follow up shortly.",
		},
	})

	toolReg := tools.NewRegistry()
	require.NoError(t, toolReg.Register("order_lookup", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("upstream unavailable")
	}))

	e := New(nil, toolReg, nil, DefaultConfig())
	state := session.NewState("s-11")

	msg := "Check my order."
	state.AppendUser(msg)
	out := e.Run(context.Background(), h, msg, state, nil)

	require.True(t, out.Done)
	assert.Equal(t, ExitCompleted, out.ExitReason)
	// The error-status result has no result map, so the placeholder elides.
	assert.Equal(t, "I checked on your order. An agent will follow up shortly.", out.Response)
	assert.Equal(t, []string{"order_lookup"}, out.ToolsUsed)
}

func TestRunSuppressesSensitiveOutput(t *testing.T) {
	h := registerHandler(t, &registry.HandlerDefinition{
		Name:        "account_info",
		Description: "Answers questions about the customer's account.",
		ResponseTemplates: map[string]string{
			"success": "The SSN we have on file is 123-45-6789.",
		},
	})
	e := New(nil, nil, nil, DefaultConfig())
	state := session.NewState("s-12")

	msg := "What do you have on file for me?"
	state.AppendUser(msg)
	out := e.Run(context.Background(), h, msg, state, nil)

	require.True(t, out.Done)
	assert.NotContains(t, out.Response, "123-45-6789")
	assert.Contains(t, out.Response, sensitiveFollowup)
	require.Len(t, out.Violations, 1)
	assert.Equal(t, "ssn", out.Violations[0].Rule)
	assert.Equal(t, safety.SeverityHigh, out.Violations[0].Severity)

	// The persisted history carries the suppressed text, not the original.
	assert.NotContains(t, state.Messages[len(state.Messages)-1].Content, "123-45-6789")
}

func TestRunSubstitutesBannedPhrases(t *testing.T) {
	h := registerHandler(t, &registry.HandlerDefinition{
		Name:        "recommendations",
		Description: "Recommends products.",
		ResponseTemplates: map[string]string{
			"success": "As an AI language model, I'd suggest the blue one.",
		},
	})
	e := New(nil, nil, nil, DefaultConfig())
	state := session.NewState("s-13")

	msg := "Which one should I buy?"
	state.AppendUser(msg)
	out := e.Run(context.Background(), h, msg, state, nil)

	require.True(t, out.Done)
	assert.Equal(t, "as your virtual assistant, I'd suggest the blue one.", out.Response)
	assert.NotContains(t, out.Response, sensitiveFollowup)
	require.Len(t, out.Violations, 1)
	assert.Equal(t, "banned_phrase", out.Violations[0].Rule)
}
