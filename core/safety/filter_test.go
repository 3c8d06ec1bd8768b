package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckInput(t *testing.T) {
	f := DefaultFilter()

	tests := []struct {
		name       string
		message    string
		outOfScope bool
		category   string
	}{
		{"empty message", "", false, ""},
		{"in scope order question", "where is my order OD1234567", false, ""},
		{"hr topic", "what is the salary for warehouse staff", true, "hr"},
		{"legal topic", "I will contact my attorney about this", true, "legal"},
		{"executive topic", "can I speak to the CEO", true, "executive"},
		{"investments topic", "what is your stock price today", true, "investments"},
		{"unrelated topic", "what's the weather like", true, "unrelated"},
		{"case insensitive", "PAYROLL question", true, "hr"},
		{"whole word only", "scholarship deadline", false, ""},
		{"fixed category order on multi-match", "salary of the ceo", true, "hr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.CheckInput(tt.message)
			assert.Equal(t, tt.outOfScope, result.OutOfScope)
			assert.Equal(t, tt.category, result.Category)
		})
	}
}

func TestFilterOutputBannedPhrases(t *testing.T) {
	f := DefaultFilter()

	sanitized, violations := f.FilterOutput("As an AI language model, I cannot check your order.")

	assert.NotContains(t, sanitized, "AI language model")
	assert.Contains(t, sanitized, "as your virtual assistant")
	require.Len(t, violations, 1)
	assert.Equal(t, "banned_phrase", violations[0].Rule)
	assert.Equal(t, SeverityHigh, violations[0].Severity)
	assert.False(t, violations[0].Timestamp.IsZero())
}

func TestFilterOutputSensitiveData(t *testing.T) {
	f := DefaultFilter()

	tests := []struct {
		name    string
		text    string
		rule    string
		segment string
	}{
		{"credit card", "Your card 4111 1111 1111 1111 was charged.", "credit_card", "4111 1111 1111 1111"},
		{"credit card dashed", "card 4111-1111-1111-1111 on file", "credit_card", "4111-1111-1111-1111"},
		{"ssn", "Your SSN 123-45-6789 is on record.", "ssn", "123-45-6789"},
		{"cleartext password", "Your password is hunter2 for now.", "cleartext_password", "password is hunter2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sanitized, violations := f.FilterOutput(tt.text)

			// Sensitive data is reported, never auto-redacted.
			assert.Equal(t, tt.text, sanitized)
			require.NotEmpty(t, violations)
			assert.Equal(t, tt.rule, violations[0].Rule)
			assert.Equal(t, SeverityHigh, violations[0].Severity)
			assert.Equal(t, tt.segment, violations[0].Segment)
			assert.True(t, HasSensitiveData(violations))
		})
	}
}

func TestFilterOutputKeywordScans(t *testing.T) {
	f := DefaultFilter()

	t.Run("prohibited topic", func(t *testing.T) {
		_, violations := f.FilterOutput("Have you considered gambling on the outcome?")
		require.Len(t, violations, 1)
		assert.Equal(t, "prohibited_topic", violations[0].Rule)
		assert.Equal(t, SeverityMedium, violations[0].Severity)
		assert.False(t, HasSensitiveData(violations))
	})

	t.Run("disallowed service", func(t *testing.T) {
		_, violations := f.FilterOutput("We can arrange a wire transfer for the refund.")
		require.Len(t, violations, 1)
		assert.Equal(t, "disallowed_service", violations[0].Rule)
		assert.Equal(t, SeverityMedium, violations[0].Severity)
	})

	t.Run("clean text", func(t *testing.T) {
		sanitized, violations := f.FilterOutput("Your order ships tomorrow.")
		assert.Equal(t, "Your order ships tomorrow.", sanitized)
		assert.Empty(t, violations)
	})
}

func TestFilterOutputIdempotent(t *testing.T) {
	f := DefaultFilter()

	inputs := []string{
		"As an AI language model, I cannot do that. As an AI assistant I must decline.",
		"Plain response with no issues.",
		"Your password is swordfish and your SSN 123-45-6789.",
	}

	for _, input := range inputs {
		once, _ := f.FilterOutput(input)
		twice, _ := f.FilterOutput(once)
		assert.Equal(t, once, twice, "second pass must be a fixed point for %q", input)
	}
}

func TestNewFilterCustomTables(t *testing.T) {
	f := NewFilter(Config{
		ScopeTopics: map[string][]string{
			"internal": {"roadmap"},
		},
	})

	result := f.CheckInput("when does the roadmap ship")
	assert.True(t, result.OutOfScope)
	assert.Equal(t, "internal", result.Category)

	// Defaults still cover the output pass.
	_, violations := f.FilterOutput("As an AI language model I refuse.")
	assert.NotEmpty(t, violations)
}
