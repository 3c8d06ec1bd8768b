package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	calls []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls = append(f.calls, text)
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, _ := f.Embed(context.Background(), text)
		vectors[i] = v
	}
	return vectors, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

func orderStatusDefinition() *HandlerDefinition {
	return &HandlerDefinition{
		Name:        "order_status",
		Description: "Look up the status of an existing order",
		Patterns: []Pattern{
			{Kind: PatternKeyword, Value: "order", Boost: 0.1},
			{Kind: PatternRegex, Value: `track(ing)?`, Boost: 0.2},
			{Kind: PatternPrefix, Value: "where is my"},
			{Kind: PatternSemantic, Value: "customer asking about a package"},
		},
		Slots: []SlotDefinition{
			{
				Name:            "order_number",
				Required:        true,
				ValidationRegex: `^[A-Z]{2}\d{6}$`,
				Description:     "the order number",
				Examples:        []string{"AB123456"},
			},
		},
		ResponseTemplates: map[string]string{
			"success":      "Order {{order_number}} is {{status}}.",
			"out_of_scope": "I can only help with orders.",
		},
		ExampleUtterances: []string{"where is my order"},
	}
}

func TestRegisterAppliesDefaults(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	def := orderStatusDefinition()
	handler, err := reg.Register(context.Background(), def)
	require.NoError(t, err)

	assert.NotEmpty(t, def.ID)
	assert.InDelta(t, 0.5, def.ConfidenceFloor, 0.001)
	assert.Equal(t, 3, def.Slots[0].MaxAttempts)

	assert.Len(t, handler.Keywords, 1)
	assert.Len(t, handler.Regexes, 1)
	assert.Len(t, handler.Prefixes, 1)
	assert.Equal(t, "order", handler.Keywords[0].Value)
	assert.True(t, handler.Regexes[0].Pattern.MatchString("please TRACK it"))
	assert.False(t, handler.Regexes[0].Pattern.MatchString("backtracking"))
}

func TestRegisterHonorsSlotMaxAttemptsOption(t *testing.T) {
	reg, err := New(nil, WithSlotMaxAttempts(5))
	require.NoError(t, err)

	def := orderStatusDefinition()
	_, err = reg.Register(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, 5, def.Slots[0].MaxAttempts)
}

func TestRegisterComputesEmbedding(t *testing.T) {
	embedder := &fakeEmbedder{}
	reg, err := New(embedder)
	require.NoError(t, err)

	def := orderStatusDefinition()
	handler, err := reg.Register(context.Background(), def)
	require.NoError(t, err)

	require.Len(t, embedder.calls, 1)
	assert.Contains(t, embedder.calls[0], "order_status")
	assert.Contains(t, embedder.calls[0], "customer asking about a package")
	assert.Contains(t, embedder.calls[0], "the order number")
	assert.Equal(t, []float32{1, 0, 0}, def.Embedding)
	assert.NotEmpty(t, handler.EmbeddingText)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), orderStatusDefinition())
	require.NoError(t, err)

	dup := orderStatusDefinition()
	dup.Name = "Order_Status" // names are case-insensitive
	_, err = reg.Register(context.Background(), dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterRejectsBadPatternRegex(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	def := orderStatusDefinition()
	def.Patterns = []Pattern{{Kind: PatternRegex, Value: `track(`}}
	_, err = reg.Register(context.Background(), def)
	require.Error(t, err)
}

func TestRegisterRejectsBadSlotValidation(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	def := orderStatusDefinition()
	def.Slots[0].ValidationRegex = `[`
	_, err = reg.Register(context.Background(), def)
	require.Error(t, err)
}

func TestRegisterRejectsBadTemplateRule(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	def := orderStatusDefinition()
	def.TemplateRules = []TemplateRule{{When: `slots["x" ==`, Use: "success"}}
	_, err = reg.Register(context.Background(), def)
	require.Error(t, err)

	def = orderStatusDefinition()
	def.TemplateRules = []TemplateRule{{When: `true`, Use: "missing_template"}}
	_, err = reg.Register(context.Background(), def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown template")
}

func TestLookupAndRemove(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	def := orderStatusDefinition()
	_, err = reg.Register(context.Background(), def)
	require.NoError(t, err)

	byID, ok := reg.Get(def.ID)
	require.True(t, ok)
	assert.Equal(t, "order_status", byID.Def.Name)

	byName, ok := reg.GetByName("ORDER_STATUS")
	require.True(t, ok)
	assert.Same(t, byID, byName)

	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.Remove(context.Background(), def.ID))
	assert.False(t, reg.Remove(context.Background(), def.ID))
	assert.Equal(t, 0, reg.Len())

	_, ok = reg.GetByName("order_status")
	assert.False(t, ok)
}

func TestAllIsSortedByName(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	for _, name := range []string{"zeta", "alpha", "mike"} {
		def := &HandlerDefinition{Name: name, Description: "d"}
		_, err := reg.Register(context.Background(), def)
		require.NoError(t, err)
	}

	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Def.Name)
	assert.Equal(t, "mike", all[1].Def.Name)
	assert.Equal(t, "zeta", all[2].Def.Name)
}

func TestSelectTemplate(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	def := orderStatusDefinition()
	def.ResponseTemplates["delayed"] = "Order {{order_number}} is delayed."
	def.TemplateRules = []TemplateRule{
		{When: `"status" in tools && tools["status"] == "delayed"`, Use: "delayed"},
		{When: `out_of_scope`, Use: "out_of_scope"},
	}
	handler, err := reg.Register(context.Background(), def)
	require.NoError(t, err)

	tests := []struct {
		name       string
		slots      map[string]string
		tools      map[string]any
		outOfScope bool
		expected   string
	}{
		{
			name:     "first matching rule wins",
			tools:    map[string]any{"status": "delayed"},
			expected: "delayed",
		},
		{
			name:       "later rule when first misses",
			tools:      map[string]any{"status": "shipped"},
			outOfScope: true,
			expected:   "out_of_scope",
		},
		{
			name:     "no rule matches falls back to success",
			slots:    map[string]string{"order_number": "AB123456"},
			expected: "success",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := handler.SelectTemplate(tt.slots, tt.tools, tt.outOfScope)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSelectTemplateFallbackWithoutSuccess(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	def := &HandlerDefinition{
		Name:        "faq",
		Description: "answers common questions",
		ResponseTemplates: map[string]string{
			"short": "s",
			"long":  "l",
		},
	}
	handler, err := reg.Register(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, "long", handler.SelectTemplate(nil, nil, false))
}

func TestParseDefinition(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "valid definition",
			raw: `{
				"name": "billing",
				"description": "billing questions",
				"patterns": [{"kind": "keyword", "value": "invoice", "boost": 0.2}],
				"slots": [{"name": "invoice_id", "required": true}],
				"response_templates": {"success": "ok"},
				"confidence_floor": 0.6
			}`,
		},
		{
			name:    "unknown top-level field",
			raw:     `{"name": "x", "description": "y", "color": "red"}`,
			wantErr: true,
		},
		{
			name:    "bad pattern kind",
			raw:     `{"name": "x", "description": "y", "patterns": [{"kind": "sound", "value": "v"}]}`,
			wantErr: true,
		},
		{
			name:    "missing description",
			raw:     `{"name": "x"}`,
			wantErr: true,
		},
		{
			name:    "slot name not snake_case",
			raw:     `{"name": "x", "description": "y", "slots": [{"name": "InvoiceID"}]}`,
			wantErr: true,
		},
		{
			name:    "boost out of range",
			raw:     `{"name": "x", "description": "y", "patterns": [{"kind": "keyword", "value": "v", "boost": 1.5}]}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `{"name": `,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParseDefinition([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, def)
			assert.Equal(t, "billing", def.Name)
			assert.InDelta(t, 0.6, def.ConfidenceFloor, 0.001)
		})
	}
}
