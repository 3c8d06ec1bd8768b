// Package registry maintains the set of registered conversation handlers.
// Definitions are validated and compiled once at registration, then served
// read-only to the router and executor.
package registry

import "regexp"

// PatternKind enumerates the routing pattern kinds a handler may declare.
type PatternKind string

const (
	PatternKeyword  PatternKind = "keyword"
	PatternRegex    PatternKind = "regex"
	PatternSemantic PatternKind = "semantic"
	PatternPrefix   PatternKind = "prefix"
)

// Pattern is a single routing pattern with an optional score boost.
type Pattern struct {
	Kind  PatternKind `json:"kind"`
	Value string      `json:"value"`
	Boost float64     `json:"boost,omitempty"`
}

// SlotDefinition describes one piece of information a handler collects.
type SlotDefinition struct {
	Name            string   `json:"name"`
	Required        bool     `json:"required,omitempty"`
	ValidationRegex string   `json:"validation_regex,omitempty"`
	Description     string   `json:"description,omitempty"`
	Examples        []string `json:"examples,omitempty"`
	Aliases         []string `json:"aliases,omitempty"`
	MaxAttempts     int      `json:"max_attempts,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
}

// ToolSpec declares a tool a handler is allowed to invoke.
// Parameters holds a JSON Schema describing the tool arguments.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  string `json:"parameters,omitempty"`
}

// TemplateRule selects a response template by condition. The first rule
// whose expression evaluates true wins; expressions see the variables
// slots (map), tools (map) and out_of_scope (bool).
type TemplateRule struct {
	When string `json:"when"`
	Use  string `json:"use"`
}

// HandlerDefinition is the registration payload for one handler.
// Immutable after a successful Register; the registry owns the value.
type HandlerDefinition struct {
	ID                string            `json:"id,omitempty"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Patterns          []Pattern         `json:"patterns,omitempty"`
	Slots             []SlotDefinition  `json:"slots,omitempty"`
	Tools             []ToolSpec        `json:"tools,omitempty"`
	ResponseTemplates map[string]string `json:"response_templates,omitempty"`
	TemplateRules     []TemplateRule    `json:"template_rules,omitempty"`
	ExampleUtterances []string          `json:"example_utterances,omitempty"`
	ConfidenceFloor   float64           `json:"confidence_floor,omitempty"`

	// Embedding is computed from the definition text at registration,
	// never supplied by the caller.
	Embedding []float32 `json:"-"`
}

// ScoredValue is a lowercased pattern value with its boost, precompiled
// for the router's prefilter stage.
type ScoredValue struct {
	Value string
	Boost float64
}

// ScoredRegex is a compiled whole-word pattern with its boost.
type ScoredRegex struct {
	Pattern *regexp.Regexp
	Boost   float64
}

// Slot looks up a slot definition by name.
func (d *HandlerDefinition) Slot(name string) (*SlotDefinition, bool) {
	for i := range d.Slots {
		if d.Slots[i].Name == name {
			return &d.Slots[i], true
		}
	}
	return nil, false
}

// Tool looks up a declared tool by name. Handlers can only invoke tools
// from their own declared list.
func (d *HandlerDefinition) Tool(name string) (*ToolSpec, bool) {
	for i := range d.Tools {
		if d.Tools[i].Name == name {
			return &d.Tools[i], true
		}
	}
	return nil, false
}

// Template returns the named response template.
func (d *HandlerDefinition) Template(name string) (string, bool) {
	text, ok := d.ResponseTemplates[name]
	return text, ok
}
