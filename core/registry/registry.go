package registry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/strayhat/switchboard/core/embedding"
)

const defaultConfidenceFloor = 0.5

const defaultSlotMaxAttempts = 3

// Handler is a registered definition with its routing artifacts precompiled.
type Handler struct {
	Def *HandlerDefinition

	// Prefilter indices, built once at registration.
	Keywords []ScoredValue
	Regexes  []ScoredRegex
	Prefixes []ScoredValue

	// EmbeddingText is the joined text the definition embedding was
	// computed from. Kept for re-embedding when the model changes.
	EmbeddingText string

	rules []compiledRule
}

type compiledRule struct {
	use string
	prg cel.Program
}

// SelectTemplate evaluates the handler's template rules and returns the
// name of the template to render. Rules are evaluated in declaration
// order; a rule that fails to evaluate is skipped. With no matching rule
// the handler falls back to "success", then to the alphabetically first
// declared template.
func (h *Handler) SelectTemplate(slots map[string]string, tools map[string]any, outOfScope bool) string {
	if len(h.rules) > 0 {
		slotVars := make(map[string]any, len(slots))
		for k, v := range slots {
			slotVars[k] = v
		}
		if tools == nil {
			tools = map[string]any{}
		}
		activation := map[string]any{
			"slots":        slotVars,
			"tools":        tools,
			"out_of_scope": outOfScope,
		}

		for _, rule := range h.rules {
			out, _, err := rule.prg.Eval(activation)
			if err != nil {
				slog.Debug("template rule evaluation failed",
					"handler", h.Def.Name,
					"template", rule.use,
					"error", err,
				)
				continue
			}
			if matched, ok := out.Value().(bool); ok && matched {
				return rule.use
			}
		}
	}

	if _, ok := h.Def.ResponseTemplates["success"]; ok {
		return "success"
	}

	names := make([]string, 0, len(h.Def.ResponseTemplates))
	for name := range h.Def.ResponseTemplates {
		names = append(names, name)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

// Registry is the in-memory handler set. Reads are concurrent,
// registration changes go through a single writer lock.
type Registry struct {
	mu              sync.RWMutex
	embedder        embedding.Service
	index           VectorIndex
	celEnv          *cel.Env
	slotMaxAttempts int
	byID            map[string]*Handler
	byName          map[string]*Handler // lowercase name
}

// Option configures a Registry.
type Option func(*Registry)

// WithVectorIndex replaces the default in-memory vector index, typically
// with a database-backed one that survives restarts.
func WithVectorIndex(index VectorIndex) Option {
	return func(r *Registry) {
		if index != nil {
			r.index = index
		}
	}
}

// WithSlotMaxAttempts overrides the attempt cap applied to slot
// definitions that declare none.
func WithSlotMaxAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.slotMaxAttempts = n
		}
	}
}

// New creates an empty registry. The embedder is optional; without one,
// handlers register with no embedding and semantic routing is skipped.
func New(embedder embedding.Service, opts ...Option) (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("slots", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tools", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("out_of_scope", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("create template rule environment: %w", err)
	}

	r := &Registry{
		embedder:        embedder,
		index:           NewMemoryVectorIndex(),
		celEnv:          env,
		slotMaxAttempts: defaultSlotMaxAttempts,
		byID:            make(map[string]*Handler),
		byName:          make(map[string]*Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register validates, compiles and stores a handler definition.
// The definition is owned by the registry afterwards.
func (r *Registry) Register(ctx context.Context, def *HandlerDefinition) (*Handler, error) {
	if def == nil {
		return nil, fmt.Errorf("nil handler definition")
	}

	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, fmt.Errorf("handler name required")
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.ConfidenceFloor <= 0 {
		def.ConfidenceFloor = defaultConfidenceFloor
	}

	nameKey := strings.ToLower(def.Name)
	r.mu.RLock()
	_, taken := r.byName[nameKey]
	r.mu.RUnlock()
	if taken {
		return nil, fmt.Errorf("handler name already registered: %s", def.Name)
	}

	handler, err := r.compile(ctx, def)
	if err != nil {
		return nil, err
	}

	if len(def.Embedding) > 0 {
		hash := HashEmbeddingText(handler.EmbeddingText)
		if err := r.index.Upsert(ctx, def.ID, def.Name, hash, def.Embedding); err != nil {
			return nil, fmt.Errorf("index handler %q: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[nameKey]; taken {
		_ = r.index.Remove(ctx, def.ID)
		return nil, fmt.Errorf("handler name already registered: %s", def.Name)
	}
	r.byID[def.ID] = handler
	r.byName[nameKey] = handler

	slog.Info("handler registered",
		"id", def.ID,
		"name", def.Name,
		"patterns", len(def.Patterns),
		"slots", len(def.Slots),
		"embedded", len(def.Embedding) > 0,
	)
	return handler, nil
}

func (r *Registry) compile(ctx context.Context, def *HandlerDefinition) (*Handler, error) {
	handler := &Handler{Def: def}

	for i := range def.Slots {
		slot := &def.Slots[i]
		if slot.MaxAttempts <= 0 {
			slot.MaxAttempts = r.slotMaxAttempts
		}
		if slot.ValidationRegex != "" {
			if _, err := regexp.Compile(slot.ValidationRegex); err != nil {
				return nil, fmt.Errorf("compile validation regex for slot %q: %w", slot.Name, err)
			}
		}
	}

	var semanticValues []string
	for _, p := range def.Patterns {
		switch p.Kind {
		case PatternKeyword:
			handler.Keywords = append(handler.Keywords, ScoredValue{
				Value: strings.ToLower(p.Value),
				Boost: p.Boost,
			})
		case PatternRegex:
			re, err := regexp.Compile(`(?i)\b(?:` + p.Value + `)\b`)
			if err != nil {
				return nil, fmt.Errorf("compile pattern %q: %w", p.Value, err)
			}
			handler.Regexes = append(handler.Regexes, ScoredRegex{Pattern: re, Boost: p.Boost})
		case PatternPrefix:
			handler.Prefixes = append(handler.Prefixes, ScoredValue{
				Value: strings.ToLower(p.Value),
				Boost: p.Boost,
			})
		case PatternSemantic:
			semanticValues = append(semanticValues, p.Value)
		default:
			return nil, fmt.Errorf("unknown pattern kind %q", p.Kind)
		}
	}

	for i, rule := range def.TemplateRules {
		if _, ok := def.ResponseTemplates[rule.Use]; !ok {
			return nil, fmt.Errorf("template rule %d references unknown template %q", i, rule.Use)
		}
		ast, issues := r.celEnv.Compile(rule.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile template rule %d: %w", i, issues.Err())
		}
		prg, err := r.celEnv.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("compile template rule %d: %w", i, err)
		}
		handler.rules = append(handler.rules, compiledRule{use: rule.Use, prg: prg})
	}

	handler.EmbeddingText = buildEmbeddingText(def, semanticValues)

	if r.embedder != nil {
		vector, err := r.embedHandler(ctx, def.Name, handler.EmbeddingText)
		if err != nil {
			return nil, fmt.Errorf("embed handler %q: %w", def.Name, err)
		}
		def.Embedding = vector
	}

	return handler, nil
}

// embedHandler obtains the definition embedding, reusing a vector the
// index already holds for an unchanged definition before paying for a
// provider call.
func (r *Registry) embedHandler(ctx context.Context, name, text string) ([]float32, error) {
	if recaller, ok := r.index.(VectorRecaller); ok {
		vector, err := recaller.Recall(ctx, name, HashEmbeddingText(text))
		if err != nil {
			slog.Warn("embedding recall failed", "handler", name, "error", err)
		} else if len(vector) > 0 {
			return vector, nil
		}
	}
	return r.embedder.Embed(ctx, text)
}

// buildEmbeddingText joins the parts of a definition that describe what
// the handler is about: name, description, examples, semantic pattern
// values and slot descriptions.
func buildEmbeddingText(def *HandlerDefinition, semanticValues []string) string {
	parts := []string{def.Name, def.Description}
	parts = append(parts, def.ExampleUtterances...)
	parts = append(parts, semanticValues...)
	for _, slot := range def.Slots {
		if slot.Description != "" {
			parts = append(parts, slot.Description)
		}
	}
	return strings.Join(parts, "\n")
}

// Remove deletes a handler by id. Returns false when the id is unknown.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	handler, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byName, strings.ToLower(handler.Def.Name))
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := r.index.Remove(ctx, id); err != nil {
		slog.Warn("vector index removal failed", "id", id, "error", err)
	}
	slog.Info("handler removed", "id", id, "name", handler.Def.Name)
	return true
}

// SearchSemantic runs a similarity search over the handler index and
// resolves the hits back to registered handlers. Handlers that were
// removed after indexing are dropped from the result.
func (r *Registry) SearchSemantic(ctx context.Context, vector []float32, limit int) ([]SemanticHit, error) {
	matches, err := r.index.Search(ctx, vector, limit)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	hits := make([]SemanticHit, 0, len(matches))
	for _, m := range matches {
		if handler, ok := r.byID[m.HandlerID]; ok {
			hits = append(hits, SemanticHit{Handler: handler, Score: m.Score})
		}
	}
	return hits, nil
}

// SemanticHit pairs a handler with its similarity score.
type SemanticHit struct {
	Handler *Handler
	Score   float64
}

// Get returns the handler with the given id.
func (r *Registry) Get(id string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.byID[id]
	return handler, ok
}

// GetByName returns the handler with the given name, case-insensitive.
func (r *Registry) GetByName(name string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.byName[strings.ToLower(name)]
	return handler, ok
}

// All returns a stable snapshot of every registered handler, sorted by name.
func (r *Registry) All() []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make([]*Handler, 0, len(r.byID))
	for _, h := range r.byID {
		handlers = append(handlers, h)
	}
	sort.Slice(handlers, func(i, j int) bool {
		return handlers[i].Def.Name < handlers[j].Def.Name
	})
	return handlers
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
