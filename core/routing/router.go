package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/strayhat/switchboard/core/embedding"
	"github.com/strayhat/switchboard/core/registry"
	"github.com/strayhat/switchboard/core/session"
)

// Method identifies the pipeline stage that produced a decision.
type Method string

const (
	MethodSpecial    Method = "special"
	MethodContinuity Method = "continuity"
	MethodKeyword    Method = "keyword"
	MethodSemantic   Method = "semantic"
	MethodNone       Method = "none"
)

// Pipeline tuning. Pattern scores are additive with the per-pattern
// boost and capped at 1.0.
const (
	keywordBaseScore   = 0.7
	regexBaseScore     = 0.7
	prefixBaseScore    = 0.9
	nameSubstringScore = 0.8
	maxPatternScore    = 1.0

	survivorThreshold  = 0.3
	exclusiveThreshold = 0.8
	leadMargin         = 0.3
	leadMinimum        = 0.9

	continuityConfidence = 0.75
	continuityThreshold  = 0.3
	topicSwitchThreshold = 0.3

	semanticThreshold    = 0.5
	semanticTopK         = 3
	priorUtteranceWindow = 5
)

// Continuation markers signal that a message extends the previous
// request rather than opening a new one.
var (
	leadingMarkerRegex  = regexp.MustCompile(`(?i)^\s*(also|and|plus|what about|how about)\b`)
	anywhereMarkerRegex = regexp.MustCompile(`(?i)\b(what about|how about|what else|as well|same (for|with)|one more thing)\b`)

	nonAlnumRegex = regexp.MustCompile(`[^a-z0-9]+`)
)

// Config carries the routing thresholds and weights.
type Config struct {
	DefaultConfidenceThreshold float64
	HighConfidenceThreshold    float64
	MinConfidenceThreshold     float64
	MaxConfidenceThreshold     float64
	ContinuityBonus            float64
	SemanticRelevanceWeight    float64
	NegativeFeedbackPenalty    float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		DefaultConfidenceThreshold: 0.65,
		HighConfidenceThreshold:    0.85,
		MinConfidenceThreshold:     0.5,
		MaxConfidenceThreshold:     0.8,
		ContinuityBonus:            0.15,
		SemanticRelevanceWeight:    0.2,
		NegativeFeedbackPenalty:    0.1,
	}
}

// Hint is an upstream routing directive for a single turn. When Agent
// names a registered handler the pipeline is bypassed entirely.
type Hint struct {
	Agent      string
	Confidence float64
}

// Decision is the routing outcome for one message.
type Decision struct {
	HandlerID      string
	HandlerName    string
	Confidence     float64
	Reason         string
	Method         Method
	Special        Category
	HighConfidence bool
}

// Matched reports whether the decision names a handler.
func (d Decision) Matched() bool {
	return d.HandlerID != ""
}

// Router selects a handler for each incoming message. The embedder is
// optional; without one the continuity and semantic stages degrade to
// marker and keyword matching only.
type Router struct {
	registry *registry.Registry
	embedder embedding.Service
	special  *SpecialClassifier
	cfg      Config
}

// New creates a router over a handler registry.
func New(reg *registry.Registry, embedder embedding.Service, cfg Config) *Router {
	return &Router{
		registry: reg,
		embedder: embedder,
		special:  NewSpecialClassifier(embedder),
		cfg:      cfg,
	}
}

type scoredHandler struct {
	handler *registry.Handler
	score   float64
}

// Route runs the decision pipeline for one message. It mutates the
// session working memory: human transfer and negative feedback flags,
// topic switch bookkeeping and the no-match streak.
func (r *Router) Route(ctx context.Context, message string, state *session.ConversationState, hint Hint) Decision {
	message = strings.TrimSpace(message)
	if message == "" {
		return Decision{Confidence: 0, Reason: "empty", Method: MethodNone}
	}
	if r.registry.Len() == 0 {
		return Decision{Confidence: 0, Reason: "no_handlers", Method: MethodNone}
	}

	// An explicit hint from upstream pins the decision for this turn.
	if hint.Agent != "" {
		if h, ok := r.registry.GetByName(hint.Agent); ok {
			conf := hint.Confidence
			if conf <= 0 {
				conf = 1.0
			}
			return r.decided(state, Decision{
				HandlerID:   h.Def.ID,
				HandlerName: h.Def.Name,
				Confidence:  math.Min(conf, 1.0),
				Reason:      "agent_hint",
				Method:      MethodKeyword,
			})
		}
		slog.Debug("agent hint does not match a registered handler", "agent", hint.Agent)
	}

	// Stage A: special cases.
	negFeedback := state.MemoryBool(session.MemoryNegativeFeedback)
	switch sp := r.special.Classify(ctx, message); sp.Category {
	case CategoryGreeting, CategoryFarewell:
		if sp.Confidence >= 0.9 && wordCount(message) <= 5 {
			return Decision{Confidence: 1.0, Reason: string(sp.Category), Method: MethodSpecial, Special: sp.Category}
		}
	case CategoryHumanTransfer:
		if sp.Confidence >= 0.9 {
			state.SetMemory(session.MemoryHumanTransferRequested, true)
			return Decision{Confidence: 1.0, Reason: string(sp.Category), Method: MethodSpecial, Special: sp.Category}
		}
	case CategoryNegativeFeedback:
		negFeedback = true
		state.SetMemory(session.MemoryNegativeFeedback, true)
	}

	// A message far from the current topic opens a new request, so the
	// stick-with-agent flag no longer applies.
	topicSwitch := false
	if topic, ok := state.MemoryString(session.MemoryCurrentTopic); ok && topic != "" && r.embedder != nil {
		if sim, err := r.similarity(ctx, message, topic); err == nil && sim < topicSwitchThreshold {
			topicSwitch = true
			state.ClearMemory(session.MemoryContinueWithSameAgent)
		}
	}

	floor := r.dynamicFloor(state)

	// Stage B: continuity with the previous handler.
	continuityOpen := !negFeedback && !topicSwitch && state.LastHandler != ""
	if continuityOpen {
		if h, ok := r.registry.Get(state.LastHandler); ok {
			if r.continuitySignal(ctx, message, state, h) {
				if continuityConfidence >= math.Max(h.Def.ConfidenceFloor, floor) {
					return r.decided(state, Decision{
						HandlerID:   h.Def.ID,
						HandlerName: h.Def.Name,
						Confidence:  continuityConfidence,
						Reason:      "continuing",
						Method:      MethodContinuity,
					})
				}
			}
		}
	}

	// Stage C: keyword prefilter.
	survivors := r.prefilter(message)
	if top, ok := keywordWinner(survivors); ok {
		conf := math.Min(top.score, maxPatternScore)
		if conf >= math.Max(top.handler.Def.ConfidenceFloor, floor) {
			return r.decided(state, Decision{
				HandlerID:   top.handler.Def.ID,
				HandlerName: top.handler.Def.Name,
				Confidence:  conf,
				Reason:      "keyword",
				Method:      MethodKeyword,
			})
		}
	}

	// Stage D: semantic match over the survivors, or every handler when
	// the prefilter kept none.
	bestPrefilter := 0.0
	if len(survivors) > 0 {
		bestPrefilter = survivors[0].score
	}
	if r.embedder == nil {
		return r.noMatch(state, bestPrefilter)
	}

	candidates := make([]*registry.Handler, 0, len(survivors))
	for _, s := range survivors {
		candidates = append(candidates, s.handler)
	}
	if len(candidates) == 0 {
		candidates = r.registry.All()
	}

	msgVec, err := r.embedder.Embed(ctx, message)
	if err != nil {
		slog.Warn("message embedding failed", "error", err)
		return Decision{Confidence: bestPrefilter, Reason: "embedding_failed", Method: MethodNone}
	}

	ranked := r.rankSemantic(ctx, msgVec, candidates, state, continuityOpen, negFeedback)
	if len(ranked) == 0 {
		return r.noMatch(state, bestPrefilter)
	}

	top := ranked[0]
	conf := math.Min(top.score, 1.0)
	if conf < math.Max(top.handler.Def.ConfidenceFloor, floor) {
		return r.noMatch(state, conf)
	}
	return r.decided(state, Decision{
		HandlerID:   top.handler.Def.ID,
		HandlerName: top.handler.Def.Name,
		Confidence:  conf,
		Reason:      fmt.Sprintf("semantic %.2f", conf),
		Method:      MethodSemantic,
	})
}

// decided finalizes a handler match: the no-match streak resets and a
// pending negative-feedback flag is considered addressed.
func (r *Router) decided(state *session.ConversationState, d Decision) Decision {
	state.SetMemory(session.MemoryNoMatchStreak, 0)
	state.ClearMemory(session.MemoryNegativeFeedback)
	d.HighConfidence = d.Confidence >= r.cfg.HighConfidenceThreshold
	return d
}

func (r *Router) noMatch(state *session.ConversationState, best float64) Decision {
	streak := state.MemoryInt(session.MemoryNoMatchStreak)
	state.SetMemory(session.MemoryNoMatchStreak, streak+1)
	return Decision{Confidence: best, Reason: "below_threshold", Method: MethodNone}
}

// dynamicFloor is the per-session confidence requirement. Repeated
// misses relax it, negative feedback raises it.
func (r *Router) dynamicFloor(state *session.ConversationState) float64 {
	floor := r.cfg.DefaultConfidenceThreshold
	if state.MemoryInt(session.MemoryNoMatchStreak) >= 2 {
		floor = r.cfg.MinConfidenceThreshold
	}
	if state.MemoryBool(session.MemoryNegativeFeedback) {
		floor = r.cfg.MaxConfidenceThreshold
	}
	return floor
}

func (r *Router) continuitySignal(ctx context.Context, message string, state *session.ConversationState, h *registry.Handler) bool {
	if state.MemoryBool(session.MemoryContinueWithSameAgent) {
		return true
	}
	if leadingMarkerRegex.MatchString(message) || anywhereMarkerRegex.MatchString(message) {
		return true
	}
	if r.embedder == nil {
		return false
	}
	utterances := state.HandlerUtterances(h.Def.Name, 1)
	if len(utterances) == 0 {
		return false
	}
	sim, err := r.similarity(ctx, message, utterances[0])
	return err == nil && sim >= continuityThreshold
}

// prefilter scores every handler against the message patterns and
// returns the survivors, best first.
func (r *Router) prefilter(message string) []scoredHandler {
	msgLower := strings.ToLower(message)
	msgPadded := " " + normalizeTokens(msgLower) + " "

	var survivors []scoredHandler
	for _, h := range r.registry.All() {
		score := scorePatterns(h, msgLower, msgPadded)
		if score >= survivorThreshold {
			survivors = append(survivors, scoredHandler{handler: h, score: score})
		}
	}
	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].score > survivors[j].score
	})
	return survivors
}

// keywordWinner applies the prefilter decision rule: a single handler
// clear of the exclusive threshold, or a dominant leader.
func keywordWinner(survivors []scoredHandler) (scoredHandler, bool) {
	if len(survivors) == 0 {
		return scoredHandler{}, false
	}

	exceeding := 0
	for _, s := range survivors {
		if s.score > exclusiveThreshold {
			exceeding++
		}
	}
	top := survivors[0]
	if exceeding == 1 && top.score > exclusiveThreshold {
		return top, true
	}

	runnerUp := 0.0
	if len(survivors) > 1 {
		runnerUp = survivors[1].score
	}
	if top.score-runnerUp > leadMargin && top.score >= leadMinimum {
		return top, true
	}
	return scoredHandler{}, false
}

func scorePatterns(h *registry.Handler, msgLower, msgPadded string) float64 {
	best := 0.0
	for _, kw := range h.Keywords {
		if containsWholeWord(msgPadded, kw.Value) {
			best = math.Max(best, keywordBaseScore+kw.Boost)
		}
	}
	for _, re := range h.Regexes {
		if re.Pattern.MatchString(msgLower) {
			best = math.Max(best, regexBaseScore+re.Boost)
		}
	}
	for _, p := range h.Prefixes {
		if strings.HasPrefix(msgLower, p.Value) {
			best = math.Max(best, prefixBaseScore+p.Boost)
		}
	}

	name := strings.ToLower(h.Def.Name)
	if strings.Contains(msgLower, name) || containsWholeWord(msgPadded, name) {
		best = math.Max(best, nameSubstringScore)
	}
	return math.Min(best, maxPatternScore)
}

// rankSemantic scores candidates against the vector index, with the
// continuity and relevance bonuses applied to the previous handler.
// Returns at most the top-3 above the semantic threshold.
func (r *Router) rankSemantic(ctx context.Context, msgVec []float32, candidates []*registry.Handler, state *session.ConversationState, continuityOpen, negFeedback bool) []scoredHandler {
	hits, err := r.registry.SearchSemantic(ctx, msgVec, 0)
	if err != nil {
		slog.Warn("semantic search failed", "error", err)
		return nil
	}
	baseScores := make(map[string]float64, len(hits))
	for _, hit := range hits {
		baseScores[hit.Handler.Def.ID] = hit.Score
	}

	var ranked []scoredHandler
	for _, h := range candidates {
		score, indexed := baseScores[h.Def.ID]
		if !indexed {
			continue
		}
		if h.Def.ID == state.LastHandler {
			if continuityOpen {
				score += r.cfg.ContinuityBonus
				score += r.cfg.SemanticRelevanceWeight * r.maxPriorSimilarity(ctx, msgVec, state, h.Def.Name)
			}
			if negFeedback {
				score -= r.cfg.NegativeFeedbackPenalty
			}
		}
		if score >= semanticThreshold {
			ranked = append(ranked, scoredHandler{handler: h, score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	if len(ranked) > semanticTopK {
		ranked = ranked[:semanticTopK]
	}
	return ranked
}

// maxPriorSimilarity is the best similarity between the message and the
// user utterances this handler served earlier in the session.
func (r *Router) maxPriorSimilarity(ctx context.Context, msgVec []float32, state *session.ConversationState, handlerName string) float64 {
	best := 0.0
	for _, utterance := range state.HandlerUtterances(handlerName, priorUtteranceWindow) {
		vec, err := r.embedder.Embed(ctx, utterance)
		if err != nil {
			continue
		}
		if sim := embedding.CosineSimilarity(msgVec, vec); sim > best {
			best = sim
		}
	}
	return best
}

func (r *Router) similarity(ctx context.Context, a, b string) (float64, error) {
	va, err := r.embedder.Embed(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := r.embedder.Embed(ctx, b)
	if err != nil {
		return 0, err
	}
	return embedding.CosineSimilarity(va, vb), nil
}

func normalizeTokens(s string) string {
	return strings.TrimSpace(nonAlnumRegex.ReplaceAllString(strings.ToLower(s), " "))
}

func containsWholeWord(paddedNorm, term string) bool {
	t := normalizeTokens(term)
	if t == "" {
		return false
	}
	return strings.Contains(paddedNorm, " "+t+" ")
}
