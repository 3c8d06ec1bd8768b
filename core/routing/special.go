// Package routing decides which handler receives a message. The decision
// pipeline runs special cases, continuity, a keyword prefilter and a
// semantic stage, in that order, under a per-session dynamic floor.
package routing

import (
	"context"
	"regexp"
	"strings"

	"github.com/strayhat/switchboard/core/embedding"
)

// Category is a special-case classification of a message.
type Category string

const (
	CategoryGreeting         Category = "greeting"
	CategoryFarewell         Category = "farewell"
	CategoryHumanTransfer    Category = "human_transfer"
	CategoryNegativeFeedback Category = "negative_feedback"
	CategoryNone             Category = "none"
)

// Pre-compiled patterns for special-case detection.
var (
	greetingRegex = regexp.MustCompile(`(?i)^\s*(hi|hiya|hello|hey|yo|howdy|greetings|good\s+(morning|afternoon|evening))\b`)
	farewellRegex = regexp.MustCompile(`(?i)^\s*(bye|goodbye|good\s*night|see\s+(you|ya)|later|take\s+care|farewell|that's\s+all|thanks,?\s+bye)\b`)

	transferVerbRegex = regexp.MustCompile(`(?i)\b(talk|speak|chat|connect|transfer|escalate|get\s+me)\b.{0,30}\b(human|person|agent|representative|operator|somebody|someone)\b`)
	transferNounRegex = regexp.MustCompile(`(?i)\b(real\s+(person|human)|human\s+(being|agent|support)|live\s+agent|customer\s+service\s+rep)\b`)

	negativeRegex = regexp.MustCompile(`(?i)\b(that('s| is)\s+(wrong|not\s+right|incorrect)|not\s+what\s+i\s+(asked|meant|wanted)|you\s+(misunderstood|got\s+it\s+wrong)|completely\s+(wrong|useless)|this\s+is(n't| not)\s+(working|helping)|bad\s+answer|stop\s+doing\s+that)\b`)
)

// specialExemplars back the semantic check for very short messages that
// the regexes miss.
var specialExemplars = map[Category][]string{
	CategoryGreeting: {
		"hello there",
		"good morning",
		"hey, how are you",
	},
	CategoryFarewell: {
		"goodbye, thanks for the help",
		"see you later",
		"that is all for today",
	},
	CategoryHumanTransfer: {
		"i want to talk to a real person",
		"connect me with an agent",
		"get me a human",
	},
}

// SpecialResult is one special-case classification with confidence.
type SpecialResult struct {
	Category   Category
	Confidence float64
}

// SpecialClassifier assigns greeting, farewell, human transfer or
// negative feedback categories. The embedder is optional; without one
// only the regex layer runs.
type SpecialClassifier struct {
	embedder embedding.Service
}

// NewSpecialClassifier creates a classifier.
func NewSpecialClassifier(embedder embedding.Service) *SpecialClassifier {
	return &SpecialClassifier{embedder: embedder}
}

// Classify returns the special category of a message, or CategoryNone.
func (c *SpecialClassifier) Classify(ctx context.Context, message string) SpecialResult {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return SpecialResult{Category: CategoryNone}
	}

	switch {
	case greetingRegex.MatchString(trimmed):
		return SpecialResult{Category: CategoryGreeting, Confidence: 0.95}
	case farewellRegex.MatchString(trimmed):
		return SpecialResult{Category: CategoryFarewell, Confidence: 0.95}
	case transferVerbRegex.MatchString(trimmed) || transferNounRegex.MatchString(trimmed):
		return SpecialResult{Category: CategoryHumanTransfer, Confidence: 0.92}
	case negativeRegex.MatchString(trimmed):
		return SpecialResult{Category: CategoryNegativeFeedback, Confidence: 0.88}
	}

	// Short messages get a semantic pass against the exemplars; longer
	// ones are never pure greetings or farewells.
	if c.embedder != nil && wordCount(trimmed) <= 5 {
		if result := c.classifySemantic(ctx, trimmed); result.Category != CategoryNone {
			return result
		}
	}

	return SpecialResult{Category: CategoryNone}
}

func (c *SpecialClassifier) classifySemantic(ctx context.Context, message string) SpecialResult {
	vector, err := c.embedder.Embed(ctx, message)
	if err != nil {
		return SpecialResult{Category: CategoryNone}
	}

	best := SpecialResult{Category: CategoryNone}
	for category, exemplars := range specialExemplars {
		for _, exemplar := range exemplars {
			exemplarVec, err := c.embedder.Embed(ctx, exemplar)
			if err != nil {
				continue
			}
			if sim := embedding.CosineSimilarity(vector, exemplarVec); sim > best.Confidence {
				best = SpecialResult{Category: category, Confidence: sim}
			}
		}
	}

	if best.Confidence >= 0.9 {
		return best
	}
	return SpecialResult{Category: CategoryNone}
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
