// Package safety provides the content checks applied around every turn:
// an input pass that flags out-of-scope topics before routing, and an
// output pass that catches persona-breaking phrases, sensitive data, and
// disallowed topics in rendered responses.
package safety

import (
	"regexp"
	"strings"
	"time"
)

// Severity grades an output violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Violation records a single output-pass rule hit.
type Violation struct {
	Rule        string    `json:"rule"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	// Segment carries the matched text for sensitive-data rules so the
	// caller can decide whether to suppress it. The filter itself never
	// redacts those matches.
	Segment string `json:"-"`
}

// InputResult is the outcome of the input pass.
type InputResult struct {
	OutOfScope bool
	Category   string
}

// Config holds the rule tables. All tables are fixed after NewFilter;
// the zero value of any table falls back to the defaults.
type Config struct {
	// ScopeTopics maps an out-of-scope category to its trigger keywords,
	// matched whole-word and case-insensitive on input.
	ScopeTopics map[string][]string

	// BannedPhrases are substituted by Replacement on output.
	BannedPhrases []string
	Replacement   string

	// ProhibitedTopics and DisallowedServices are keyword scans recorded
	// as medium violations on output.
	ProhibitedTopics   []string
	DisallowedServices []string
}

// scopeCategories fixes the evaluation order of the input pass so the
// reported category is deterministic when several lists match.
var scopeCategories = []string{"hr", "legal", "executive", "investments", "unrelated"}

// DefaultConfig returns the stock rule tables for a customer-facing
// support assistant.
func DefaultConfig() Config {
	return Config{
		ScopeTopics: map[string][]string{
			"hr":          {"salary", "salaries", "payroll", "hiring", "recruitment", "benefits", "401k", "severance"},
			"legal":       {"lawsuit", "attorney", "lawyer", "legal advice", "liability", "subpoena", "settlement"},
			"executive":   {"ceo", "cfo", "board of directors", "executive team", "shareholder meeting"},
			"investments": {"stock price", "shares", "dividend", "dividends", "ipo", "investor relations", "earnings call"},
			"unrelated":   {"weather", "sports", "movie", "movies", "recipe", "politics", "horoscope"},
		},
		BannedPhrases: []string{
			"as an ai language model",
			"as an ai assistant",
			"as a language model",
			"i am just an ai",
			"i'm just an ai",
			"my training data",
			"i was trained by",
			"i do not have feelings",
		},
		Replacement: "as your virtual assistant",
		ProhibitedTopics: []string{
			"gambling", "lottery", "betting odds", "cryptocurrency tips",
		},
		DisallowedServices: []string{
			"wire transfer", "cash on delivery", "price override", "manual refund",
		},
	}
}

// Filter applies the input and output passes. It holds only compiled,
// immutable rule tables and is safe for concurrent use.
type Filter struct {
	scopeRegexes  map[string]*regexp.Regexp
	bannedPhrases []*regexp.Regexp
	bannedSources []string
	replacement   string
	sensitive     []sensitiveRule
	topicScan     *keywordScan
	serviceScan   *keywordScan
}

type sensitiveRule struct {
	name        string
	description string
	re          *regexp.Regexp
}

type keywordScan struct {
	rule        string
	description string
	re          *regexp.Regexp
}

// sensitiveRules are structural patterns for data that must never appear
// in an assistant response. Matches are recorded, not redacted.
var sensitiveRules = []sensitiveRule{
	{
		name:        "credit_card",
		description: "possible credit card number in response",
		re:          regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`),
	},
	{
		name:        "ssn",
		description: "possible social security number in response",
		re:          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		name:        "cleartext_password",
		description: "cleartext password in response",
		re:          regexp.MustCompile(`(?i)\bpassword\s*(?:is|:|=)\s*\S+`),
	},
}

// NewFilter compiles the rule tables. Empty config fields fall back to
// DefaultConfig values.
func NewFilter(cfg Config) *Filter {
	defaults := DefaultConfig()
	if len(cfg.ScopeTopics) == 0 {
		cfg.ScopeTopics = defaults.ScopeTopics
	}
	if len(cfg.BannedPhrases) == 0 {
		cfg.BannedPhrases = defaults.BannedPhrases
	}
	if cfg.Replacement == "" {
		cfg.Replacement = defaults.Replacement
	}
	if len(cfg.ProhibitedTopics) == 0 {
		cfg.ProhibitedTopics = defaults.ProhibitedTopics
	}
	if len(cfg.DisallowedServices) == 0 {
		cfg.DisallowedServices = defaults.DisallowedServices
	}

	f := &Filter{
		scopeRegexes:  make(map[string]*regexp.Regexp, len(cfg.ScopeTopics)),
		replacement:   cfg.Replacement,
		sensitive:     sensitiveRules,
		bannedSources: cfg.BannedPhrases,
	}

	for category, keywords := range cfg.ScopeTopics {
		f.scopeRegexes[category] = compileWordList(keywords)
	}
	for _, phrase := range cfg.BannedPhrases {
		f.bannedPhrases = append(f.bannedPhrases, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(phrase)))
	}
	f.topicScan = &keywordScan{
		rule:        "prohibited_topic",
		description: "response touches a prohibited topic",
		re:          compileWordList(cfg.ProhibitedTopics),
	}
	f.serviceScan = &keywordScan{
		rule:        "disallowed_service",
		description: "response offers a service that is not available",
		re:          compileWordList(cfg.DisallowedServices),
	}

	return f
}

// DefaultFilter creates a filter with the stock rule tables.
func DefaultFilter() *Filter {
	return NewFilter(Config{})
}

// compileWordList builds one case-insensitive whole-word alternation for
// a keyword list.
func compileWordList(words []string) *regexp.Regexp {
	if len(words) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(w)))
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// CheckInput runs the input pass: whole-word matching of the message
// against each topic list, in fixed category order.
func (f *Filter) CheckInput(message string) InputResult {
	if strings.TrimSpace(message) == "" {
		return InputResult{}
	}
	for _, category := range scopeCategories {
		re, ok := f.scopeRegexes[category]
		if !ok || re == nil {
			continue
		}
		if re.MatchString(message) {
			return InputResult{OutOfScope: true, Category: category}
		}
	}
	// Categories outside the fixed order still match, after it.
	for category, re := range f.scopeRegexes {
		if isKnownCategory(category) || re == nil {
			continue
		}
		if re.MatchString(message) {
			return InputResult{OutOfScope: true, Category: category}
		}
	}
	return InputResult{}
}

func isKnownCategory(category string) bool {
	for _, c := range scopeCategories {
		if c == category {
			return true
		}
	}
	return false
}

// FilterOutput runs the output pass: banned-phrase substitution, then
// sensitive-data detection, then topic and service keyword scans.
// Substitution is a fixed point, so filtering an already-filtered text
// yields the same text and the same non-banned violations.
func (f *Filter) FilterOutput(text string) (string, []Violation) {
	var violations []Violation
	now := time.Now().UTC()

	sanitized := text
	for i, re := range f.bannedPhrases {
		if !re.MatchString(sanitized) {
			continue
		}
		sanitized = re.ReplaceAllString(sanitized, f.replacement)
		violations = append(violations, Violation{
			Rule:        "banned_phrase",
			Severity:    SeverityHigh,
			Description: "banned phrase substituted: " + f.bannedSources[i],
			Timestamp:   now,
		})
	}

	for _, rule := range f.sensitive {
		for _, match := range rule.re.FindAllString(sanitized, -1) {
			violations = append(violations, Violation{
				Rule:        rule.name,
				Severity:    SeverityHigh,
				Description: rule.description,
				Timestamp:   now,
				Segment:     match,
			})
		}
	}

	for _, scan := range []*keywordScan{f.topicScan, f.serviceScan} {
		if scan.re == nil {
			continue
		}
		if match := scan.re.FindString(sanitized); match != "" {
			violations = append(violations, Violation{
				Rule:        scan.rule,
				Severity:    SeverityMedium,
				Description: scan.description + ": " + strings.ToLower(match),
				Timestamp:   now,
			})
		}
	}

	return sanitized, violations
}

// HasSensitiveData reports whether any violation is a high-severity
// sensitive-data hit carrying a segment.
func HasSensitiveData(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityHigh && v.Segment != "" {
			return true
		}
	}
	return false
}
