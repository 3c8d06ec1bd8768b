// Package slots extracts and validates slot values from user messages.
// Slot lists are read-only after handler registration; all mutable
// collection state lives on the session's current turn.
package slots

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/strayhat/switchboard/core/registry"
	"github.com/strayhat/switchboard/core/session"
)

type slotKind int

const (
	kindGeneric slotKind = iota
	kindOrder
	kindZip
	kindEmail
	kindPhone
	kindCity
)

var (
	orderPrefixedRe = regexp.MustCompile(`(?i)\b([a-z]{2,4}-?\d{5,10})\b`)
	orderDigitsRe   = regexp.MustCompile(`\b(\d{5,12})\b`)
	zipRe           = regexp.MustCompile(`\b(\d{5}(?:-\d{4})?)\b`)
	emailRe         = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	phoneRe         = regexp.MustCompile(`(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)
	cityStateRe     = regexp.MustCompile(`\b([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)*, ?[A-Z]{2})\b`)
)

// knownCities is the bare-city lookup, lowercased form to canonical form.
var knownCities = map[string]string{
	"new york":      "New York",
	"los angeles":   "Los Angeles",
	"chicago":       "Chicago",
	"houston":       "Houston",
	"phoenix":       "Phoenix",
	"philadelphia":  "Philadelphia",
	"san antonio":   "San Antonio",
	"san diego":     "San Diego",
	"dallas":        "Dallas",
	"austin":        "Austin",
	"san jose":      "San Jose",
	"san francisco": "San Francisco",
	"seattle":       "Seattle",
	"denver":        "Denver",
	"boston":        "Boston",
	"miami":         "Miami",
	"atlanta":       "Atlanta",
	"portland":      "Portland",
	"las vegas":     "Las Vegas",
	"detroit":       "Detroit",
	"memphis":       "Memphis",
	"baltimore":     "Baltimore",
	"milwaukee":     "Milwaukee",
	"minneapolis":   "Minneapolis",
	"sacramento":    "Sacramento",
	"kansas city":   "Kansas City",
	"omaha":         "Omaha",
	"cleveland":     "Cleveland",
	"nashville":     "Nashville",
	"charlotte":     "Charlotte",
}

// Extractor pulls slot candidates out of user messages.
type Extractor struct {
	cityRe *regexp.Regexp
}

// NewExtractor creates an extractor with the built-in city lookup.
func NewExtractor() *Extractor {
	names := make([]string, 0, len(knownCities))
	for name := range knownCities {
		names = append(names, regexp.QuoteMeta(name))
	}
	return &Extractor{
		cityRe: regexp.MustCompile(`(?i)\b(` + strings.Join(names, "|") + `)\b`),
	}
}

// Extract returns raw slot candidates found in the message. Slots already
// collected are skipped. Candidates are unvalidated; Apply runs the
// validation regexes and updates turn state.
func (e *Extractor) Extract(message string, defs []registry.SlotDefinition, collected map[string]bool) map[string]string {
	candidates := make(map[string]string)

	for i := range defs {
		def := &defs[i]
		if collected[def.Name] {
			continue
		}

		var value string
		switch kindFor(def) {
		case kindOrder:
			value = orderPrefixedRe.FindString(message)
			if value == "" {
				value = orderDigitsRe.FindString(message)
			}
		case kindZip:
			value = zipRe.FindString(message)
		case kindEmail:
			value = emailRe.FindString(message)
		case kindPhone:
			value = phoneRe.FindString(message)
		case kindCity:
			value = cityStateRe.FindString(message)
			if value == "" {
				if m := e.cityRe.FindString(message); m != "" {
					value = knownCities[strings.ToLower(m)]
				}
			}
		default:
			value = extractTemplated(message, def)
		}

		if value != "" {
			candidates[def.Name] = value
		}
	}

	return candidates
}

// kindFor infers the well-known extraction kind from the slot name.
func kindFor(def *registry.SlotDefinition) slotKind {
	name := strings.ToLower(def.Name)
	switch {
	case strings.Contains(name, "email"):
		return kindEmail
	case strings.Contains(name, "phone"):
		return kindPhone
	case strings.Contains(name, "zip") || strings.Contains(name, "postal"):
		return kindZip
	case strings.Contains(name, "order") || strings.Contains(name, "tracking"):
		return kindOrder
	case strings.Contains(name, "city") || strings.Contains(name, "location") || strings.Contains(name, "destination"):
		return kindCity
	default:
		return kindGeneric
	}
}

// extractTemplated matches "<slot name>: <value>" style phrasings, with
// the slot name or any alias as the label. Underscores in names match
// spaces too.
func extractTemplated(message string, def *registry.SlotDefinition) string {
	labels := make([]string, 0, len(def.Aliases)+1)
	labels = append(labels, strings.ReplaceAll(regexp.QuoteMeta(def.Name), "_", "[ _]"))
	for _, alias := range def.Aliases {
		labels = append(labels, regexp.QuoteMeta(strings.ToLower(alias)))
	}

	for _, label := range labels {
		re, err := regexp.Compile(`(?i)\b` + label + `\s*(?::|=|\bis\b)\s*([^\s,.!?;]+)`)
		if err != nil {
			continue
		}
		if m := re.FindStringSubmatch(message); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

// Apply validates candidates and merges them into the turn's slot states.
// Valid values mark the slot collected; invalid ones burn an attempt.
// Returns the name of the first slot that crossed its attempt bound this
// call, or "" when none did.
func Apply(turn *session.Turn, defs []registry.SlotDefinition, candidates map[string]string) string {
	terminal := ""

	for i := range defs {
		def := &defs[i]
		value, ok := candidates[def.Name]
		if !ok {
			continue
		}

		state := turn.Slot(def.Name)
		if state.Collected {
			continue
		}

		if def.ValidationRegex != "" {
			re, err := regexp.Compile(def.ValidationRegex)
			if err != nil || !re.MatchString(value) {
				state.Attempts++
				if state.Attempts >= def.MaxAttempts && terminal == "" {
					terminal = def.Name
				}
				continue
			}
		}

		state.Value = value
		state.Collected = true
	}

	return terminal
}

// NextMissing returns the first required, not-yet-collected slot in
// declaration order.
func NextMissing(turn *session.Turn, defs []registry.SlotDefinition) (*registry.SlotDefinition, bool) {
	for i := range defs {
		def := &defs[i]
		if !def.Required {
			continue
		}
		state, ok := turn.SlotStates[def.Name]
		if !ok || !state.Collected {
			return def, true
		}
	}
	return nil, false
}

// FirstTerminalBad returns the first slot, in declaration order, that has
// exhausted its attempts without a valid value.
func FirstTerminalBad(turn *session.Turn, defs []registry.SlotDefinition) (string, bool) {
	for i := range defs {
		def := &defs[i]
		state, ok := turn.SlotStates[def.Name]
		if !ok || state.Collected {
			continue
		}
		if state.Attempts >= def.MaxAttempts {
			return def.Name, true
		}
	}
	return "", false
}

// RequestUtterance builds the short reprompt asking for one missing slot.
// After a failed attempt the slot's own error message takes precedence.
func RequestUtterance(def *registry.SlotDefinition, attempts int) string {
	if attempts > 0 && def.ErrorMessage != "" {
		return def.ErrorMessage
	}

	subject := def.Description
	if subject == "" {
		subject = strings.ReplaceAll(def.Name, "_", " ")
	}

	utterance := fmt.Sprintf("Could you share %s?", subject)
	if len(def.Examples) > 0 {
		utterance += fmt.Sprintf(" For example: %s.", def.Examples[0])
	}
	return utterance
}
