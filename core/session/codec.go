package session

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Marshal serializes the whole state to JSON. Timestamps serialize as
// RFC 3339 (ISO 8601 with a T separator and timezone).
func Marshal(state *ConversationState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation state: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes a state blob. Timestamp-like strings inside the
// working memory are revived to time.Time values, since the map loses its
// types on the JSON round trip.
func Unmarshal(data []byte) (*ConversationState, error) {
	var state ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal conversation state: %w", err)
	}

	if state.WorkingMemory == nil {
		state.WorkingMemory = make(map[string]any)
	}
	if state.Checkpoints == nil {
		state.Checkpoints = make(map[string]string)
	}
	reviveTimestamps(state.WorkingMemory)

	return &state, nil
}

var zoneSuffixRe = regexp.MustCompile(`[+-]\d{2}:?\d{2}$`)

// isTimestampLike reports whether a string looks like a serialized
// timestamp: at least 20 characters, a T separator and a timezone marker.
func isTimestampLike(s string) bool {
	if len(s) < 20 {
		return false
	}
	if !strings.Contains(s, "T") {
		return false
	}
	return strings.HasSuffix(s, "Z") || zoneSuffixRe.MatchString(s)
}

func reviveTimestamps(m map[string]any) {
	for k, v := range m {
		m[k] = reviveValue(v)
	}
}

func reviveValue(v any) any {
	switch value := v.(type) {
	case string:
		if isTimestampLike(value) {
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				return t
			}
		}
		return value
	case map[string]any:
		reviveTimestamps(value)
		return value
	case []any:
		for i, item := range value {
			value[i] = reviveValue(item)
		}
		return value
	default:
		return v
	}
}
