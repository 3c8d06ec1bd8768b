// Package errclass classifies every failure on the request path into a
// closed taxonomy so the orchestrator can choose retry policy and user
// messaging without inspecting raw errors.
package errclass

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"
)

// Type is the taxonomy category of an error. The set is closed: every
// error crossing a component boundary is mapped to exactly one Type.
type Type string

const (
	TypeInvalidInput          Type = "invalid_input"
	TypeMissingParameter      Type = "missing_parameter"
	TypeParsingError          Type = "parsing_error"
	TypeJSONDecodeError       Type = "json_decode_error"
	TypeHandlerNotFound       Type = "handler_not_found"
	TypeHandlerExecutionError Type = "handler_execution_error"
	TypeHandlerTimeout        Type = "handler_timeout"
	TypeLLMAPIError           Type = "llm_api_error"
	TypeLLMRateLimit          Type = "llm_rate_limit"
	TypeLLMContextLimit       Type = "llm_context_limit"
	TypeDBError               Type = "db_error"
	TypeMemoryError           Type = "memory_error"
	TypeStatePersistence      Type = "state_persistence_error"
	TypeOrchestrationError    Type = "orchestration_error"
	TypeUnknown               Type = "unknown"
)

// Sentinel errors recognized structurally by Classify. Wrapping one of
// these steers classification regardless of message text.
var (
	ErrHandlerNotFound = errors.New("handler not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// Classified wraps an error with its taxonomy type and the pipeline node
// where it was raised.
type Classified struct {
	Type      Type
	Node      string
	Original  error
	Timestamp time.Time
	Context   map[string]string
}

// New creates a Classified error for the given node.
func New(t Type, node string, original error) *Classified {
	return &Classified{
		Type:      t,
		Node:      node,
		Original:  original,
		Timestamp: time.Now().UTC(),
	}
}

// WithContext attaches one key-value pair of diagnostic context.
func (c *Classified) WithContext(key, value string) *Classified {
	if c.Context == nil {
		c.Context = make(map[string]string)
	}
	c.Context[key] = value
	return c
}

// Error returns a formatted error message.
func (c *Classified) Error() string {
	if c.Original == nil {
		return string(c.Type) + " at " + c.Node
	}
	return string(c.Type) + " at " + c.Node + ": " + c.Original.Error()
}

// Unwrap returns the original error for errors.Is/As.
func (c *Classified) Unwrap() error {
	return c.Original
}

// Classify maps an arbitrary error to its taxonomy type. Errors already
// classified keep their type; everything else is matched structurally
// first, then by message pattern, defaulting to unknown.
func Classify(err error) Type {
	if err == nil {
		return ""
	}

	var classified *Classified
	if errors.As(err, &classified) {
		return classified.Type
	}

	if errors.Is(err, ErrHandlerNotFound) {
		return TypeHandlerNotFound
	}
	if errors.Is(err, ErrInvalidInput) {
		return TypeInvalidInput
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeHandlerTimeout
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return TypeJSONDecodeError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return TypeLLMRateLimit
	case containsAny(msg, "context length", "context_length", "maximum context", "context window", "token limit"):
		return TypeLLMContextLimit
	case containsAny(msg, "timeout", "deadline exceeded", "timed out"):
		return TypeHandlerTimeout
	case containsAny(msg, "database", "sql:", "pq:", "sqlite", "constraint"):
		return TypeDBError
	case isNetworkError(err, msg):
		return TypeLLMAPIError
	case containsAny(msg, "unmarshal", "invalid character", "unexpected end of json"):
		return TypeJSONDecodeError
	case containsAny(msg, "parse", "parsing"):
		return TypeParsingError
	}

	return TypeUnknown
}

// Retryable reports whether the category warrants a backoff retry.
// Only rate-limited LLM calls and transient persistence failures are
// retried; a context-limit failure never recovers by retrying.
func Retryable(t Type) bool {
	switch t {
	case TypeLLMRateLimit, TypeStatePersistence, TypeDBError:
		return true
	default:
		return false
	}
}

// ShouldRetry classifies err and reports whether a retry is warranted.
func ShouldRetry(err error) bool {
	return Retryable(Classify(err))
}

// userMessages holds the deterministic user-facing text per category.
// Nothing from an underlying error ever reaches the user.
var userMessages = map[Type]string{
	TypeInvalidInput:          "I couldn't make sense of that input. Could you rephrase it?",
	TypeMissingParameter:      "I'm missing some information I need. Could you provide a bit more detail?",
	TypeParsingError:          "I had trouble interpreting part of that. Please try again.",
	TypeJSONDecodeError:       "I had trouble interpreting part of that. Please try again.",
	TypeHandlerNotFound:       "I'm not sure how to help with that yet. Could you rephrase your request?",
	TypeHandlerExecutionError: "I ran into a problem handling that request. Please try again.",
	TypeHandlerTimeout:        "I'm sorry, that took longer than expected. Please try again.",
	TypeLLMAPIError:           "I'm having trouble reaching my language service. Please try again shortly.",
	TypeLLMRateLimit:          "I'm experiencing a lot of traffic right now. Please try again in a moment.",
	TypeLLMContextLimit:       "This conversation has become too detailed for me to follow. Could we start over with just the key points?",
	TypeDBError:               "I'm having trouble accessing my memory right now, so this conversation may not be fully saved.",
	TypeMemoryError:           "I'm having trouble accessing my memory right now, so this conversation may not be fully saved.",
	TypeStatePersistence:      "I'm having trouble accessing my memory right now, so this conversation may not be fully saved.",
	TypeOrchestrationError:    "Something went wrong on my side. Please try again.",
	TypeUnknown:               "Something went wrong on my side. Please try again.",
}

// UserMessage returns the deterministic user-facing text for a category.
func UserMessage(t Type) string {
	if msg, ok := userMessages[t]; ok {
		return msg
	}
	return userMessages[TypeUnknown]
}

// isNetworkError checks if an error is network-related.
func isNetworkError(err error, msg string) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return containsAny(msg,
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"dial tcp",
		"eof",
	)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
