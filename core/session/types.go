// Package session holds the conversation state model and the resilient
// persistence layer around the storage backend.
package session

import (
	"sort"
	"time"

	"github.com/strayhat/switchboard/core/safety"
)

// Role values for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// maxWorkingMemoryKeys bounds the working memory map.
const maxWorkingMemoryKeys = 32

// Well-known working memory keys.
const (
	MemoryCurrentTopic           = "current_topic"
	MemoryContinueWithSameAgent  = "continue_with_same_agent"
	MemoryHumanTransferRequested = "human_transfer_requested"
	MemoryNoMatchStreak          = "no_match_streak"
	MemoryNegativeFeedback       = "negative_feedback"
)

// reservedMemoryKeys are never evicted when the working memory map is full.
var reservedMemoryKeys = map[string]bool{
	MemoryCurrentTopic:           true,
	MemoryContinueWithSameAgent:  true,
	MemoryHumanTransferRequested: true,
	MemoryNoMatchStreak:          true,
	MemoryNegativeFeedback:       true,
}

// Message is one entry in the session history. History is append-only,
// deletion happens only by whole-session eviction.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent,omitempty"`
}

// SlotState tracks collection progress for one slot within a turn.
// Value is set only after validation passed.
type SlotState struct {
	Value     string `json:"value,omitempty"`
	Attempts  int    `json:"attempts"`
	Collected bool   `json:"collected"`
}

// Turn is the in-flight handler invocation for a session. Absent between
// turns; exactly one exists while a handler is collecting or answering.
type Turn struct {
	HandlerID       string                `json:"handler_id"`
	HandlerName     string                `json:"handler_name,omitempty"`
	SlotStates      map[string]*SlotState `json:"slot_states"`
	CollectionTurns int                   `json:"collection_turns"`
	ExitReason      string                `json:"exit_reason,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	Violations      []safety.Violation    `json:"violations,omitempty"`
}

// NewTurn creates an empty turn for the given handler.
func NewTurn(handlerID, handlerName string) *Turn {
	return &Turn{
		HandlerID:   handlerID,
		HandlerName: handlerName,
		SlotStates:  make(map[string]*SlotState),
		StartedAt:   time.Now().UTC(),
	}
}

// Slot returns the state for a slot, creating it on first access.
func (t *Turn) Slot(name string) *SlotState {
	if t.SlotStates == nil {
		t.SlotStates = make(map[string]*SlotState)
	}
	state, ok := t.SlotStates[name]
	if !ok {
		state = &SlotState{}
		t.SlotStates[name] = state
	}
	return state
}

// CollectedSlots returns the validated slot values.
func (t *Turn) CollectedSlots() map[string]string {
	collected := make(map[string]string)
	for name, state := range t.SlotStates {
		if state.Collected {
			collected[name] = state.Value
		}
	}
	return collected
}

// PersistenceFlags records persistence outcomes that the caller must not
// lose: a failed persist marks the state dirty, failed checkpoints queue
// up to be drained by the next successful persist.
type PersistenceFlags struct {
	Dirty              bool     `json:"dirty"`
	PendingCheckpoints []string `json:"pending_checkpoints,omitempty"`
}

// ConversationState is the whole persisted object for one session.
type ConversationState struct {
	SessionID     string             `json:"session_id"`
	Messages      []Message          `json:"messages"`
	LastHandler   string             `json:"last_handler,omitempty"`
	WorkingMemory map[string]any     `json:"working_memory"`
	CurrentTurn   *Turn              `json:"current_turn,omitempty"`
	Checkpoints   map[string]string  `json:"checkpoints,omitempty"`
	Flags         PersistenceFlags   `json:"persistence_flags"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// NewState creates an empty state for a session.
func NewState(sessionID string) *ConversationState {
	now := time.Now().UTC()
	return &ConversationState{
		SessionID:     sessionID,
		Messages:      []Message{},
		WorkingMemory: make(map[string]any),
		Checkpoints:   make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AppendUser appends a user message to the history.
func (s *ConversationState) AppendUser(content string) {
	s.appendMessage(Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()})
}

// AppendAssistant appends an assistant message, tagged with the handler
// that produced it.
func (s *ConversationState) AppendAssistant(content, agent string) {
	s.appendMessage(Message{Role: RoleAssistant, Content: content, Timestamp: time.Now().UTC(), Agent: agent})
}

func (s *ConversationState) appendMessage(m Message) {
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = time.Now().UTC()
}

// SetMemory stores a working memory value. The map is bounded; when full,
// the lexicographically smallest non-reserved key is evicted first.
func (s *ConversationState) SetMemory(key string, value any) {
	if s.WorkingMemory == nil {
		s.WorkingMemory = make(map[string]any)
	}
	if _, exists := s.WorkingMemory[key]; !exists && len(s.WorkingMemory) >= maxWorkingMemoryKeys {
		s.evictMemoryKey()
	}
	s.WorkingMemory[key] = value
}

func (s *ConversationState) evictMemoryKey() {
	candidates := make([]string, 0, len(s.WorkingMemory))
	for k := range s.WorkingMemory {
		if !reservedMemoryKeys[k] {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.Strings(candidates)
	delete(s.WorkingMemory, candidates[0])
}

// ClearMemory removes a working memory key.
func (s *ConversationState) ClearMemory(key string) {
	delete(s.WorkingMemory, key)
}

// MemoryString reads a working memory value as a string.
func (s *ConversationState) MemoryString(key string) (string, bool) {
	v, ok := s.WorkingMemory[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// MemoryBool reads a working memory value as a bool. Absent keys and
// non-bool values read as false.
func (s *ConversationState) MemoryBool(key string) bool {
	v, ok := s.WorkingMemory[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// MemoryInt reads a working memory value as an int. JSON round trips
// store numbers as float64, both forms are accepted.
func (s *ConversationState) MemoryInt(key string) int {
	switch v := s.WorkingMemory[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// LastUserMessage returns the most recent user message content.
func (s *ConversationState) LastUserMessage() (string, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content, true
		}
	}
	return "", false
}

// HandlerUtterances returns up to limit user messages that were answered
// by the named handler, most recent first. Used for continuity scoring.
func (s *ConversationState) HandlerUtterances(handlerName string, limit int) []string {
	var utterances []string
	for i := len(s.Messages) - 1; i >= 0 && len(utterances) < limit; i-- {
		if s.Messages[i].Role != RoleAssistant || s.Messages[i].Agent != handlerName {
			continue
		}
		// The user message that triggered this answer sits right before it.
		for j := i - 1; j >= 0; j-- {
			if s.Messages[j].Role == RoleUser {
				utterances = append(utterances, s.Messages[j].Content)
				break
			}
		}
	}
	return utterances
}

// RecentHistory returns up to limit trailing messages, oldest first.
func (s *ConversationState) RecentHistory(limit int) []Message {
	if limit <= 0 || len(s.Messages) <= limit {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-limit:]
}
