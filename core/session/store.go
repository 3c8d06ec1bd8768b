package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/strayhat/switchboard/core/errclass"
)

// CheckpointInfo describes one stored checkpoint.
type CheckpointInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend is the storage collaborator the session layer drives. A nil
// stateID or checkpoint name selects the latest row. LoadState returns
// (nil, nil) when the session has no stored state yet.
type Backend interface {
	SaveState(ctx context.Context, sessionID string, state *ConversationState) (string, error)
	LoadState(ctx context.Context, sessionID, stateID string) (*ConversationState, error)
	SaveCheckpoint(ctx context.Context, sessionID, name string, state *ConversationState) (string, error)
	Rollback(ctx context.Context, sessionID, name string) (*ConversationState, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]CheckpointInfo, error)
	DeleteCheckpoint(ctx context.Context, sessionID, checkpointID string) error
	CleanExpired(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

const defaultRetryAttempts = 3

const defaultMaxCheckpoints = 5

// Store wraps a Backend with the resilient persistence contracts:
// retries with backoff on storage errors, and degraded-but-never-raising
// terminal behavior.
type Store struct {
	backend        Backend
	policy         BackoffPolicy
	attempts       int
	maxCheckpoints int
	locks          *LockManager
	onRetry        func(op string)

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Store.
type Option func(*Store)

// WithBackoffPolicy overrides the retry backoff policy.
func WithBackoffPolicy(policy BackoffPolicy) Option {
	return func(s *Store) { s.policy = policy }
}

// WithRetryAttempts overrides the total attempt count per operation.
func WithRetryAttempts(attempts int) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// WithMaxCheckpoints overrides the per-session checkpoint cap.
func WithMaxCheckpoints(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.maxCheckpoints = limit
		}
	}
}

// WithRetryObserver registers a callback invoked once per storage retry,
// typically to feed a metrics counter.
func WithRetryObserver(fn func(op string)) Option {
	return func(s *Store) { s.onRetry = fn }
}

// NewStore creates a resilient store over the given backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:        backend,
		policy:         DefaultBackoffPolicy(),
		attempts:       defaultRetryAttempts,
		maxCheckpoints: defaultMaxCheckpoints,
		locks:          NewLockManager(),
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lock acquires the per-session lock; the caller must invoke the returned
// release func.
func (s *Store) Lock(sessionID string) func() {
	return s.locks.Lock(sessionID)
}

// Persist saves the state, retrying on storage errors. On terminal
// failure the state is returned with dirty = true and no error is raised:
// the conversation continues, persistence catches up later. A successful
// save drains any pending checkpoints in FIFO order.
func (s *Store) Persist(ctx context.Context, state *ConversationState) *ConversationState {
	state.UpdatedAt = time.Now().UTC()

	err := s.withRetries(ctx, "persist", state.SessionID, func() error {
		_, saveErr := s.backend.SaveState(ctx, state.SessionID, state)
		return saveErr
	})
	if err != nil {
		slog.Warn("state persistence failed, continuing with dirty state",
			"session_id", state.SessionID,
			"error", err,
		)
		state.Flags.Dirty = true
		return state
	}

	state.Flags.Dirty = false
	s.drainPendingCheckpoints(ctx, state)
	return state
}

// Recover loads the latest state for a session, retrying on storage
// errors. On terminal failure, or when nothing is stored, it returns a
// fresh empty state rather than raising.
func (s *Store) Recover(ctx context.Context, sessionID string) *ConversationState {
	var loaded *ConversationState

	err := s.withRetries(ctx, "recover", sessionID, func() error {
		state, loadErr := s.backend.LoadState(ctx, sessionID, "")
		if loadErr != nil {
			return loadErr
		}
		loaded = state
		return nil
	})
	if err != nil {
		slog.Warn("state recovery failed, starting fresh",
			"session_id", sessionID,
			"error", err,
		)
		return NewState(sessionID)
	}

	if loaded == nil {
		return NewState(sessionID)
	}
	return loaded
}

// Checkpoint stores a named snapshot, enforcing the per-session cap by
// evicting the oldest checkpoint. On terminal failure the name is queued
// on the state's pending list for the next successful persist to drain.
func (s *Store) Checkpoint(ctx context.Context, name string, state *ConversationState) {
	err := s.withRetries(ctx, "checkpoint", state.SessionID, func() error {
		return s.saveCheckpointOnce(ctx, name, state)
	})
	if err != nil {
		slog.Warn("checkpoint failed, queued for later",
			"session_id", state.SessionID,
			"checkpoint", name,
			"error", err,
		)
		for _, pending := range state.Flags.PendingCheckpoints {
			if pending == name {
				return
			}
		}
		state.Flags.PendingCheckpoints = append(state.Flags.PendingCheckpoints, name)
	}
}

func (s *Store) saveCheckpointOnce(ctx context.Context, name string, state *ConversationState) error {
	id, err := s.backend.SaveCheckpoint(ctx, state.SessionID, name, state)
	if err != nil {
		return err
	}

	if state.Checkpoints == nil {
		state.Checkpoints = make(map[string]string)
	}
	state.Checkpoints[name] = id

	if err := s.enforceCheckpointCap(ctx, state); err != nil {
		// The snapshot itself is stored; a failed eviction only leaves
		// one extra row behind.
		slog.Warn("checkpoint cap enforcement failed",
			"session_id", state.SessionID,
			"error", err,
		)
	}
	return nil
}

func (s *Store) enforceCheckpointCap(ctx context.Context, state *ConversationState) error {
	infos, err := s.backend.ListCheckpoints(ctx, state.SessionID)
	if err != nil {
		return err
	}
	if len(infos) <= s.maxCheckpoints {
		return nil
	}

	// ListCheckpoints returns newest first; evict from the tail.
	for _, victim := range infos[s.maxCheckpoints:] {
		if err := s.backend.DeleteCheckpoint(ctx, state.SessionID, victim.ID); err != nil {
			return err
		}
		if state.Checkpoints[victim.Name] == victim.ID {
			delete(state.Checkpoints, victim.Name)
		}
	}
	return nil
}

// drainPendingCheckpoints retries queued checkpoint names in FIFO order,
// stopping at the first failure to preserve ordering.
func (s *Store) drainPendingCheckpoints(ctx context.Context, state *ConversationState) {
	for len(state.Flags.PendingCheckpoints) > 0 {
		name := state.Flags.PendingCheckpoints[0]
		if err := s.saveCheckpointOnce(ctx, name, state); err != nil {
			slog.Warn("pending checkpoint drain stopped",
				"session_id", state.SessionID,
				"checkpoint", name,
				"error", err,
			)
			return
		}
		state.Flags.PendingCheckpoints = state.Flags.PendingCheckpoints[1:]
		slog.Debug("pending checkpoint drained",
			"session_id", state.SessionID,
			"checkpoint", name,
		)
	}
	state.Flags.PendingCheckpoints = nil
}

// RollbackTo restores the state recorded at a named checkpoint. An empty
// name selects the most recent checkpoint.
func (s *Store) RollbackTo(ctx context.Context, sessionID, name string) (*ConversationState, error) {
	state, err := s.backend.Rollback(ctx, sessionID, name)
	if err != nil {
		return nil, fmt.Errorf("rollback session %s: %w", sessionID, err)
	}
	return state, nil
}

// ListCheckpoints returns the stored checkpoints for a session, newest
// first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]CheckpointInfo, error) {
	return s.backend.ListCheckpoints(ctx, sessionID)
}

// CleanExpired evicts sessions not updated since the cutoff.
func (s *Store) CleanExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.backend.CleanExpired(ctx, cutoff)
}

// Ping reports backend reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// withRetries runs op up to the configured attempt count, backing off
// between attempts. Only retryable error categories are reattempted, and
// a retry that cannot finish before the context deadline is abandoned.
func (s *Store) withRetries(ctx context.Context, op, sessionID string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= s.attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !errclass.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == s.attempts {
			break
		}

		wait := s.policy.Backoff(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			slog.Debug("retry abandoned, deadline too close",
				"op", op,
				"session_id", sessionID,
				"attempt", attempt,
			)
			break
		}

		slog.Debug("storage retry",
			"op", op,
			"session_id", sessionID,
			"attempt", attempt,
			"backoff", wait,
			"error", lastErr,
		)
		if s.onRetry != nil {
			s.onRetry(op)
		}
		if err := s.sleep(ctx, wait); err != nil {
			break
		}
	}

	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
