package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strayhat/switchboard/core/errclass"
)

// fakeBackend fails a configurable number of operations before healing.
type fakeBackend struct {
	mu sync.Mutex

	saveFailures       int
	checkpointFailures int
	loadFailures       int
	failType           errclass.Type

	states      map[string][]byte
	checkpoints []CheckpointInfo // newest first
	blobs       map[string][]byte
	deleted     []string

	saveCalls       int
	loadCalls       int
	checkpointCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failType: errclass.TypeDBError,
		states:   make(map[string][]byte),
		blobs:    make(map[string][]byte),
	}
}

func (b *fakeBackend) failure(op string) error {
	return errclass.New(b.failType, "store", errors.New(op+" unavailable"))
}

func (b *fakeBackend) SaveState(_ context.Context, sessionID string, state *ConversationState) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.saveCalls++
	if b.saveFailures > 0 {
		b.saveFailures--
		return "", b.failure("save")
	}

	data, err := Marshal(state)
	if err != nil {
		return "", err
	}
	b.states[sessionID] = data
	return fmt.Sprintf("state-%d", b.saveCalls), nil
}

func (b *fakeBackend) LoadState(_ context.Context, sessionID, _ string) (*ConversationState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.loadCalls++
	if b.loadFailures > 0 {
		b.loadFailures--
		return nil, b.failure("load")
	}

	data, ok := b.states[sessionID]
	if !ok {
		return nil, nil
	}
	return Unmarshal(data)
}

func (b *fakeBackend) SaveCheckpoint(_ context.Context, sessionID, name string, state *ConversationState) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkpointCalls++
	if b.checkpointFailures > 0 {
		b.checkpointFailures--
		return "", b.failure("checkpoint")
	}

	data, err := Marshal(state)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("cp-%d", b.checkpointCalls)
	b.blobs[id] = data
	b.checkpoints = append([]CheckpointInfo{{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}}, b.checkpoints...)
	return id, nil
}

func (b *fakeBackend) Rollback(_ context.Context, _ string, name string) (*ConversationState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, info := range b.checkpoints {
		if name == "" || info.Name == name {
			return Unmarshal(b.blobs[info.ID])
		}
	}
	return nil, errors.New("checkpoint not found")
}

func (b *fakeBackend) ListCheckpoints(_ context.Context, _ string) ([]CheckpointInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	infos := make([]CheckpointInfo, len(b.checkpoints))
	copy(infos, b.checkpoints)
	return infos, nil
}

func (b *fakeBackend) DeleteCheckpoint(_ context.Context, _ string, checkpointID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, info := range b.checkpoints {
		if info.ID == checkpointID {
			b.checkpoints = append(b.checkpoints[:i], b.checkpoints[i+1:]...)
			b.deleted = append(b.deleted, checkpointID)
			delete(b.blobs, checkpointID)
			return nil
		}
	}
	return errors.New("checkpoint not found")
}

func (b *fakeBackend) CleanExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (b *fakeBackend) Ping(_ context.Context) error { return nil }

var _ Backend = (*fakeBackend)(nil)

func fastPolicy() BackoffPolicy {
	return BackoffPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, Jitter: 0}
}

func TestPersistRetriesThenSucceeds(t *testing.T) {
	backend := newFakeBackend()
	backend.saveFailures = 2
	store := NewStore(backend, WithBackoffPolicy(fastPolicy()))

	state := NewState("sess-1")
	state.AppendUser("hello")

	result := store.Persist(context.Background(), state)

	assert.False(t, result.Flags.Dirty)
	assert.Equal(t, 3, backend.saveCalls)
	assert.Contains(t, backend.states, "sess-1")
}

func TestPersistTerminalFailureSetsDirty(t *testing.T) {
	backend := newFakeBackend()
	backend.saveFailures = 10
	store := NewStore(backend, WithBackoffPolicy(fastPolicy()))

	state := NewState("sess-1")
	result := store.Persist(context.Background(), state)

	assert.True(t, result.Flags.Dirty, "terminal persist failure must mark state dirty, not raise")
	assert.Equal(t, 3, backend.saveCalls)
}

func TestPersistDoesNotRetryNonStorageErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.saveFailures = 10
	backend.failType = errclass.TypeInvalidInput
	store := NewStore(backend, WithBackoffPolicy(fastPolicy()))

	state := NewState("sess-1")
	result := store.Persist(context.Background(), state)

	assert.True(t, result.Flags.Dirty)
	assert.Equal(t, 1, backend.saveCalls, "non-storage errors are not retried")
}

func TestPersistAbandonsRetryNearDeadline(t *testing.T) {
	backend := newFakeBackend()
	backend.saveFailures = 10
	store := NewStore(backend, WithBackoffPolicy(BackoffPolicy{
		Initial: 200 * time.Millisecond,
		Max:     time.Second,
		Factor:  2,
		Jitter:  0,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state := NewState("sess-1")
	result := store.Persist(ctx, state)

	assert.True(t, result.Flags.Dirty)
	assert.Equal(t, 1, backend.saveCalls, "retry exceeding the deadline is abandoned")
}

func TestRecoverRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	store := NewStore(backend, WithBackoffPolicy(fastPolicy()))
	ctx := context.Background()

	state := NewState("sess-1")
	state.AppendUser("hi")
	state.LastHandler = "greeter"
	store.Persist(ctx, state)

	recovered := store.Recover(ctx, "sess-1")
	assert.Equal(t, "sess-1", recovered.SessionID)
	assert.Equal(t, "greeter", recovered.LastHandler)
	require.Len(t, recovered.Messages, 1)
}

func TestRecoverFallsBackToEmptyState(t *testing.T) {
	backend := newFakeBackend()
	backend.loadFailures = 10
	store := NewStore(backend, WithBackoffPolicy(fastPolicy()))

	recovered := store.Recover(context.Background(), "sess-unknown")

	require.NotNil(t, recovered)
	assert.Equal(t, "sess-unknown", recovered.SessionID)
	assert.Empty(t, recovered.Messages)
	assert.Equal(t, 3, backend.loadCalls)
}

func TestRecoverUnknownSessionIsFresh(t *testing.T) {
	backend := newFakeBackend()
	store := NewStore(backend, WithBackoffPolicy(fastPolicy()))

	recovered := store.Recover(context.Background(), "never-seen")
	assert.Equal(t, "never-seen", recovered.SessionID)
	assert.Empty(t, recovered.Messages)
}

func TestCheckpointFailureQueuesAndDrains(t *testing.T) {
	backend := newFakeBackend()
	backend.checkpointFailures = 3 // all checkpoint attempts fail
	store := NewStore(backend, WithBackoffPolicy(fastPolicy()))
	ctx := context.Background()

	state := NewState("sess-1")
	store.Checkpoint(ctx, "interaction_1", state)

	require.Equal(t, []string{"interaction_1"}, state.Flags.PendingCheckpoints)

	// Backend healed: the next successful persist drains the queue.
	result := store.Persist(ctx, state)

	assert.Empty(t, result.Flags.PendingCheckpoints)
	assert.False(t, result.Flags.Dirty)
	require.Len(t, backend.checkpoints, 1)
	assert.Equal(t, "interaction_1", backend.checkpoints[0].Name)
	assert.Equal(t, backend.checkpoints[0].ID, result.Checkpoints["interaction_1"])
}

func TestCheckpointCapEvictsOldest(t *testing.T) {
	backend := newFakeBackend()
	store := NewStore(backend, WithBackoffPolicy(fastPolicy()), WithMaxCheckpoints(2))
	ctx := context.Background()

	state := NewState("sess-1")
	store.Checkpoint(ctx, "interaction_1", state)
	store.Checkpoint(ctx, "interaction_2", state)
	store.Checkpoint(ctx, "interaction_3", state)

	infos, err := store.ListCheckpoints(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "interaction_3", infos[0].Name)
	assert.Equal(t, "interaction_2", infos[1].Name)

	require.Len(t, backend.deleted, 1)
	assert.Equal(t, "cp-1", backend.deleted[0])
	assert.NotContains(t, state.Checkpoints, "interaction_1")
}

func TestRollbackRestoresCheckpointState(t *testing.T) {
	backend := newFakeBackend()
	store := NewStore(backend, WithBackoffPolicy(fastPolicy()))
	ctx := context.Background()

	state := NewState("sess-1")
	state.AppendUser("first")
	store.Checkpoint(ctx, "interaction_1", state)

	state.AppendUser("second")
	state.AppendUser("third")
	store.Persist(ctx, state)

	restored, err := store.RollbackTo(ctx, "sess-1", "interaction_1")
	require.NoError(t, err)
	require.Len(t, restored.Messages, 1)
	assert.Equal(t, "first", restored.Messages[0].Content)
}
