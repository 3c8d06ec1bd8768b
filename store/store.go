package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/strayhat/switchboard/core/errclass"
	"github.com/strayhat/switchboard/core/session"
	"github.com/strayhat/switchboard/internal/profile"
)

// Store provides database access to conversation state snapshots.
//
// It implements session.Backend. Every driver failure crossing this
// boundary is classified as a db_error so the session layer's retry
// policy recognizes it as storage trouble; encoding failures pass
// through unclassified because retrying them cannot help.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

var _ session.Backend = (*Store)(nil)

func (s *Store) GetDriver() Driver {
	return s.driver
}

// Migrate applies the driver's schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.driver.Migrate(ctx); err != nil {
		return dbError(err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// SaveState appends a regular snapshot row and returns its ID.
func (s *Store) SaveState(ctx context.Context, sessionID string, state *session.ConversationState) (string, error) {
	data, err := session.Marshal(state)
	if err != nil {
		return "", errors.Wrap(err, "encode state")
	}

	row := &OrchestrationState{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StateData: data,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.driver.CreateState(ctx, row); err != nil {
		return "", dbError(err)
	}
	return row.ID, nil
}

// LoadState returns the snapshot with the given ID, or the newest
// regular snapshot when stateID is empty. A session with nothing stored
// yields (nil, nil).
func (s *Store) LoadState(ctx context.Context, sessionID, stateID string) (*session.ConversationState, error) {
	find := &FindOrchestrationState{
		SessionID: &sessionID,
		Limit:     1,
	}
	if stateID != "" {
		find.ID = &stateID
	} else {
		regular := false
		find.IsCheckpoint = &regular
	}

	rows, err := s.driver.ListStates(ctx, find)
	if err != nil {
		return nil, dbError(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	state, err := session.Unmarshal(rows[0].StateData)
	if err != nil {
		return nil, errors.Wrapf(err, "decode state %s", rows[0].ID)
	}
	return state, nil
}

// SaveCheckpoint stores a named restore point and returns its row ID.
// Saving a name again appends a fresh row; readers always resolve a
// name to its newest row, so the rewrite wins without an upsert.
func (s *Store) SaveCheckpoint(ctx context.Context, sessionID, name string, state *session.ConversationState) (string, error) {
	data, err := session.Marshal(state)
	if err != nil {
		return "", errors.Wrap(err, "encode checkpoint")
	}

	row := &OrchestrationState{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		StateData:      data,
		IsCheckpoint:   true,
		CheckpointName: name,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.driver.CreateState(ctx, row); err != nil {
		return "", dbError(err)
	}
	return row.ID, nil
}

// Rollback returns the state recorded at a named checkpoint. An empty
// name selects the most recent checkpoint. The stored rows are left
// untouched; persisting the returned state is the caller's move.
func (s *Store) Rollback(ctx context.Context, sessionID, name string) (*session.ConversationState, error) {
	isCheckpoint := true
	find := &FindOrchestrationState{
		SessionID:    &sessionID,
		IsCheckpoint: &isCheckpoint,
		Limit:        1,
	}
	if name != "" {
		find.CheckpointName = &name
	}

	rows, err := s.driver.ListStates(ctx, find)
	if err != nil {
		return nil, dbError(err)
	}
	if len(rows) == 0 {
		if name == "" {
			return nil, errors.Errorf("no checkpoints for session %s", sessionID)
		}
		return nil, errors.Errorf("checkpoint %q not found for session %s", name, sessionID)
	}

	state, err := session.Unmarshal(rows[0].StateData)
	if err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", rows[0].ID)
	}
	return state, nil
}

// ListCheckpoints returns the session's checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]session.CheckpointInfo, error) {
	isCheckpoint := true
	rows, err := s.driver.ListStates(ctx, &FindOrchestrationState{
		SessionID:    &sessionID,
		IsCheckpoint: &isCheckpoint,
	})
	if err != nil {
		return nil, dbError(err)
	}

	infos := make([]session.CheckpointInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, session.CheckpointInfo{
			ID:        row.ID,
			Name:      row.CheckpointName,
			CreatedAt: row.CreatedAt,
		})
	}
	return infos, nil
}

// DeleteCheckpoint removes one checkpoint row by ID.
func (s *Store) DeleteCheckpoint(ctx context.Context, sessionID, checkpointID string) error {
	if err := s.driver.DeleteState(ctx, &DeleteOrchestrationState{
		ID:        &checkpointID,
		SessionID: &sessionID,
	}); err != nil {
		return dbError(err)
	}
	return nil
}

// CleanExpired evicts sessions whose newest snapshot predates the
// cutoff, returning the number of sessions removed.
func (s *Store) CleanExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	removed, err := s.driver.DeleteExpiredSessions(ctx, cutoff)
	if err != nil {
		return 0, dbError(err)
	}
	return removed, nil
}

// Ping reports driver reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.Ping(ctx); err != nil {
		return dbError(err)
	}
	return nil
}

func dbError(err error) error {
	return errclass.New(errclass.TypeDBError, "store", err)
}
