// Package memory implements the state store on process-local memory.
// It backs tests and the zero-configuration default; every datum
// disappears on restart, which is exactly what a scratch deployment
// wants and exactly what a production one does not.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/strayhat/switchboard/store"
)

// DB is an in-memory store.Driver. Rows are bucketed per session in
// insert order; reads return copies so callers never alias internal
// state.
type DB struct {
	mu       sync.RWMutex
	sessions map[string][]*store.OrchestrationState
}

func NewDB() *DB {
	return &DB{sessions: make(map[string][]*store.OrchestrationState)}
}

var _ store.Driver = (*DB)(nil)

func (d *DB) CreateState(_ context.Context, create *store.OrchestrationState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sessions[create.SessionID] = append(d.sessions[create.SessionID], copyRow(create))
	return nil
}

func (d *DB) ListStates(_ context.Context, find *store.FindOrchestrationState) ([]*store.OrchestrationState, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var rows []*store.OrchestrationState
	scan := func(bucket []*store.OrchestrationState) {
		// Walk backwards so equal timestamps keep reverse insert order
		// through the stable sort below.
		for i := len(bucket) - 1; i >= 0; i-- {
			if matches(find, bucket[i]) {
				rows = append(rows, copyRow(bucket[i]))
			}
		}
	}

	if find.SessionID != nil {
		scan(d.sessions[*find.SessionID])
	} else {
		for _, bucket := range d.sessions {
			scan(bucket)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	if find.Limit > 0 && len(rows) > find.Limit {
		rows = rows[:find.Limit]
	}
	return rows, nil
}

func (d *DB) DeleteState(_ context.Context, delete *store.DeleteOrchestrationState) error {
	if delete.ID == nil && delete.SessionID == nil {
		return errors.New("refusing unfiltered delete")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.deleteLocked(delete.ID, delete.SessionID)
	return nil
}

func (d *DB) deleteLocked(id, sessionID *string) {
	if id == nil {
		delete(d.sessions, *sessionID)
		return
	}

	prune := func(session string) {
		bucket := d.sessions[session]
		kept := bucket[:0]
		for _, row := range bucket {
			if row.ID != *id {
				kept = append(kept, row)
			}
		}
		if len(kept) == 0 {
			delete(d.sessions, session)
		} else {
			d.sessions[session] = kept
		}
	}

	if sessionID != nil {
		prune(*sessionID)
		return
	}
	for session := range d.sessions {
		prune(session)
	}
}

func (d *DB) DeleteExpiredSessions(_ context.Context, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed int64
	for sessionID, bucket := range d.sessions {
		if newestCreatedAt(bucket).Before(cutoff) {
			delete(d.sessions, sessionID)
			removed++
		}
	}
	return removed, nil
}

func (d *DB) Migrate(context.Context) error { return nil }

func (d *DB) Ping(context.Context) error { return nil }

func (d *DB) Close() error { return nil }

// Len reports the total stored row count, for tests.
func (d *DB) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, bucket := range d.sessions {
		n += len(bucket)
	}
	return n
}

func matches(find *store.FindOrchestrationState, row *store.OrchestrationState) bool {
	if find.ID != nil && row.ID != *find.ID {
		return false
	}
	if find.SessionID != nil && row.SessionID != *find.SessionID {
		return false
	}
	if find.IsCheckpoint != nil && row.IsCheckpoint != *find.IsCheckpoint {
		return false
	}
	if find.CheckpointName != nil && row.CheckpointName != *find.CheckpointName {
		return false
	}
	return true
}

func copyRow(row *store.OrchestrationState) *store.OrchestrationState {
	dup := *row
	dup.StateData = append([]byte(nil), row.StateData...)
	return &dup
}

func newestCreatedAt(bucket []*store.OrchestrationState) time.Time {
	var newest time.Time
	for _, row := range bucket {
		if row.CreatedAt.After(newest) {
			newest = row.CreatedAt
		}
	}
	return newest
}
