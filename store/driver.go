package store

import (
	"context"
	"time"
)

// Driver is an interface for orchestration state storage drivers.
type Driver interface {
	// CreateState inserts one snapshot row. The caller supplies the ID
	// and CreatedAt; drivers never fill defaults.
	CreateState(ctx context.Context, create *OrchestrationState) error

	// ListStates returns matching rows, newest first.
	ListStates(ctx context.Context, find *FindOrchestrationState) ([]*OrchestrationState, error)

	// DeleteState removes matching rows. At least one filter field must
	// be set; drivers refuse an unfiltered delete.
	DeleteState(ctx context.Context, delete *DeleteOrchestrationState) error

	// DeleteExpiredSessions removes every row of sessions whose newest
	// row is older than the cutoff, returning the number of sessions
	// removed. A session with any recent activity keeps its full
	// history, checkpoints included.
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)

	// Migrate creates or upgrades the schema. It is idempotent and runs
	// on every boot.
	Migrate(ctx context.Context) error

	Ping(ctx context.Context) error
	Close() error
}
