package store

import "time"

// OrchestrationState is one immutable snapshot of a conversation.
// Regular rows form a session's save history; checkpoint rows are named
// restore points that outlive later saves. Snapshots are append-only:
// a save never mutates earlier rows, so a half-written update can at
// worst lose the newest snapshot, never corrupt an older one.
type OrchestrationState struct {
	ID        string
	SessionID string

	// StateData is the JSON-encoded conversation state.
	StateData []byte

	IsCheckpoint   bool
	CheckpointName string
	CreatedAt      time.Time
}

type FindOrchestrationState struct {
	ID             *string
	SessionID      *string
	IsCheckpoint   *bool
	CheckpointName *string

	// Limit caps the result set; zero means unbounded. Results are
	// always returned newest first.
	Limit int
}

type DeleteOrchestrationState struct {
	ID        *string
	SessionID *string
}
