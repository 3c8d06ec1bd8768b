package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/strayhat/switchboard/internal/profile"
	"github.com/strayhat/switchboard/store"
)

// ============================================================================
// SQLITE SUPPORT POLICY
// ============================================================================
// SQLite serves development, testing and single-process deployments.
//
// Supported:
// - State snapshots, checkpoints and expiry sweeps
// - Single writer (the per-session lock already serializes writes)
//
// NOT supported:
// - Concurrent writers across processes (SQLite limitation)
// - Durable semantic recall: handler embeddings stay in the in-process
//   vector index and are recomputed on boot. Use PostgreSQL with
//   pgvector when re-embedding on restart is too expensive.
// ============================================================================

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a database specified by the profile's DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	// Ensure a DSN is set before attempting to open the database.
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect to the database with some sane settings:
	// - No shared-cache: it's obsolete; WAL journal mode is a better solution.
	// - No foreign key constraints: it's currently disabled by default, but it's a
	// good practice to be explicit and prevent future surprises on SQLite upgrades.
	// - Journal mode set to WAL: it's the recommended journal mode for most applications
	// as it prevents locking issues.
	//
	// Notes:
	// - When using the `modernc.org/sqlite` driver, each pragma must be prefixed with `_pragma=`.
	//
	// References:
	// - https://pkg.go.dev/modernc.org/sqlite#Driver.Open
	// - https://www.sqlite.org/sharedcache.html
	// - https://www.sqlite.org/pragma.html
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// A single connection is optimal with WAL mode for this write
	// pattern; the session lock upstream already serializes writers.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate creates the schema. The statement set is small enough to
// apply on every boot; CREATE IF NOT EXISTS keeps it idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrateStatements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply migration")
		}
	}
	return nil
}

// created_ts holds Unix nanoseconds: snapshot ordering must resolve
// saves landing within the same second.
var migrateStatements = []string{
	`CREATE TABLE IF NOT EXISTS orchestration_state (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		state_data TEXT NOT NULL,
		is_checkpoint INTEGER NOT NULL DEFAULT 0,
		checkpoint_name TEXT NOT NULL DEFAULT '',
		created_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orchestration_state_session
		ON orchestration_state (session_id, is_checkpoint, created_ts DESC)`,
}

func (d *DB) CreateState(ctx context.Context, create *store.OrchestrationState) error {
	stmt := `INSERT INTO orchestration_state (id, session_id, state_data, is_checkpoint, checkpoint_name, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.SessionID, string(create.StateData), boolToInt(create.IsCheckpoint),
		create.CheckpointName, create.CreatedAt.UnixNano())
	if err != nil {
		return errors.Wrap(err, "failed to create orchestration state")
	}

	return nil
}

func (d *DB) ListStates(ctx context.Context, find *store.FindOrchestrationState) ([]*store.OrchestrationState, error) {
	query := `SELECT id, session_id, state_data, is_checkpoint, checkpoint_name, created_ts
		FROM orchestration_state WHERE 1=1`
	args := []any{}

	if find.ID != nil {
		query += " AND id = ?"
		args = append(args, *find.ID)
	}
	if find.SessionID != nil {
		query += " AND session_id = ?"
		args = append(args, *find.SessionID)
	}
	if find.IsCheckpoint != nil {
		query += " AND is_checkpoint = ?"
		args = append(args, boolToInt(*find.IsCheckpoint))
	}
	if find.CheckpointName != nil {
		query += " AND checkpoint_name = ?"
		args = append(args, *find.CheckpointName)
	}

	query += " ORDER BY created_ts DESC"
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list orchestration states")
	}
	defer rows.Close()

	var states []*store.OrchestrationState
	for rows.Next() {
		var state store.OrchestrationState
		var data string
		var isCheckpoint int
		var createdTs int64
		if err := rows.Scan(&state.ID, &state.SessionID, &data, &isCheckpoint, &state.CheckpointName, &createdTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan orchestration state")
		}
		state.StateData = []byte(data)
		state.IsCheckpoint = isCheckpoint != 0
		state.CreatedAt = time.Unix(0, createdTs).UTC()
		states = append(states, &state)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating orchestration state rows")
	}

	return states, nil
}

func (d *DB) DeleteState(ctx context.Context, delete *store.DeleteOrchestrationState) error {
	stmt := "DELETE FROM orchestration_state WHERE 1=1"
	args := []any{}

	if delete.ID != nil {
		stmt += " AND id = ?"
		args = append(args, *delete.ID)
	}
	if delete.SessionID != nil {
		stmt += " AND session_id = ?"
		args = append(args, *delete.SessionID)
	}
	if len(args) == 0 {
		return errors.New("refusing unfiltered delete")
	}

	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete orchestration state")
	}

	return nil
}

func (d *DB) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT session_id FROM orchestration_state
		GROUP BY session_id HAVING MAX(created_ts) < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "failed to find expired sessions")
	}

	var expired []string
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan expired session")
		}
		expired = append(expired, sessionID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, errors.Wrap(err, "error iterating expired sessions")
	}
	rows.Close()

	for _, sessionID := range expired {
		if _, err := tx.ExecContext(ctx, "DELETE FROM orchestration_state WHERE session_id = ?", sessionID); err != nil {
			return 0, errors.Wrapf(err, "failed to delete expired session %s", sessionID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit expiry sweep")
	}

	return int64(len(expired)), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
