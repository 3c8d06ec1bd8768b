package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/strayhat/switchboard/internal/profile"
	"github.com/strayhat/switchboard/store"
)

// DB is the PostgreSQL driver: the production choice, with concurrent
// writers and pgvector-backed handler recall. The pgvector extension
// must be installed; Migrate creates it if the role has the privilege.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a connection pool against the profile's DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, fmt.Errorf("dsn required")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres db: %w", err)
	}

	// Modest pool: state writes are short and serialized per session
	// upstream, so connections churn quickly.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &DB{db: db, profile: profile}, nil
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

// Migrate creates the schema, idempotently.
//
// created_ts holds Unix nanoseconds: snapshot ordering must resolve
// saves landing within the same second. The handler_embedding vector
// column is declared without dimensions because the width follows the
// configured embedding model.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrateStatements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(stmt, "EXTENSION") {
				return fmt.Errorf("failed to create vector extension (is pgvector installed?): %w", err)
			}
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

var migrateStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS orchestration_state (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		state_data JSONB NOT NULL,
		is_checkpoint BOOLEAN NOT NULL DEFAULT FALSE,
		checkpoint_name TEXT NOT NULL DEFAULT '',
		created_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orchestration_state_session
		ON orchestration_state (session_id, is_checkpoint, created_ts DESC)`,
	`CREATE TABLE IF NOT EXISTS handler_embedding (
		handler_id TEXT PRIMARY KEY,
		handler_name TEXT NOT NULL,
		text_hash TEXT NOT NULL,
		embedding vector NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_handler_embedding_recall
		ON handler_embedding (handler_name, text_hash)`,
}

func (d *DB) CreateState(ctx context.Context, create *store.OrchestrationState) error {
	stmt := `INSERT INTO orchestration_state (id, session_id, state_data, is_checkpoint, checkpoint_name, created_ts)
		VALUES (` + placeholders(6) + `)`

	_, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.SessionID, create.StateData, create.IsCheckpoint,
		create.CheckpointName, create.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create orchestration state: %w", err)
	}

	return nil
}

func (d *DB) ListStates(ctx context.Context, find *store.FindOrchestrationState) ([]*store.OrchestrationState, error) {
	query := `SELECT id, session_id, state_data, is_checkpoint, checkpoint_name, created_ts
		FROM orchestration_state WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if find.ID != nil {
		query += fmt.Sprintf(" AND id = %s", placeholder(argIdx))
		args = append(args, *find.ID)
		argIdx++
	}
	if find.SessionID != nil {
		query += fmt.Sprintf(" AND session_id = %s", placeholder(argIdx))
		args = append(args, *find.SessionID)
		argIdx++
	}
	if find.IsCheckpoint != nil {
		query += fmt.Sprintf(" AND is_checkpoint = %s", placeholder(argIdx))
		args = append(args, *find.IsCheckpoint)
		argIdx++
	}
	if find.CheckpointName != nil {
		query += fmt.Sprintf(" AND checkpoint_name = %s", placeholder(argIdx))
		args = append(args, *find.CheckpointName)
	}

	query += " ORDER BY created_ts DESC"
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orchestration states: %w", err)
	}
	defer rows.Close()

	var states []*store.OrchestrationState
	for rows.Next() {
		var state store.OrchestrationState
		var createdTs int64
		err := rows.Scan(&state.ID, &state.SessionID, &state.StateData, &state.IsCheckpoint, &state.CheckpointName, &createdTs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan orchestration state: %w", err)
		}
		state.CreatedAt = time.Unix(0, createdTs).UTC()
		states = append(states, &state)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orchestration state rows: %w", err)
	}

	return states, nil
}

func (d *DB) DeleteState(ctx context.Context, delete *store.DeleteOrchestrationState) error {
	stmt := "DELETE FROM orchestration_state WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if delete.ID != nil {
		stmt += fmt.Sprintf(" AND id = %s", placeholder(argIdx))
		args = append(args, *delete.ID)
		argIdx++
	}
	if delete.SessionID != nil {
		stmt += fmt.Sprintf(" AND session_id = %s", placeholder(argIdx))
		args = append(args, *delete.SessionID)
	}
	if len(args) == 0 {
		return fmt.Errorf("refusing unfiltered delete")
	}

	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to delete orchestration state: %w", err)
	}

	return nil
}

func (d *DB) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT session_id FROM orchestration_state
		GROUP BY session_id HAVING MAX(created_ts) < `+placeholder(1), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to find expired sessions: %w", err)
	}

	var expired []string
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired session: %w", err)
		}
		expired = append(expired, sessionID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating expired sessions: %w", err)
	}
	rows.Close()

	for _, sessionID := range expired {
		if _, err := tx.ExecContext(ctx, "DELETE FROM orchestration_state WHERE session_id = "+placeholder(1), sessionID); err != nil {
			return 0, fmt.Errorf("failed to delete expired session %s: %w", sessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit expiry sweep: %w", err)
	}

	return int64(len(expired)), nil
}

// placeholder returns the positional parameter marker for index n.
func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// placeholders returns "$1, $2, ..., $n".
func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}
