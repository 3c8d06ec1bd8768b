package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/strayhat/switchboard/core/registry"
)

// VectorIndex keeps handler embeddings in pgvector so registrations
// survive restarts and unchanged handlers skip the embedding call on
// boot. It satisfies both the index and the recall interfaces of the
// registry.
type VectorIndex struct {
	db *sql.DB
}

// VectorIndex returns the pgvector-backed registry index for this
// database.
func (d *DB) VectorIndex() *VectorIndex {
	return &VectorIndex{db: d.db}
}

var (
	_ registry.VectorIndex    = (*VectorIndex)(nil)
	_ registry.VectorRecaller = (*VectorIndex)(nil)
)

// Upsert inserts or replaces a handler's embedding row.
func (v *VectorIndex) Upsert(ctx context.Context, handlerID, name, textHash string, vector []float32) error {
	stmt := `
		INSERT INTO handler_embedding (handler_id, handler_name, text_hash, embedding, updated_ts)
		VALUES (` + placeholders(5) + `)
		ON CONFLICT (handler_id)
		DO UPDATE SET
			handler_name = EXCLUDED.handler_name,
			text_hash = EXCLUDED.text_hash,
			embedding = EXCLUDED.embedding,
			updated_ts = EXCLUDED.updated_ts
	`

	_, err := v.db.ExecContext(ctx, stmt,
		handlerID,
		name,
		textHash,
		pgvector.NewVector(vector),
		time.Now().Unix(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to upsert handler embedding")
	}

	return nil
}

// Remove deletes a handler's embedding row.
func (v *VectorIndex) Remove(ctx context.Context, handlerID string) error {
	_, err := v.db.ExecContext(ctx,
		"DELETE FROM handler_embedding WHERE handler_id = "+placeholder(1), handlerID)
	if err != nil {
		return errors.Wrap(err, "failed to delete handler embedding")
	}

	return nil
}

// Search returns the handlers nearest to the query vector, best first.
// Scores are cosine similarity, matching the in-memory index.
func (v *VectorIndex) Search(ctx context.Context, vector []float32, limit int) ([]registry.VectorMatch, error) {
	query := `
		SELECT handler_id, 1 - (embedding <=> ` + placeholder(1) + `) AS score
		FROM handler_embedding
		ORDER BY embedding <=> ` + placeholder(1)
	if limit > 0 {
		query += " LIMIT " + placeholder(2)
	}

	args := []any{pgvector.NewVector(vector)}
	if limit > 0 {
		args = append(args, limit)
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search handler embeddings")
	}
	defer rows.Close()

	var matches []registry.VectorMatch
	for rows.Next() {
		var match registry.VectorMatch
		if err := rows.Scan(&match.HandlerID, &match.Score); err != nil {
			return nil, errors.Wrap(err, "failed to scan handler match")
		}
		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating handler matches")
	}

	return matches, nil
}

// Recall returns the stored vector for a handler whose embedding text
// is unchanged, letting registration skip the embedding call. A miss
// returns (nil, nil).
func (v *VectorIndex) Recall(ctx context.Context, name, textHash string) ([]float32, error) {
	var vector pgvector.Vector
	err := v.db.QueryRowContext(ctx, `
		SELECT embedding FROM handler_embedding
		WHERE handler_name = `+placeholder(1)+` AND text_hash = `+placeholder(2)+`
		ORDER BY updated_ts DESC
		LIMIT 1`,
		name, textHash,
	).Scan(&vector)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to recall handler embedding")
	}

	return vector.Slice(), nil
}
