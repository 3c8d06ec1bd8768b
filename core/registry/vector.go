package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/strayhat/switchboard/core/embedding"
)

// VectorMatch is one semantic search hit.
type VectorMatch struct {
	HandlerID string
	Score     float64
}

// VectorIndex stores handler embeddings and serves similarity search for
// the router's semantic stage. The default index lives in memory; a
// database-backed implementation additionally survives restarts.
type VectorIndex interface {
	// Upsert stores the embedding for a handler. The text hash identifies
	// the exact definition text the vector was computed from.
	Upsert(ctx context.Context, handlerID, name, textHash string, vector []float32) error

	// Remove deletes a handler's embedding.
	Remove(ctx context.Context, handlerID string) error

	// Search returns up to limit handlers by cosine similarity, best
	// first. Scores are in [-1, 1].
	Search(ctx context.Context, vector []float32, limit int) ([]VectorMatch, error)
}

// VectorRecaller is an optional VectorIndex extension: persistent
// indexes can hand back a previously computed vector for an unchanged
// definition, saving the provider round trip on re-registration.
type VectorRecaller interface {
	// Recall returns the stored vector for a handler name whose
	// definition text still hashes to textHash, or nil when absent.
	Recall(ctx context.Context, name, textHash string) ([]float32, error)
}

// HashEmbeddingText fingerprints the definition text a vector was
// computed from.
func HashEmbeddingText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MemoryVectorIndex is the in-process VectorIndex. Writers serialize,
// readers share the lock.
type MemoryVectorIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewMemoryVectorIndex creates an empty in-memory index.
func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{vectors: make(map[string][]float32)}
}

var _ VectorIndex = (*MemoryVectorIndex)(nil)

func (m *MemoryVectorIndex) Upsert(_ context.Context, handlerID, _, _ string, vector []float32) error {
	copied := make([]float32, len(vector))
	copy(copied, vector)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[handlerID] = copied
	return nil
}

func (m *MemoryVectorIndex) Remove(_ context.Context, handlerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, handlerID)
	return nil
}

func (m *MemoryVectorIndex) Search(_ context.Context, vector []float32, limit int) ([]VectorMatch, error) {
	m.mu.RLock()
	matches := make([]VectorMatch, 0, len(m.vectors))
	for id, stored := range m.vectors {
		matches = append(matches, VectorMatch{
			HandlerID: id,
			Score:     embedding.CosineSimilarity(vector, stored),
		})
	}
	m.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Len returns the number of indexed handlers.
func (m *MemoryVectorIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}
