package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/strayhat/switchboard/core/cache"
)

// CachedService wraps a Service with an LRU vector cache.
// Handler descriptions are embedded once at registration and user messages
// repeat across sessions, so cache hits skip the provider round trip entirely.
type CachedService struct {
	inner  Service
	cache  *cache.VectorLRU
	onHit  func()
	onMiss func()
}

// Option configures a CachedService.
type Option func(*CachedService)

// WithCacheObserver registers callbacks invoked on every cache hit and miss.
func WithCacheObserver(onHit, onMiss func()) Option {
	return func(s *CachedService) {
		s.onHit = onHit
		s.onMiss = onMiss
	}
}

// NewCachedService wraps svc with a vector cache of the given capacity.
// capacity <= 0 falls back to the cache default.
func NewCachedService(svc Service, capacity int, opts ...Option) *CachedService {
	s := &CachedService{
		inner: svc,
		cache: cache.NewVectorLRU(capacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Service = (*CachedService)(nil)

func (s *CachedService) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if vec, ok := s.cache.Get(key); ok {
		s.hit()
		return vec, nil
	}
	s.miss()

	vec, err := s.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.cache.Set(key, vec)
	return vec, nil
}

func (s *CachedService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if vec, ok := s.cache.Get(cacheKey(text)); ok {
			s.hit()
			vectors[i] = vec
			continue
		}
		s.miss()
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	fetched, err := s.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}

	for i, vec := range fetched {
		if i >= len(missingIdx) {
			break
		}
		idx := missingIdx[i]
		vectors[idx] = vec
		s.cache.Set(cacheKey(texts[idx]), vec)
	}

	return vectors, nil
}

func (s *CachedService) Dimensions() int {
	return s.inner.Dimensions()
}

// CacheSize returns the number of cached vectors, for telemetry.
func (s *CachedService) CacheSize() int {
	return s.cache.Size()
}

func (s *CachedService) hit() {
	if s.onHit != nil {
		s.onHit()
	}
}

func (s *CachedService) miss() {
	if s.onMiss != nil {
		s.onMiss()
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
