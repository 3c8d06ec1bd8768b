package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_Creation(t *testing.T) {
	testCases := []struct {
		name      string
		capacity  int
		ttl       time.Duration
		expectCap int
	}{
		{"default values", 0, 0, 1000},
		{"custom capacity", 500, 0, 500},
		{"negative capacity falls back", -3, time.Minute, 1000},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewLRU[string, int](tc.capacity, tc.ttl)
			assert.Equal(t, tc.expectCap, c.Capacity())
			assert.Equal(t, 0, c.Size())
		})
	}
}

func TestLRU_BasicSetGet(t *testing.T) {
	c := NewLRU[string, string](100, time.Minute)

	t.Run("set and get returns value", func(t *testing.T) {
		c.Set("k", "v")
		got, ok := c.Get("k")
		require.True(t, ok)
		assert.Equal(t, "v", got)
	})

	t.Run("get missing key returns false", func(t *testing.T) {
		_, ok := c.Get("missing")
		assert.False(t, ok)
	})

	t.Run("set overwrites existing", func(t *testing.T) {
		c.Set("k", "v2")
		got, _ := c.Get("k")
		assert.Equal(t, "v2", got)
		assert.Equal(t, 1, c.Size())
	})
}

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU[string, int](3, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the oldest.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)
	assert.Equal(t, 3, c.Size())
	assert.False(t, c.Contains("b"), "least recently used entry should be evicted")
	assert.True(t, c.Contains("a"))
	assert.True(t, c.Contains("c"))
	assert.True(t, c.Contains("d"))
}

func TestLRU_TTLExpiry(t *testing.T) {
	c := NewLRU[string, int](10, time.Minute)
	c.SetTTL("short", 1, 10*time.Millisecond)
	c.Set("long", 2)

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok, "expired entry should not be returned")
	_, ok = c.Get("long")
	assert.True(t, ok)

	c.SetTTL("short2", 3, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	removed := c.CleanupExpired()
	assert.Equal(t, 1, removed)
}

func TestLRU_RemoveAndClear(t *testing.T) {
	c := NewLRU[string, int](10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, 1, c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Size())
	assert.False(t, c.Contains("b"))
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	c := NewVectorLRU(100)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("key-%d", j%50)
				c.Set(key, []float32{float32(n), float32(j)})
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 100)
}
