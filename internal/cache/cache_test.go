package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/kbindex/internal/storage/filetree"
	"github.com/standardbeagle/kbindex/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestCache(t *testing.T, maxEntries int, ttl time.Duration) *Cache {
	t.Helper()
	root := t.TempDir()
	b := filetree.New(root)
	require.NoError(t, b.Init())
	return New(b, maxEntries, ttl)
}

func TestSetGet_RoundTrip(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	c.Set("k1", []byte("value"), 0, types.CacheEntryMeta{})

	ce, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "value", string(ce.ValueBytes))
}

func TestGet_MissIncrementsMisses(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	_, ok := c.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Metrics().Misses)
}

func TestGet_PromotesFromDiskToMemory(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	c.Set("k1", []byte("v"), 0, types.CacheEntryMeta{})

	c.deleteMemory("k1")

	ce, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v", string(ce.ValueBytes))

	_, inMem := c.memory.Load("k1")
	assert.True(t, inMem, "expected disk hit to be promoted back into memory")
}

func TestGet_ExpiredTTLIsTreatedAsMiss(t *testing.T) {
	c := newTestCache(t, 10, time.Millisecond)
	c.Set("k1", []byte("v"), time.Millisecond, types.CacheEntryMeta{})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestHas_IsSideEffectFree(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	c.Set("k1", []byte("v"), 0, types.CacheEntryMeta{})

	assert.True(t, c.Has("k1"))
	assert.Equal(t, int64(0), c.Metrics().Hits, "Has must not count as a hit")
}

func TestEviction_StrictLRUWhenOverCapacity(t *testing.T) {
	c := newTestCache(t, 2, time.Hour)
	c.Set("a", []byte("a"), 0, types.CacheEntryMeta{})
	time.Sleep(time.Millisecond)
	c.Set("b", []byte("b"), 0, types.CacheEntryMeta{})
	time.Sleep(time.Millisecond)

	// touch "a" so it is more recently used than "b"
	_, _ = c.Get("a")
	time.Sleep(time.Millisecond)

	c.Set("c", []byte("c"), 0, types.CacheEntryMeta{})

	_, hasB := c.memory.Load("b")
	_, hasA := c.memory.Load("a")
	_, hasC := c.memory.Load("c")

	assert.False(t, hasB, "least recently used entry should be evicted")
	assert.True(t, hasA)
	assert.True(t, hasC)
	assert.Equal(t, int64(1), c.Metrics().Evictions)
}

func TestInvalidate_RemovesFromBothTiers(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	c.Set("k1", []byte("v"), 0, types.CacheEntryMeta{})
	c.Invalidate("k1")

	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestInvalidatePattern_MatchesSubstring(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	c.Set("file:/a.go", []byte("a"), 0, types.CacheEntryMeta{})
	c.Set("file:/b.go", []byte("b"), 0, types.CacheEntryMeta{})
	c.Set("project:/x", []byte("x"), 0, types.CacheEntryMeta{})

	c.InvalidatePattern("file:")

	_, okA := c.Get("file:/a.go")
	_, okB := c.Get("file:/b.go")
	_, okX := c.Get("project:/x")
	assert.False(t, okA)
	assert.False(t, okB)
	assert.True(t, okX)
}

func TestInvalidateByFile_EvictsStaleMtimeEntries(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	dir := t.TempDir()
	path := filepath.Join(dir, "f.go")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	c.Set("file:f.go", []byte("cached"), 0, types.CacheEntryMeta{FileMtime: time.Now().Add(-time.Hour)})

	require.NoError(t, c.InvalidateByFile(path))

	_, ok := c.Get("file:f.go")
	assert.False(t, ok)
}

func TestGetOrCompute_SingleflightDeduplicatesConcurrentMisses(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)

	var calls int32
	var mu sync.Mutex
	compute := func() ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return []byte("computed"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := c.GetOrCompute("shared-key", 0, types.CacheEntryMeta{}, compute)
			require.NoError(t, err)
			results[idx] = v
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), calls, "fn should run exactly once across concurrent callers")
	for _, r := range results {
		assert.Equal(t, "computed", string(r))
	}
}

func TestMetrics_HitRate(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	c.Set("k1", []byte("v"), 0, types.CacheEntryMeta{})

	_, _ = c.Get("k1")
	_, _ = c.Get("missing")

	stats := c.Metrics()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}

func TestOptimize_RemovesExpiredDiskEntries(t *testing.T) {
	c := newTestCache(t, 10, time.Millisecond)
	c.Set("k1", []byte("v"), time.Millisecond, types.CacheEntryMeta{})
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, c.Optimize())

	if c.backend != nil {
		keys, err := c.backend.List(".cache/analysis")
		require.NoError(t, err)
		assert.Empty(t, keys)
	}
}
