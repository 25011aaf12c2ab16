// Package cache implements the two-tier analysis cache (C2): an
// in-process memory tier backed by sync.Map plus a disk tier persisted
// through a storage.Backend, with TTL expiry, LRU eviction, and a
// singleflight barrier guaranteeing at most one concurrent
// compute-and-insert per key.
package cache

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/fingerprint"
	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/storage"
	"github.com/standardbeagle/kbindex/internal/types"
)

// entry is the in-memory representation of a cache slot. ce holds the
// value and metadata set once at insertion; accessCount/lastUsed are
// updated on every read via atomics rather than ce's own fields, so a
// Get never takes a lock to record access.
type entry struct {
	ce          types.CacheEntry
	expiresAt   time.Time // zero means no TTL
	accessCount int64     // atomic
	lastUsed    int64     // atomic, UnixNano
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// touch records an access without taking any lock.
func (e *entry) touch(now time.Time) {
	atomic.AddInt64(&e.accessCount, 1)
	atomic.StoreInt64(&e.lastUsed, now.UnixNano())
}

// snapshot folds the atomic access counters back into a types.CacheEntry.
func (e *entry) snapshot() types.CacheEntry {
	ce := e.ce
	ce.AccessCount = atomic.LoadInt64(&e.accessCount)
	ce.LastUsed = time.Unix(0, atomic.LoadInt64(&e.lastUsed))
	return ce
}

// Stats carries the metrics() surface from spec §4.2.
type Stats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	MemoryEntries int64
	DiskBytes     int64
	EMAResponseMs float64
}

// Cache is the two-tier analysis cache. DefaultTTL and MaxMemoryEntries
// come from config.Cache; Backend is the disk tier.
type Cache struct {
	backend storage.Backend

	memory   sync.Map   // string -> *entry; readers never block on it
	memCount int64      // atomic, mirrors len(memory) without a Range
	evictMu  sync.Mutex // coarse lock reserved for the eviction sweep only
	maxMem   int
	ttl      time.Duration

	group singleflight.Group

	hits, misses, evictions int64
	emaMu                   sync.Mutex
	ema                     float64
}

// New constructs a Cache. backend may be nil, in which case the disk
// tier is disabled and every miss simply proceeds to memory-only
// storage (used by callers that want cache semantics without
// persistence, e.g. tests).
func New(backend storage.Backend, maxMemoryEntries int, defaultTTL time.Duration) *Cache {
	if maxMemoryEntries <= 0 {
		maxMemoryEntries = 2000
	}
	return &Cache{
		backend: backend,
		maxMem:  maxMemoryEntries,
		ttl:     defaultTTL,
	}
}

func diskKey(key string) string {
	return ".cache/analysis/" + key + ".json"
}

// Get looks up key, checking memory first then disk. A disk hit is
// promoted into memory (subject to eviction).
func (c *Cache) Get(key string) (types.CacheEntry, bool) {
	now := time.Now()
	start := time.Now()
	defer func() { c.recordLatency(time.Since(start)) }()

	if v, ok := c.memory.Load(key); ok {
		e := v.(*entry)
		if e.expired(now) {
			c.deleteMemory(key)
			atomic.AddInt64(&c.misses, 1)
			c.diskDelete(key)
			return types.CacheEntry{}, false
		}
		e.touch(now)
		atomic.AddInt64(&c.hits, 1)
		return e.snapshot(), true
	}

	if c.backend == nil {
		atomic.AddInt64(&c.misses, 1)
		return types.CacheEntry{}, false
	}

	raw, _, err := c.backend.Read(diskKey(key))
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		return types.CacheEntry{}, false
	}

	var ce types.CacheEntry
	if err := json.Unmarshal(raw, &ce); err != nil {
		debug.Warn("CACHE", "corrupt disk entry for %s: %v", key, err)
		c.diskDelete(key)
		atomic.AddInt64(&c.misses, 1)
		return types.CacheEntry{}, false
	}

	if ce.TTLMs > 0 && now.After(ce.CreatedAt.Add(time.Duration(ce.TTLMs)*time.Millisecond)) {
		c.diskDelete(key)
		atomic.AddInt64(&c.misses, 1)
		return types.CacheEntry{}, false
	}

	ce.AccessCount++
	ce.LastUsed = now
	c.promote(key, ce)
	atomic.AddInt64(&c.hits, 1)
	debug.LogCache("promoted %s from disk to memory", key)
	return ce, true
}

// Has is a cheap TTL-aware existence check with no side effects.
func (c *Cache) Has(key string) bool {
	now := time.Now()
	if v, ok := c.memory.Load(key); ok {
		return !v.(*entry).expired(now)
	}

	if c.backend == nil {
		return false
	}
	raw, _, err := c.backend.Read(diskKey(key))
	if err != nil {
		return false
	}
	var ce types.CacheEntry
	if json.Unmarshal(raw, &ce) != nil {
		return false
	}
	return ce.TTLMs == 0 || now.Before(ce.CreatedAt.Add(time.Duration(ce.TTLMs)*time.Millisecond))
}

// Set writes value to both tiers. ttl of zero uses the cache's
// DefaultTTL; a negative ttl means never expire.
func (c *Cache) Set(key string, value []byte, ttl time.Duration, meta types.CacheEntryMeta) {
	if ttl == 0 {
		ttl = c.ttl
	}
	now := time.Now()
	ce := types.CacheEntry{
		Key:         key,
		ValueBytes:  value,
		CreatedAt:   now,
		LastUsed:    now,
		AccessCount: 0,
		SizeBytes:   int64(len(value)),
		ContentHash: fingerprint.HashBytes(value),
		Meta:        meta,
	}
	if ttl > 0 {
		ce.TTLMs = ttl.Milliseconds()
	}

	c.promote(key, ce)

	if c.backend != nil {
		raw, err := json.Marshal(ce)
		if err != nil {
			debug.Warn("CACHE", "failed to marshal entry %s: %v", key, err)
			return
		}
		if err := c.backend.Write(diskKey(key), raw, nil); err != nil {
			debug.Warn("CACHE", "failed to persist entry %s: %v", key, err)
		}
	}
}

// GetOrCompute executes fn at most once concurrently per key across all
// callers, via a singleflight barrier; a concurrent caller for the same
// missing key awaits the first computer's result instead of recomputing.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, meta types.CacheEntryMeta, fn func() ([]byte, error)) ([]byte, error) {
	if ce, ok := c.Get(key); ok {
		return ce.ValueBytes, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if ce, ok := c.Get(key); ok {
			return ce.ValueBytes, nil
		}
		value, err := fn()
		if err != nil {
			return nil, err
		}
		c.Set(key, value, ttl, meta)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) promote(key string, ce types.CacheEntry) {
	var expiresAt time.Time
	if ce.TTLMs > 0 {
		expiresAt = ce.CreatedAt.Add(time.Duration(ce.TTLMs) * time.Millisecond)
	}
	e := &entry{ce: ce, expiresAt: expiresAt}
	atomic.StoreInt64(&e.accessCount, ce.AccessCount)
	atomic.StoreInt64(&e.lastUsed, ce.LastUsed.UnixNano())

	_, loaded := c.memory.Swap(key, e)
	if !loaded {
		atomic.AddInt64(&c.memCount, 1)
	}

	if atomic.LoadInt64(&c.memCount) > int64(c.maxMem) {
		c.evict()
	}
}

// deleteMemory removes key from the memory tier and keeps memCount in
// sync, the one piece of bookkeeping every eviction/invalidation path
// shares.
func (c *Cache) deleteMemory(key string) {
	if _, loaded := c.memory.LoadAndDelete(key); loaded {
		atomic.AddInt64(&c.memCount, -1)
	}
}

// evict is the only memory-tier operation that takes a lock: the LRU
// scan itself needs a consistent view across the candidates it
// compares. Memory hits in Get/Has never wait on it; Set, and a Get
// that promotes a disk hit, reach it through promote when the memory
// tier is over capacity. It evicts strict-LRU by last_used until the
// memory tier is at or below maxMem.
func (c *Cache) evict() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	for atomic.LoadInt64(&c.memCount) > int64(c.maxMem) {
		var oldestKey string
		var oldestUsed int64
		found := false
		c.memory.Range(func(k, v any) bool {
			e := v.(*entry)
			lu := atomic.LoadInt64(&e.lastUsed)
			if !found || lu < oldestUsed {
				oldestKey, oldestUsed, found = k.(string), lu, true
			}
			return true
		})
		if !found {
			return
		}
		if _, loaded := c.memory.LoadAndDelete(oldestKey); loaded {
			atomic.AddInt64(&c.memCount, -1)
			atomic.AddInt64(&c.evictions, 1)
		}
	}
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(key string) {
	c.deleteMemory(key)
	c.diskDelete(key)
}

// InvalidatePattern removes every key containing substr.
func (c *Cache) InvalidatePattern(substr string) {
	var matched []string
	c.memory.Range(func(k, v any) bool {
		if ks := k.(string); containsSubstr(ks, substr) {
			matched = append(matched, ks)
		}
		return true
	})
	for _, k := range matched {
		c.deleteMemory(k)
	}
	for _, k := range matched {
		c.diskDelete(k)
	}
}

// InvalidateByFile stats path and evicts every entry whose recorded
// file mtime predates it (I3: stale cache entries never outlive a file
// change).
func (c *Cache) InvalidateByFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return kberrors.New(kberrors.NotFound, "cache.invalidate_by_file", err).WithPath(path)
	}
	current := info.ModTime()

	var stale []string
	c.memory.Range(func(k, v any) bool {
		if v.(*entry).ce.Meta.FileMtime.Before(current) {
			stale = append(stale, k.(string))
		}
		return true
	})
	for _, k := range stale {
		c.deleteMemory(k)
	}

	for _, k := range stale {
		c.diskDelete(k)
	}
	debug.LogCache("invalidated %d entries stale against %s", len(stale), path)
	return nil
}

// Clear empties the memory tier. Disk entries are left in place: Optimize
// removes only expired or unparseable ones, and a later Get can promote
// a cleared entry back from disk.
func (c *Cache) Clear() {
	c.memory.Range(func(k, _ any) bool {
		c.memory.Delete(k)
		return true
	})
	atomic.StoreInt64(&c.memCount, 0)
}

// Metrics returns a snapshot of cache health.
func (c *Cache) Metrics() Stats {
	memEntries := atomic.LoadInt64(&c.memCount)

	c.emaMu.Lock()
	ema := c.ema
	c.emaMu.Unlock()

	var diskBytes int64
	if c.backend != nil {
		if keys, err := c.backend.List(".cache/analysis"); err == nil {
			for _, k := range keys {
				if data, _, err := c.backend.Read(k); err == nil {
					diskBytes += int64(len(data))
				}
			}
		}
	}

	return Stats{
		Hits:          atomic.LoadInt64(&c.hits),
		Misses:        atomic.LoadInt64(&c.misses),
		Evictions:     atomic.LoadInt64(&c.evictions),
		MemoryEntries: memEntries,
		DiskBytes:     diskBytes,
		EMAResponseMs: ema,
	}
}

// HitRate derives hits / (hits+misses), or 0 with no traffic yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Optimize sweeps the disk tier for expired or unparseable entries.
func (c *Cache) Optimize() error {
	if c.backend == nil {
		return nil
	}
	keys, err := c.backend.List(".cache/analysis")
	if err != nil {
		return kberrors.New(kberrors.BackendUnavailable, "cache.optimize", err)
	}

	now := time.Now()
	removed := 0
	for _, k := range keys {
		raw, _, err := c.backend.Read(k)
		if err != nil {
			continue
		}
		var ce types.CacheEntry
		if json.Unmarshal(raw, &ce) != nil {
			_ = c.backend.Delete(k)
			removed++
			continue
		}
		if ce.TTLMs > 0 && now.After(ce.CreatedAt.Add(time.Duration(ce.TTLMs)*time.Millisecond)) {
			_ = c.backend.Delete(k)
			removed++
		}
	}
	debug.LogCache("optimize removed %d stale disk entries", removed)
	return nil
}

const emaAlpha = 0.2

func (c *Cache) recordLatency(d time.Duration) {
	c.emaMu.Lock()
	defer c.emaMu.Unlock()
	ms := float64(d.Microseconds()) / 1000.0
	if c.ema == 0 {
		c.ema = ms
		return
	}
	c.ema = emaAlpha*ms + (1-emaAlpha)*c.ema
}

func (c *Cache) diskDelete(key string) {
	if c.backend == nil {
		return
	}
	if err := c.backend.Delete(diskKey(key)); err != nil && kberrors.KindOf(err) != kberrors.NotFound {
		debug.Warn("CACHE", "failed to delete disk entry %s: %v", key, err)
	}
}

func containsSubstr(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
