package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(clock *fakeClock) *Store {
	return NewStore(StoreOptions{Now: clock.Now}, zerolog.Nop())
}

func TestStoreHardExpiry(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	store.Set("coin-data:bitcoin:usd", 42000.0, Options{TTL: 30 * time.Second})

	clock.Advance(29 * time.Second)
	value, ok := store.Get("coin-data:bitcoin:usd")
	require.True(t, ok, "entry should be served before ttl")
	assert.Equal(t, 42000.0, value)

	clock.Advance(2 * time.Second)
	_, ok = store.Get("coin-data:bitcoin:usd")
	assert.False(t, ok, "entry must be absent after ttl")
	assert.Equal(t, 0, store.Stats().Entries, "expired entry should be evicted on read")
}

func TestStoreServesAtExactTTL(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	store.Set("k", "v", Options{TTL: 10 * time.Second})
	clock.Advance(10 * time.Second)

	_, ok := store.Get("k")
	assert.True(t, ok)
}

func TestStoreNeedsRefresh(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	store.Set("market", "payload", Options{TTL: 900 * time.Second, RefreshInterval: 600 * time.Second})

	clock.Advance(500 * time.Second)
	assert.False(t, store.NeedsRefresh("market"))

	clock.Advance(200 * time.Second)
	assert.True(t, store.NeedsRefresh("market"))
	value, ok := store.Get("market")
	require.True(t, ok, "stale entry is still usable")
	assert.Equal(t, "payload", value)

	clock.Advance(201 * time.Second)
	assert.False(t, store.NeedsRefresh("market"), "expired entries never need refresh")
	assert.False(t, store.NeedsRefresh("missing"))
}

func TestStoreRefreshIntervalClampedToTTL(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	store.Set("k", 1, Options{TTL: time.Minute, RefreshInterval: time.Hour})

	entry, ok := store.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, time.Minute, entry.RefreshInterval)
}

func TestStoreNoRefreshIntervalNeverStale(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	store.Set("k", 1, Options{TTL: time.Minute})
	clock.Advance(59 * time.Second)

	assert.False(t, store.NeedsRefresh("k"))
}

func TestStoreSetOverwrites(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	store.Set("k", 1, Options{TTL: 10 * time.Second})
	clock.Advance(9 * time.Second)
	store.Set("k", 2, Options{TTL: 10 * time.Second})
	clock.Advance(9 * time.Second)

	value, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, value)
}

func TestStoreSweepAndStats(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	store.Set("a", 1, Options{TTL: 5 * time.Second, Namespace: "prices"})
	store.Set("b", 2, Options{TTL: time.Minute, Namespace: "prices"})
	store.Set("c", 3, Options{TTL: time.Minute, Namespace: "fx"})

	_, _ = store.Get("b")
	_, _ = store.Get("missing")

	clock.Advance(6 * time.Second)
	assert.Equal(t, 1, store.Sweep())

	stats := store.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, map[string]int{"prices": 1, "fx": 1}, stats.ByNamespace)
}

func TestStoreInvalidateNamespace(t *testing.T) {
	store := newTestStore(newFakeClock())

	store.Set("a", 1, Options{TTL: time.Minute, Namespace: "prices"})
	store.Set("b", 2, Options{TTL: time.Minute, Namespace: "prices"})
	store.Set("c", 3, Options{TTL: time.Minute, Namespace: "fx"})

	assert.Equal(t, 2, store.InvalidateNamespace("prices"))
	_, ok := store.Get("c")
	assert.True(t, ok)
}

func TestStoreDefaultsApplyWithoutTTL(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(StoreOptions{
		Defaults: Options{TTL: 20 * time.Second, RefreshInterval: 10 * time.Second, Namespace: "default"},
		Now:      clock.Now,
	}, zerolog.Nop())

	store.Set("k", 1, Options{})

	entry, ok := store.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, entry.TTL)
	assert.Equal(t, 10*time.Second, entry.RefreshInterval)
	assert.Equal(t, "default", entry.Namespace)
}

func TestStoreConcurrentAccess(t *testing.T) {
	store := NewStore(StoreOptions{}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key("coin", Params{"id": i % 4})
			for j := 0; j < 100; j++ {
				store.Set(key, j, Options{TTL: time.Minute, RefreshInterval: time.Second})
				_, _ = store.Get(key)
				_ = store.NeedsRefresh(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, store.Stats().Entries)
}
