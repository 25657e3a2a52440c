package marketdata

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-alerts/internal/cache"
	"price-alerts/internal/dedup"
	"price-alerts/internal/retry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock  *testClock
	store  *cache.Store
	group  *dedup.Group
	facade *Facade
	waits  []time.Duration
	mu     sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: &testClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}}
	logger := zerolog.Nop()
	h.store = cache.NewStore(cache.StoreOptions{Now: h.clock.Now}, logger)
	h.group = dedup.NewGroup(logger)
	retryer := retry.NewRetryer(retry.DefaultPolicy(), logger, retry.WithWait(func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.waits = append(h.waits, d)
		h.mu.Unlock()
		return ctx.Err()
	}))
	h.facade = NewFacade(h.store, h.group, retryer, FacadeOptions{}, logger)
	t.Cleanup(h.facade.Close)
	return h
}

func TestFetchFreshSingleFlightOnColdCache(t *testing.T) {
	h := newHarness(t)
	key := "coin-data:bitcoin:usd"
	policy := cache.Options{TTL: time.Minute}

	var calls atomic.Int32
	gate := make(chan struct{})
	fetch := func(ctx context.Context) (float64, error) {
		calls.Add(1)
		<-gate
		return 64000, nil
	}

	const callers = 50
	var wg sync.WaitGroup
	results := make([]float64, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = FetchFresh(context.Background(), h.facade, key, policy, fetch)
		}(i)
	}

	require.Eventually(t, func() bool { return h.group.Waiters(fetchKey(key)) == callers }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 64000.0, results[i])
	}

	// now cached: no further upstream calls
	value, err := FetchFresh(context.Background(), h.facade, key, policy, fetch)
	require.NoError(t, err)
	assert.Equal(t, 64000.0, value)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchFreshHardExpiryRefetches(t *testing.T) {
	h := newHarness(t)
	policy := cache.Options{TTL: 30 * time.Second}

	var calls atomic.Int32
	fetch := func(ctx context.Context) (int32, error) {
		return calls.Add(1), nil
	}

	first, err := FetchFresh(context.Background(), h.facade, "k", policy, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), first)

	h.clock.Advance(29 * time.Second)
	cached, err := FetchFresh(context.Background(), h.facade, "k", policy, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), cached)

	h.clock.Advance(2 * time.Second)
	fresh, err := FetchFresh(context.Background(), h.facade, "k", policy, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fresh)
}

func TestFetchFreshStaleWhileRevalidate(t *testing.T) {
	h := newHarness(t)
	policy := cache.Options{TTL: 900 * time.Second, RefreshInterval: 600 * time.Second}

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "v1", nil
		}
		<-release
		return "v2", nil
	}

	_, err := FetchFresh(context.Background(), h.facade, "market", policy, fetch)
	require.NoError(t, err)

	h.clock.Advance(500 * time.Second)
	res, err := FetchFreshResult(context.Background(), h.facade, "market", policy, fetch)
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, int32(1), calls.Load())

	h.clock.Advance(200 * time.Second)
	res, err = FetchFreshResult(context.Background(), h.facade, "market", policy, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Value, "stale value served synchronously")
	assert.True(t, res.Stale)
	assert.Equal(t, SourceCache, res.Source)

	close(release)
	h.facade.Wait()

	assert.Equal(t, int32(2), calls.Load())
	value, ok := h.store.Get("market")
	require.True(t, ok)
	assert.Equal(t, "v2", value)
	assert.False(t, h.store.NeedsRefresh("market"))
}

func TestFetchFreshBackgroundFailureNotSurfaced(t *testing.T) {
	h := newHarness(t)
	policy := cache.Options{TTL: time.Minute, RefreshInterval: 10 * time.Second}

	var calls atomic.Int32
	fetch := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "v1", nil
		}
		return "", &retry.StatusError{StatusCode: http.StatusNotFound}
	}

	_, err := FetchFresh(context.Background(), h.facade, "k", policy, fetch)
	require.NoError(t, err)

	h.clock.Advance(20 * time.Second)
	value, err := FetchFresh(context.Background(), h.facade, "k", policy, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", value)

	h.facade.Wait()
	cached, ok := h.store.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v1", cached, "failed refresh keeps the stale value")
}

func TestFetchFreshRetriesColdMiss(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	fetch := func(ctx context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, &retry.StatusError{StatusCode: http.StatusBadGateway}
		}
		return 7, nil
	}

	value, err := FetchFresh(context.Background(), h.facade, "k", cache.Options{TTL: time.Minute}, fetch)
	require.NoError(t, err)
	assert.Equal(t, 7, value)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.waits)
}

func TestFetchFreshFailureNotCached(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("decode failed")

	var calls atomic.Int32
	fetch := func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return 1, nil
	}

	_, err := FetchFresh(context.Background(), h.facade, "k", cache.Options{TTL: time.Minute}, fetch)
	require.ErrorIs(t, err, boom)
	_, ok := h.store.Get("k")
	assert.False(t, ok)

	value, err := FetchFresh(context.Background(), h.facade, "k", cache.Options{TTL: time.Minute}, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, value)
}

func TestCloseStopsRefreshes(t *testing.T) {
	h := newHarness(t)
	policy := cache.Options{TTL: time.Minute, RefreshInterval: time.Second}

	var calls atomic.Int32
	fetch := func(ctx context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}
	_, err := FetchFresh(context.Background(), h.facade, "k", policy, fetch)
	require.NoError(t, err)

	h.facade.Close()
	h.clock.Advance(2 * time.Second)
	_, err = FetchFresh(context.Background(), h.facade, "k", policy, fetch)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
}
