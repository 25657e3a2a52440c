package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"price-alerts/internal/cache"
	"price-alerts/internal/dedup"
	"price-alerts/internal/retry"
)

// Source tells where a Result came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceUpstream Source = "upstream"
)

// Result carries a value and its freshness.
type Result[T any] struct {
	Value  T
	Stale  bool
	Source Source
}

// FacadeOptions bound the background refresh pool.
type FacadeOptions struct {
	MaxBackgroundRefreshes int
	RefreshTimeout         time.Duration
}

// Facade composes the cache, the de-duplicator and the retry policy into a
// stale-while-revalidate read path.
type Facade struct {
	cache   *cache.Store
	group   *dedup.Group
	retryer *retry.Retryer
	logger  zerolog.Logger

	base    context.Context
	cancel  context.CancelFunc
	slots   chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewFacade wires the read path. Close stops background refreshes.
func NewFacade(store *cache.Store, group *dedup.Group, retryer *retry.Retryer, opts FacadeOptions, logger zerolog.Logger) *Facade {
	if opts.MaxBackgroundRefreshes <= 0 {
		opts.MaxBackgroundRefreshes = 8
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 2 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Facade{
		cache:   store,
		group:   group,
		retryer: retryer,
		logger:  logger.With().Str("component", "fetch_facade").Logger(),
		base:    base,
		cancel:  cancel,
		slots:   make(chan struct{}, opts.MaxBackgroundRefreshes),
		timeout: opts.RefreshTimeout,
	}
}

// Cache exposes the underlying store for stats and invalidation.
func (f *Facade) Cache() *cache.Store {
	return f.cache
}

// Stale reports whether key is cached but due for refresh.
func (f *Facade) Stale(key string) bool {
	return f.cache.NeedsRefresh(key)
}

// Wait blocks until running background refreshes finish.
func (f *Facade) Wait() {
	f.wg.Wait()
}

// Close cancels background refreshes and waits for them to return.
func (f *Facade) Close() {
	f.cancel()
	f.wg.Wait()
}

// FetchFresh returns the value for key, serving from cache when possible.
func FetchFresh[T any](ctx context.Context, f *Facade, key string, policy cache.Options, fetch func(ctx context.Context) (T, error)) (T, error) {
	res, err := FetchFreshResult(ctx, f, key, policy, fetch)
	return res.Value, err
}

// FetchFreshResult is FetchFresh with freshness metadata.
//
// A fresh hit is returned as is. A stale hit is returned immediately while a
// de-duplicated background refresh runs under the facade's own context. A
// miss blocks on a de-duplicated, retried fetch and caches the result.
func FetchFreshResult[T any](ctx context.Context, f *Facade, key string, policy cache.Options, fetch func(ctx context.Context) (T, error)) (Result[T], error) {
	if cached, ok := f.cache.Get(key); ok {
		if value, ok := cached.(T); ok {
			stale := f.cache.NeedsRefresh(key)
			if stale {
				startRefresh(f, key, policy, fetch)
			}
			return Result[T]{Value: value, Stale: stale, Source: SourceCache}, nil
		}
		f.logger.Warn().Str("key", key).Str("type", fmt.Sprintf("%T", cached)).Msg("cached value has unexpected type; refetching")
	}

	value, err := dedup.Do(ctx, f.group, fetchKey(key), func(opCtx context.Context) (T, error) {
		return fetchAndStore(opCtx, f, key, policy, fetch)
	})
	if err != nil {
		var zero T
		return Result[T]{Value: zero}, err
	}
	return Result[T]{Value: value, Source: SourceUpstream}, nil
}

func fetchAndStore[T any](ctx context.Context, f *Facade, key string, policy cache.Options, fetch func(ctx context.Context) (T, error)) (T, error) {
	value, err := retry.Do(ctx, f.retryer, key, fetch)
	if err != nil {
		return value, err
	}
	f.cache.Set(key, value, policy)
	return value, nil
}

func startRefresh[T any](f *Facade, key string, policy cache.Options, fetch func(ctx context.Context) (T, error)) {
	if f.base.Err() != nil {
		return
	}
	if f.group.Waiters(refreshKey(key)) > 0 {
		return
	}

	select {
	case f.slots <- struct{}{}:
	default:
		f.logger.Debug().Str("key", key).Msg("background refresh pool full; serving stale")
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() { <-f.slots }()

		ctx, cancel := context.WithTimeout(f.base, f.timeout)
		defer cancel()

		started := time.Now()
		// the refresh runs on the facade context so Close stops its retries
		_, err := dedup.Do(ctx, f.group, refreshKey(key), func(context.Context) (T, error) {
			return fetchAndStore(ctx, f, key, policy, fetch)
		})
		if err != nil {
			f.logger.Warn().Err(err).Str("key", key).Msg("background refresh failed")
			return
		}
		f.logger.Debug().Str("key", key).Dur("took", time.Since(started)).Msg("background refresh complete")
	}()
}

func fetchKey(key string) string   { return "fetch:" + key }
func refreshKey(key string) string { return "refresh:" + key }
