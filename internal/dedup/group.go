package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Operation is the unit of work shared between concurrent callers of a key.
type Operation[T any] func(ctx context.Context) (T, error)

// InFlight describes a running operation.
type InFlight struct {
	Key       string
	StartedAt time.Time
	Waiters   int
}

// Group collapses concurrent calls with the same key into one execution.
// The zero value is not usable; construct with NewGroup.
type Group struct {
	sf      singleflight.Group
	mu      sync.Mutex
	flight  map[string]time.Time
	waiters map[string]int
	now     func() time.Time
	logger  zerolog.Logger
}

func NewGroup(logger zerolog.Logger) *Group {
	return &Group{
		flight:  make(map[string]time.Time),
		waiters: make(map[string]int),
		now:     time.Now,
		logger:  logger.With().Str("component", "dedup").Logger(),
	}
}

// Do runs op once per key among concurrent callers. Callers that arrive while
// an operation is running attach to its result. The operation runs on a
// context detached from any single caller, so a caller giving up through ctx
// returns ctx.Err() without cancelling the work others still wait on.
// Settled operations, failed or not, are forgotten immediately.
func Do[T any](ctx context.Context, g *Group, key string, op Operation[T]) (T, error) {
	var zero T
	if g == nil {
		return op(ctx)
	}

	detached := context.WithoutCancel(ctx)
	g.attach(key)
	defer g.detach(key)

	ch := g.sf.DoChan(key, func() (any, error) {
		g.start(key)
		defer g.settle(key)
		return op(detached)
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			g.logger.Debug().Str("key", key).Msg("joined in-flight operation")
		}
		if res.Err != nil {
			return zero, res.Err
		}
		value, ok := res.Val.(T)
		if !ok && res.Val != nil {
			return zero, fmt.Errorf("dedup %s: unexpected result type %T", key, res.Val)
		}
		return value, nil
	}
}

// Forget drops key so the next call starts a fresh operation even while one is running.
func (g *Group) Forget(key string) {
	g.sf.Forget(key)
}

// InFlight returns a snapshot of the registered operation for key.
func (g *Group) InFlight(key string) (InFlight, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	startedAt, ok := g.flight[key]
	if !ok {
		return InFlight{}, false
	}
	return InFlight{Key: key, StartedAt: startedAt, Waiters: g.waiters[key]}, true
}

// Len reports how many distinct keys are currently running.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flight)
}

// Waiters reports how many callers are currently blocked on key.
func (g *Group) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters[key]
}

func (g *Group) attach(key string) {
	g.mu.Lock()
	g.waiters[key]++
	g.mu.Unlock()
}

func (g *Group) detach(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiters[key] <= 1 {
		delete(g.waiters, key)
		return
	}
	g.waiters[key]--
}

func (g *Group) start(key string) {
	g.mu.Lock()
	g.flight[key] = g.now()
	g.mu.Unlock()
}

func (g *Group) settle(key string) {
	g.mu.Lock()
	delete(g.flight, key)
	g.mu.Unlock()
}
