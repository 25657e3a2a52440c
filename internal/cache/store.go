package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options control how long a value lives and when it becomes stale.
type Options struct {
	TTL             time.Duration
	RefreshInterval time.Duration
	Namespace       string
}

// Entry is a single cached value and its freshness metadata.
type Entry struct {
	Key             string
	Value           any
	InsertedAt      time.Time
	TTL             time.Duration
	RefreshInterval time.Duration
	Namespace       string
}

// Age reports how long ago the entry was written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

// Expired is true once the entry is older than its TTL.
func (e *Entry) Expired(now time.Time) bool {
	return e.Age(now) > e.TTL
}

// Stale is true when the entry is still usable but past its refresh interval.
func (e *Entry) Stale(now time.Time) bool {
	if e.RefreshInterval <= 0 || e.Expired(now) {
		return false
	}
	return e.Age(now) > e.RefreshInterval
}

// Stats summarise cache activity.
type Stats struct {
	Entries     int            `json:"entries"`
	Hits        int64          `json:"hits"`
	Misses      int64          `json:"misses"`
	Evictions   int64          `json:"evictions"`
	ByNamespace map[string]int `json:"by_namespace"`
}

// StoreOptions parameterise a Store.
type StoreOptions struct {
	// Defaults apply when Set is called with a zero TTL.
	Defaults Options
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// Store is a concurrency-safe in-process key/value cache with per-entry TTL
// and refresh-interval metadata.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	defaults  Options
	now       func() time.Time
	logger    zerolog.Logger
	hits      int64
	misses    int64
	evictions int64
}

// NewStore constructs an empty Store.
func NewStore(opts StoreOptions, logger zerolog.Logger) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	defaults := opts.Defaults
	if defaults.TTL <= 0 {
		defaults.TTL = 5 * time.Minute
	}
	return &Store{
		entries:  make(map[string]*Entry),
		defaults: defaults,
		now:      now,
		logger:   logger.With().Str("component", "cache").Logger(),
	}
}

// Get returns the cached value, or false when the key is absent or hard-expired.
// Expired entries are evicted on read.
func (s *Store) Get(key string) (any, bool) {
	entry, ok := s.lookup(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Lookup returns a copy of the live entry for key.
func (s *Store) Lookup(key string) (Entry, bool) {
	entry, ok := s.lookup(key)
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

func (s *Store) lookup(key string) (*Entry, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}
	if entry.Expired(now) {
		delete(s.entries, key)
		s.evictions++
		s.misses++
		return nil, false
	}
	s.hits++
	return entry, true
}

// Set stores value under key, overwriting any previous entry.
func (s *Store) Set(key string, value any, opts Options) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaults.TTL
		if opts.RefreshInterval <= 0 {
			opts.RefreshInterval = s.defaults.RefreshInterval
		}
	}
	refresh := opts.RefreshInterval
	if refresh > ttl {
		refresh = ttl
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = s.defaults.Namespace
	}

	entry := &Entry{
		Key:             key,
		Value:           value,
		InsertedAt:      s.now(),
		TTL:             ttl,
		RefreshInterval: refresh,
		Namespace:       namespace,
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
}

// NeedsRefresh reports a live entry older than its refresh interval.
func (s *Store) NeedsRefresh(key string) bool {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	return entry.Stale(now)
}

// Delete removes key if present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidateNamespace drops every entry of a namespace and returns how many were removed.
func (s *Store) InvalidateNamespace(namespace string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.Namespace == namespace {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Sweep evicts expired entries.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	s.evictions += int64(removed)
	return removed
}

// Stats returns a snapshot of cache counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byNamespace := make(map[string]int)
	for _, entry := range s.entries {
		byNamespace[entry.Namespace]++
	}
	return Stats{
		Entries:     len(s.entries),
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		ByNamespace: byNamespace,
	}
}

// RunSweeper evicts expired entries on every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Debug().Int("evicted", removed).Msg("swept expired cache entries")
			}
		}
	}
}
