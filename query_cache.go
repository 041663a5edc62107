package apiclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader fetches the value for a cache key. It runs detached from the cancellation
// of the caller that started it, so one impatient caller cannot fail the others.
type Loader func(ctx context.Context) (any, error)

type fetchMode int

const (
	fetchDefault fetchMode = iota
	fetchStaleWhileRevalidate
	fetchAwaitRefetch
	fetchCachedOnly
)

type fetchOptions struct {
	staleTime time.Duration
	mode      fetchMode
	force     bool
}

// FetchOption customizes a single Fetch.
type FetchOption func(*fetchOptions)

// WithStaleTime sets how long a fetched value counts as fresh for this call.
func WithStaleTime(d time.Duration) FetchOption {
	return func(o *fetchOptions) {
		o.staleTime = d
	}
}

// StaleWhileRevalidate returns any stored value immediately, invalidated ones
// included, and refreshes it in the background. Missing values are still awaited.
func StaleWhileRevalidate() FetchOption {
	return func(o *fetchOptions) {
		o.mode = fetchStaleWhileRevalidate
	}
}

// AwaitRefetch makes the caller wait for the refetch of a stale value instead of
// receiving the stale value.
func AwaitRefetch() FetchOption {
	return func(o *fetchOptions) {
		o.mode = fetchAwaitRefetch
	}
}

// CachedOnly never touches the network: any stored value is returned, stale or
// not, and ErrCacheMiss is returned when nothing is stored.
func CachedOnly() FetchOption {
	return func(o *fetchOptions) {
		o.mode = fetchCachedOnly
	}
}

// ForceRefetch ignores freshness and fetches again, joining a fetch already in flight.
func ForceRefetch() FetchOption {
	return func(o *fetchOptions) {
		o.force = true
	}
}

// CacheOption configures a QueryCache.
type CacheOption func(*QueryCache)

// WithCacheStaleTime sets the default staleness window.
func WithCacheStaleTime(d time.Duration) CacheOption {
	return func(c *QueryCache) {
		c.staleTime = d
	}
}

// WithCacheLogger sets the cache logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *QueryCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCacheMetrics records hits, misses and de-duplicated fetches.
func WithCacheMetrics(metrics *MetricsCollector) CacheOption {
	return func(c *QueryCache) {
		c.metrics = metrics
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *QueryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// cacheEntry is immutable once stored; updates replace the pointer.
type cacheEntry struct {
	value       any
	fetchedAt   time.Time
	staleTime   time.Duration
	invalidated bool
}

func (e *cacheEntry) freshFor(now time.Time, staleTime time.Duration) bool {
	return !e.invalidated && now.Sub(e.fetchedAt) < staleTime
}

// flight is the bookkeeping for one in-flight fetch. Guarded by QueryCache.mu.
type flight struct {
	invalidated bool
	discarded   bool
}

// QueryCache is an in-memory, keyed result cache with staleness control and at
// most one in-flight fetch per key.
type QueryCache struct {
	mu       sync.Mutex
	entries  map[QueryKey]*cacheEntry
	inflight map[QueryKey]*flight
	group    singleflight.Group

	staleTime time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *MetricsCollector
}

// NewQueryCache creates an empty cache. The default staleness window is 30 seconds.
func NewQueryCache(opts ...CacheOption) *QueryCache {
	c := &QueryCache{
		entries:   make(map[QueryKey]*cacheEntry),
		inflight:  make(map[QueryKey]*flight),
		staleTime: 30 * time.Second,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the value for key. A fresh value is returned without calling
// loader. A value that has outlived its window is returned as is while a
// background refetch runs. A missing or invalidated value makes the caller join
// the fetch already in flight for key, or start one. Successful results are
// stored; failures reach every waiter and are never stored.
func (c *QueryCache) Fetch(ctx context.Context, key QueryKey, loader Loader, opts ...FetchOption) (any, error) {
	o := fetchOptions{staleTime: c.staleTime}
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	entry := c.entries[key]
	c.mu.Unlock()

	resource := resourceLabel(key)
	switch {
	case o.mode == fetchCachedOnly:
		if entry == nil {
			c.metrics.RecordCacheMiss(resource)
			return nil, ErrCacheMiss
		}
		c.metrics.RecordCacheHit(resource)
		return entry.value, nil
	case entry != nil && !o.force && entry.freshFor(c.now(), o.staleTime):
		c.metrics.RecordCacheHit(resource)
		c.logger.Debug("query cache hit", "key", key)
		return entry.value, nil
	case entry != nil && !o.force && serveStale(entry, o.mode):
		c.metrics.RecordCacheHit(resource)
		c.logger.Debug("serving stale value, revalidating", "key", key)
		c.start(ctx, key, loader, o)
		return entry.value, nil
	}

	c.metrics.RecordCacheMiss(resource)
	ch, value, ok := c.startUnlessFresh(ctx, key, loader, o)
	if ok {
		return value, nil
	}

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		// Only this waiter detaches; the fetch keeps going for the others.
		return nil, Normalize(ctx.Err())
	}
}

// serveStale reports whether a stale entry is returned while it is refetched.
func serveStale(entry *cacheEntry, mode fetchMode) bool {
	switch mode {
	case fetchStaleWhileRevalidate:
		return true
	case fetchDefault:
		return !entry.invalidated
	default:
		return false
	}
}

// startUnlessFresh re-checks the entry under the lock, since a fetch may have
// completed since Fetch looked, and otherwise starts or joins the flight.
func (c *QueryCache) startUnlessFresh(ctx context.Context, key QueryKey, loader Loader, o fetchOptions) (<-chan singleflight.Result, any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, inflight := c.inflight[key]; !inflight && !o.force {
		if entry := c.entries[key]; entry != nil && entry.freshFor(c.now(), o.staleTime) {
			return nil, entry.value, true
		}
	}
	return c.startLocked(ctx, key, loader, o), nil, false
}

func (c *QueryCache) start(ctx context.Context, key QueryKey, loader Loader, o fetchOptions) <-chan singleflight.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx, key, loader, o)
}

// startLocked joins or starts the flight for key. c.inflight[key] exists exactly
// while the singleflight call for key is running.
func (c *QueryCache) startLocked(ctx context.Context, key QueryKey, loader Loader, o fetchOptions) <-chan singleflight.Result {
	f, joined := c.inflight[key]
	if joined {
		c.metrics.RecordDeduplicationHit(resourceLabel(key))
		c.logger.Debug("joining in-flight fetch", "key", key)
	} else {
		f = &flight{}
		c.inflight[key] = f
		c.logger.Debug("starting fetch", "key", key)
	}

	detached := context.WithoutCancel(ctx)
	return c.group.DoChan(string(key), func() (any, error) {
		return c.run(detached, key, f, loader, o)
	})
}

func (c *QueryCache) run(ctx context.Context, key QueryKey, f *flight, loader Loader, o fetchOptions) (any, error) {
	value, err := loader(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[key] == f {
		delete(c.inflight, key)
		c.group.Forget(string(key))
	}

	if err != nil {
		c.logger.Debug("fetch failed, nothing cached", "key", key, "error", err)
		return nil, err
	}
	if f.discarded {
		return value, nil
	}

	c.entries[key] = &cacheEntry{
		value:       value,
		fetchedAt:   c.now(),
		staleTime:   o.staleTime,
		invalidated: f.invalidated,
	}
	c.metrics.RecordCacheSize(len(c.entries))
	return value, nil
}

// Invalidate marks every entry selected by prefix as stale and flags matching
// in-flight fetches so their results are stored already stale. It returns the
// number of stored entries affected.
func (c *QueryCache) Invalidate(prefix QueryKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, entry := range c.entries {
		if !key.HasPrefix(prefix) {
			continue
		}
		invalidated := *entry
		invalidated.invalidated = true
		c.entries[key] = &invalidated
		n++
	}
	for key, f := range c.inflight {
		if key.HasPrefix(prefix) {
			f.invalidated = true
		}
	}

	c.logger.Debug("query cache invalidated", "prefix", prefix, "entries", n)
	return n
}

// Peek returns the stored value for key without fetching, stale or not.
func (c *QueryCache) Peek(key QueryKey) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// Stale reports whether key has no value, was invalidated, or has outlived the
// window it was fetched with.
func (c *QueryCache) Stale(key QueryKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return true
	}
	return !entry.freshFor(c.now(), entry.staleTime)
}

// Set stores value for key as freshly fetched, for example after a mutation
// returned the updated resource.
func (c *QueryCache) Set(key QueryKey, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{
		value:     value,
		fetchedAt: c.now(),
		staleTime: c.staleTime,
	}
	c.metrics.RecordCacheSize(len(c.entries))
}

// Remove deletes every entry selected by prefix. Fetches in flight for those keys
// still resolve for their waiters but are not stored.
func (c *QueryCache) Remove(prefix QueryKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if key.HasPrefix(prefix) {
			delete(c.entries, key)
			n++
		}
	}
	for key, f := range c.inflight {
		if key.HasPrefix(prefix) {
			f.discarded = true
		}
	}
	c.metrics.RecordCacheSize(len(c.entries))
	return n
}

// Clear empties the cache.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[QueryKey]*cacheEntry)
	for _, f := range c.inflight {
		f.discarded = true
	}
	c.metrics.RecordCacheSize(0)
}

// Len returns the number of stored entries.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// InFlight returns the number of fetches currently running.
func (c *QueryCache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
