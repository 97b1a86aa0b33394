// Package cache implements the Decision Cache (C4): a TTL-bounded map from
// request fingerprint to a previously computed Decision, shared-lock reads
// and exclusive-lock writes following the same sync.RWMutex discipline the
// reference service's session manager uses for its own in-memory state.
package cache

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aegis-proxy/aegis/internal/decision"
)

// entry is one cached Decision plus its expiry.
type entry struct {
	decision decision.Decision
	expires  time.Time
}

// Cache is a TTL-bounded, size-bounded map of fingerprint to Decision.
type Cache struct {
	mu       sync.RWMutex
	entries  map[decision.Fingerprint]entry
	ttl      time.Duration
	maxSize  int
	logger   *slog.Logger

	hits   uint64
	misses uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default 300s per-entry time-to-live.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithMaxSize bounds the number of entries; once exceeded, Put evicts the
// soonest-to-expire entries until back under the limit.
func WithMaxSize(n int) Option {
	return func(c *Cache) { c.maxSize = n }
}

// New creates an empty Cache.
func New(logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		entries: make(map[decision.Fingerprint]entry),
		ttl:     300 * time.Second,
		maxSize: 10000,
		logger:  logger.With("component", "cache.Cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached Decision for fingerprint, if present and not
// expired.
func (c *Cache) Get(fp decision.Fingerprint) (decision.Decision, bool) {
	c.mu.RLock()
	e, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return decision.Decision{}, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return e.decision, true
}

// Put stores d under fingerprint with the configured TTL. If storing would
// exceed the configured max size, the soonest-to-expire entries are evicted
// first.
func (c *Cache) Put(fp decision.Fingerprint, d decision.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[fp] = entry{decision: d, expires: time.Now().Add(c.ttl)}
	c.evictLocked()
}

// evictLocked removes soonest-to-expire entries until the cache is back
// under its configured max size. Caller must hold c.mu.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxSize {
		var oldestKey decision.Fingerprint
		var oldestExpiry time.Time
		first := true
		for k, e := range c.entries {
			if first || e.expires.Before(oldestExpiry) {
				oldestKey = k
				oldestExpiry = e.expires
				first = false
			}
		}
		delete(c.entries, oldestKey)
	}
}

// InvalidateAll clears every entry, called whenever the policy set's
// version changes so a stale Decision can never be served under a new
// policy set.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[decision.Fingerprint]entry)
	c.mu.Unlock()
	c.logger.Info("cache invalidated")
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// HitRatio returns hits / (hits + misses), or 0 if no lookups have happened
// yet. Consumed by the observability package (S6) for the cache hit ratio
// gauge.
func (c *Cache) HitRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Sweep starts a background goroutine that periodically removes expired
// entries, returning a stop function. Expired entries are also skipped on
// read, so Sweep exists only to bound memory use by entries nobody reads
// again.
func (c *Cache) Sweep(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.sweepOnce()
			}
		}
	}()
	return func() { close(done) }
}

func (c *Cache) sweepOnce() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Fingerprint deterministically summarizes a Context plus policy-set
// version into a cache key. Two contexts differing only in fields the
// policy pipeline never reasons over collapse to the same fingerprint.
func Fingerprint(ctx *decision.Context, policyVersion int64) decision.Fingerprint {
	trust := "nil"
	if ctx.TrustScore != nil {
		trust = strconv.FormatFloat(*ctx.TrustScore, 'f', 4, 64)
	}
	key := ctx.Agent + "|" + ctx.AgentType + "|" + ctx.Action + "|" + ctx.Resource + "|" +
		ctx.ResourceClass + "|" + trust + "|" + strconv.FormatBool(ctx.Emergency) + "|" +
		strconv.Itoa(len(ctx.DelegationChain)) + "|" + strconv.Itoa(ctx.HourOfDay) + "|" +
		strconv.FormatBool(ctx.IsBusinessHours) + "|v" + strconv.FormatInt(policyVersion, 10)
	return decision.Fingerprint(key)
}
