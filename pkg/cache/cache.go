// Package cache implements the TTL-aware LRU DNS response cache sitting
// in front of the upstream client.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"sinkhole/pkg/dnsname"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/telemetry"

	"github.com/miekg/dns"
)

// Config controls cache sizing and TTL clamping.
type Config struct {
	Enabled bool

	// MaxEntries bounds the number of cached responses; the least
	// recently used entry is evicted once this is reached.
	MaxEntries int

	// MinTTL/MaxTTL clamp the TTL taken from an upstream response before
	// it is used as the cache entry's lifetime.
	MinTTL time.Duration
	MaxTTL time.Duration

	// ShardCount, when > 0, selects the sharded implementation via New.
	ShardCount int
}

// entry is a node in the intrusive doubly-linked LRU list as well as a
// cache.Cache map value; promoting or evicting an entry is a pointer
// relink, not a scan.
type entry struct {
	key        string
	msg        *dns.Msg
	expiresAt  time.Time
	prev, next *entry
}

// Cache is a thread-safe DNS response cache with O(1) LRU eviction and
// TTL support.
type Cache struct {
	cfg     Config
	logger  *logging.Logger
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
	head    *entry // most recently used
	tail    *entry // least recently used

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	sets      atomic.Uint64

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Entries   int
	Evictions uint64
	Sets      uint64
	HitRate   float64
}

// New creates a cache per cfg. Returns a sharded implementation if
// cfg.ShardCount > 0, otherwise a single-lock Cache.
func New(cfg Config, logger *logging.Logger, metrics *telemetry.Metrics) (Interface, error) {
	if logger == nil {
		return nil, fmt.Errorf("cache: logger cannot be nil")
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("cache: max_entries must be positive, got %d", cfg.MaxEntries)
	}

	if cfg.ShardCount > 0 {
		logger.Info("creating sharded dns cache", "shard_count", cfg.ShardCount)
		return NewSharded(cfg, logger, metrics, cfg.ShardCount)
	}

	c := &Cache{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		entries:     make(map[string]*entry, cfg.MaxEntries),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go c.cleanupLoop()

	logger.Info("dns cache initialized",
		"max_entries", cfg.MaxEntries,
		"min_ttl", cfg.MinTTL,
		"max_ttl", cfg.MaxTTL)

	return c, nil
}

// Key formats the lookup key for a question name/type pair. The name is
// normalized first, so "Example.COM." and "example.com" share a key.
func Key(name string, qtype uint16) string {
	return dnsname.Normalize(name) + ":" + strconv.FormatUint(uint64(qtype), 10)
}

// Get returns a copy of the cached response for r, with r's transaction
// ID and question section already applied, or nil on a miss or expiry.
// Callers must not further mutate the returned message's identity
// fields; Get has already done that for them.
func (c *Cache) Get(ctx context.Context, r *dns.Msg) *dns.Msg {
	if !c.cfg.Enabled || len(r.Question) == 0 {
		return nil
	}

	key := Key(r.Question[0].Name, r.Question[0].Qtype)

	c.mu.Lock()
	e, found := c.entries[key]
	if !found {
		c.mu.Unlock()
		c.recordMiss(ctx)
		return nil
	}

	if time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		c.mu.Unlock()
		c.recordMiss(ctx)
		if c.metrics != nil {
			c.metrics.CacheSize.Add(ctx, -1)
		}
		return nil
	}

	c.moveToFrontLocked(e)
	c.mu.Unlock()

	c.recordHit(ctx)

	resp := e.msg.Copy()
	resp.Id = r.Id
	resp.Question = r.Question
	return resp
}

// Set stores resp as the cached answer for r, with TTL derived from
// resp's own answer section and clamped to [MinTTL, MaxTTL].
func (c *Cache) Set(ctx context.Context, r *dns.Msg, resp *dns.Msg) {
	ttl := c.determineTTL(resp)
	if ttl <= 0 {
		return
	}
	c.store(ctx, r, resp, ttl)
}

func (c *Cache) store(ctx context.Context, r, resp *dns.Msg, ttl time.Duration) {
	if !c.cfg.Enabled || len(r.Question) == 0 {
		return
	}

	question := r.Question[0]
	key := Key(question.Name, question.Qtype)
	now := time.Now()

	c.mu.Lock()
	if e, exists := c.entries[key]; exists {
		e.msg = resp.Copy()
		e.expiresAt = now.Add(ttl)
		c.moveToFrontLocked(e)
		c.mu.Unlock()
		c.sets.Add(1)
		return
	}

	if len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}

	e := &entry{key: key, msg: resp.Copy(), expiresAt: now.Add(ttl)}
	c.entries[key] = e
	c.pushFrontLocked(e)
	c.mu.Unlock()

	c.sets.Add(1)
	if c.metrics != nil {
		c.metrics.CacheSize.Add(ctx, 1)
	}

	c.logger.Debug("cached dns response",
		"domain", question.Name,
		"qtype", dns.TypeToString[question.Qtype],
		"ttl", ttl)
}

// determineTTL returns the cache lifetime for resp, or 0 to mean "do not
// cache". Only NOERROR responses with a non-empty answer section are
// stored; NXDOMAIN and empty-answer responses are never cached.
func (c *Cache) determineTTL(resp *dns.Msg) time.Duration {
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) == 0 {
		return 0
	}

	var minTTL uint32
	for _, rr := range resp.Answer {
		ttl := rr.Header().Ttl
		if minTTL == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}
	if minTTL == 0 {
		return 0
	}

	ttl := time.Duration(minTTL) * time.Second
	if ttl < c.cfg.MinTTL {
		ttl = c.cfg.MinTTL
	}
	if ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}
	return ttl
}

// moveToFrontLocked promotes e to most-recently-used. Caller holds mu.
func (c *Cache) moveToFrontLocked(e *entry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushFrontLocked(e)
}

func (c *Cache) pushFrontLocked(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) unlinkLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) removeLocked(e *entry) {
	c.unlinkLocked(e)
	delete(c.entries, e.key)
}

// evictOldestLocked drops the least recently used entry. Caller holds mu.
func (c *Cache) evictOldestLocked() {
	if c.tail == nil {
		return
	}
	evicted := c.tail
	c.removeLocked(evicted)
	c.evictions.Add(1)
	c.logger.Debug("evicted lru cache entry", "key", evicted.key)
}

func (c *Cache) cleanupLoop() {
	defer close(c.cleanupDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for e := c.tail; e != nil; {
		prev := e.prev
		if now.After(e.expiresAt) {
			c.removeLocked(e)
			removed++
		}
		e = prev
	}

	if removed > 0 {
		c.evictions.Add(uint64(removed))
		if c.metrics != nil {
			c.metrics.CacheSize.Add(context.Background(), -int64(removed))
		}
		c.logger.Debug("cleaned up expired cache entries", "removed", removed, "remaining", len(c.entries))
	}
}

// Stats returns current cache counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()

	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:      hits,
		Misses:    misses,
		Entries:   n,
		Evictions: c.evictions.Load(),
		Sets:      c.sets.Load(),
		HitRate:   hitRate,
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	oldSize := len(c.entries)
	c.entries = make(map[string]*entry, c.cfg.MaxEntries)
	c.head, c.tail = nil, nil
	c.mu.Unlock()

	if c.metrics != nil && oldSize > 0 {
		c.metrics.CacheSize.Add(context.Background(), int64(-oldSize))
	}
	c.logger.Info("cache cleared")
}

// Close stops the background sweep goroutine.
func (c *Cache) Close() error {
	close(c.stopCleanup)
	<-c.cleanupDone
	c.logger.Info("cache closed", "final_hits", c.hits.Load(), "final_misses", c.misses.Load())
	return nil
}

func (c *Cache) recordHit(ctx context.Context) {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.DNSCacheHits.Add(ctx, 1)
	}
}

func (c *Cache) recordMiss(ctx context.Context) {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.DNSCacheMisses.Add(ctx, 1)
	}
}
