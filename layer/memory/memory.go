//
// Tencent is pleased to support the open source community by making trpc-methodcache-go available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package memory implements the in-process L1 cache layer: a sharded,
// bounded map with TTL, sliding expiration and approximate-LRU eviction.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"trpc.group/trpc-go/trpc-methodcache-go/layer"
	"trpc.group/trpc-go/trpc-methodcache-go/log"
)

const (
	defaultShards      = 16
	defaultMaxEntries  = 100_000
	defaultMaxBytes    = 256 << 20
	defaultSweepEvery  = 30 * time.Second
	defaultMaxTTL      = time.Hour
	evictBatchFraction = 8 // evict 1/8 of a shard per over-threshold pass
)

// Options configures the memory layer.
type Options struct {
	shards     int
	maxEntries int
	maxBytes   int64
	maxTTL     time.Duration
	sweepEvery time.Duration
	estimator  EstimatorMode
	clock      func() time.Time
}

// Option is the functional option for the memory layer.
type Option func(*Options)

// WithShards sets the shard count, rounded up to a power of two.
func WithShards(n int) Option {
	return func(o *Options) { o.shards = n }
}

// WithMaxEntries bounds the number of entries across all shards.
func WithMaxEntries(n int) Option {
	return func(o *Options) { o.maxEntries = n }
}

// WithMaxBytes bounds the estimated byte size across all shards.
func WithMaxBytes(n int64) Option {
	return func(o *Options) { o.maxBytes = n }
}

// WithMaxTTL caps the TTL of stored entries: Set clamps a longer TTL to
// this value.
func WithMaxTTL(d time.Duration) Option {
	return func(o *Options) { o.maxTTL = d }
}

// WithSweepInterval sets the background expiration sweep interval. Zero
// disables the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) { o.sweepEvery = d }
}

// WithEstimator selects the size accounting mode.
func WithEstimator(mode EstimatorMode) Option {
	return func(o *Options) { o.estimator = mode }
}

// WithClock replaces the time source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.clock = clock }
}

// Stats is a snapshot of the layer's counters.
type Stats struct {
	Entries   int
	Bytes     int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*layer.Entry
}

// Cache is the L1 layer. It exclusively owns its entries: Set stores and
// Get returns deep copies, and access-time bookkeeping is the only
// mutation performed after fill.
type Cache struct {
	opts   Options
	shards []*shard
	mask   uint64
	est    *estimator

	bytes     atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ layer.Layer = (*Cache)(nil)

// New creates and starts a memory layer.
func New(options ...Option) *Cache {
	opts := Options{
		shards:     defaultShards,
		maxEntries: defaultMaxEntries,
		maxBytes:   defaultMaxBytes,
		maxTTL:     defaultMaxTTL,
		sweepEvery: defaultSweepEvery,
		estimator:  EstimatorFast,
		clock:      time.Now,
	}
	for _, opt := range options {
		opt(&opts)
	}
	n := 1
	for n < opts.shards {
		n <<= 1
	}
	c := &Cache{
		opts:   opts,
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
		est:    newEstimator(opts.estimator),
		stopCh: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*layer.Entry)}
	}
	if opts.sweepEvery > 0 {
		go c.sweepLoop()
	}
	return c
}

// Name implements layer.Layer.
func (c *Cache) Name() string { return "memory" }

// Priority implements layer.Layer.
func (c *Cache) Priority() int { return layer.PriorityMemory }

// MaxTTL returns the layer's TTL cap.
func (c *Cache) MaxTTL() time.Duration { return c.opts.maxTTL }

func (c *Cache) shard(key string) *shard {
	return c.shards[xxhash.Sum64String(key)&c.mask]
}

// Get implements layer.Layer. Expired entries are never returned; a hit
// updates access bookkeeping and extends sliding expirations.
func (c *Cache) Get(_ context.Context, key string) (*layer.Entry, error) {
	now := c.opts.clock()
	s := c.shard(key)

	s.mu.RLock()
	e, ok := s.entries[key]
	expired := ok && e.Expired(now)
	s.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	if expired {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur == e {
			delete(s.entries, key)
			c.bytes.Add(-e.Size)
			c.expired.Add(1)
		}
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, nil
	}

	s.mu.Lock()
	e.AccessedAt = now
	e.Hits++
	if e.Sliding > 0 {
		slid := now.Add(e.Sliding)
		if slid.After(e.ExpiresAt) {
			e.ExpiresAt = slid
		}
	}
	cp := e.Clone()
	s.mu.Unlock()

	c.hits.Add(1)
	return cp, nil
}

// Set implements layer.Layer. The entry is value-copied in; a TTL longer
// than the layer cap is clamped.
func (c *Cache) Set(_ context.Context, key string, entry *layer.Entry, ttl time.Duration) error {
	now := c.opts.clock()
	if ttl <= 0 {
		// Zero-duration entries must not be observable by later calls.
		return nil
	}
	if c.opts.maxTTL > 0 && ttl > c.opts.maxTTL {
		ttl = c.opts.maxTTL
	}

	e := entry.Clone()
	e.ExpiresAt = now.Add(ttl)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.AccessedAt = now
	e.Size = c.est.estimate(key, e.Value, e.Tags)

	s := c.shard(key)
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		c.bytes.Add(-old.Size)
	}
	s.entries[key] = e
	c.bytes.Add(e.Size)
	// Opportunistic expiration: reuse the write lock to drop a few
	// expired neighbors.
	c.expireSomeLocked(s, now, 2)
	s.mu.Unlock()

	c.maybeEvict(now)
	return nil
}

// Remove implements layer.Layer.
func (c *Cache) Remove(_ context.Context, key string) error {
	s := c.shard(key)
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		delete(s.entries, key)
		c.bytes.Add(-e.Size)
	}
	s.mu.Unlock()
	return nil
}

// RemoveByTag implements layer.Layer by scanning shard-by-shard.
func (c *Cache) RemoveByTag(_ context.Context, tag string) ([]string, error) {
	var removed []string
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			for _, t := range e.Tags {
				if t == tag {
					delete(s.entries, key)
					c.bytes.Add(-e.Size)
					removed = append(removed, key)
					break
				}
			}
		}
		s.mu.Unlock()
	}
	sort.Strings(removed)
	return removed, nil
}

// Clear implements layer.Layer.
func (c *Cache) Clear(_ context.Context) error {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[string]*layer.Entry)
		s.mu.Unlock()
	}
	c.bytes.Store(0)
	return nil
}

// Health implements layer.Layer. The memory layer is always healthy.
func (c *Cache) Health(context.Context) error { return nil }

// Close implements layer.Layer.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	entries := 0
	for _, s := range c.shards {
		s.mu.RLock()
		entries += len(s.entries)
		s.mu.RUnlock()
	}
	return Stats{
		Entries:   entries,
		Bytes:     c.bytes.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// maybeEvict enforces the entry-count and byte thresholds with an
// approximate-LRU pass, preferring expired entries.
func (c *Cache) maybeEvict(now time.Time) {
	if c.Len() <= c.opts.maxEntries && c.bytes.Load() <= c.opts.maxBytes {
		return
	}
	for _, s := range c.shards {
		if c.Len() <= c.opts.maxEntries && c.bytes.Load() <= c.opts.maxBytes {
			return
		}
		c.evictShard(s, now)
	}
}

// evictShard removes expired entries first, then the least recently
// accessed entries, up to a fraction of the shard per pass.
func (c *Cache) evictShard(s *shard, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.expireSomeLocked(s, now, len(s.entries))

	budget := len(s.entries)/evictBatchFraction + 1
	type victim struct {
		key      string
		accessed time.Time
	}
	victims := make([]victim, 0, len(s.entries))
	for key, e := range s.entries {
		victims = append(victims, victim{key: key, accessed: e.AccessedAt})
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].accessed.Before(victims[j].accessed)
	})
	for i := 0; i < budget && i < len(victims); i++ {
		e := s.entries[victims[i].key]
		delete(s.entries, victims[i].key)
		c.bytes.Add(-e.Size)
		c.evictions.Add(1)
	}
}

// expireSomeLocked drops up to limit expired entries. Caller holds the
// shard write lock.
func (c *Cache) expireSomeLocked(s *shard, now time.Time, limit int) {
	n := 0
	for key, e := range s.entries {
		if n >= limit {
			return
		}
		n++
		if e.Expired(now) {
			delete(s.entries, key)
			c.bytes.Add(-e.Size)
			c.expired.Add(1)
		}
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.opts.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := c.opts.clock()
			before := c.expired.Load()
			for _, s := range c.shards {
				s.mu.Lock()
				c.expireSomeLocked(s, now, len(s.entries))
				s.mu.Unlock()
			}
			if n := c.expired.Load() - before; n > 0 {
				log.Debugf("memory: sweep expired %d entries", n)
			}
		}
	}
}
