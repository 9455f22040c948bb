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

// Package cache is the public facade of the method-result caching engine.
// A Cache interposes on idempotent service operations: it derives a key
// from the method identity and argument tuple, resolves the effective
// policy, serves repeated calls from the layered store and invalidates
// entries on demand, locally and across instances.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"trpc.group/trpc-go/trpc-methodcache-go/cachekey"
	"trpc.group/trpc-go/trpc-methodcache-go/internal/flight"
	"trpc.group/trpc-go/trpc-methodcache-go/layer"
	"trpc.group/trpc-go/trpc-methodcache-go/layer/memory"
	"trpc.group/trpc-go/trpc-methodcache-go/log"
	"trpc.group/trpc-go/trpc-methodcache-go/policy"
	"trpc.group/trpc-go/trpc-methodcache-go/tiered"
)

// defaultBeta is the probabilistic-early-refresh tuning parameter: higher
// values refresh earlier.
const defaultBeta = 1.0

// Factory computes the value on a cache miss. Its JSON encoding is what
// gets cached.
type Factory func(ctx context.Context) (any, error)

// Stats is a snapshot of the facade counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Errors    uint64
	Refreshes uint64
}

// Cache owns every component of one engine instance: the policy resolver,
// the runtime override store, the layered storage coordinator and the
// single-flight map. Processes instantiate one or more engines; there is
// no ambient state.
type Cache struct {
	resolver  *policy.Resolver
	overrides *policy.OverrideStore
	coord     *tiered.Coordinator
	flights   *flight.Group
	metrics   *callMetrics

	hits      atomic.Uint64
	misses    atomic.Uint64
	errors    atomic.Uint64
	refreshes atomic.Uint64

	// latency tracks an estimate of factory cost per method, feeding the
	// probabilistic early-refresh trigger.
	latencyMu sync.RWMutex
	latency   map[string]time.Duration

	closed atomic.Bool
}

// New assembles an engine. Without options it caches in process memory
// only, with default policies for every method.
func New(opts ...Option) (*Cache, error) {
	o := options{bounds: make(map[string]tiered.TTLBounds)}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.layers) == 0 {
		o.layers = []layer.Layer{memory.New()}
	}

	overrides := policy.NewOverrideStore()
	sources := append([]policy.Source{overrides}, o.sources...)
	resolver := policy.NewResolver(sources...)
	overrides.Bind(resolver)

	coordOpts := []tiered.Option{
		tiered.WithLayers(o.layers...),
		tiered.WithWriteThrough(o.writeThrough),
		tiered.WithBreakers(o.breakers),
		tiered.WithWriteQueue(o.queueOpts),
		tiered.WithPromoteIntermediate(o.promoteAll),
	}
	for name, bounds := range o.bounds {
		coordOpts = append(coordOpts, tiered.WithTTLBounds(name, bounds))
	}
	if o.plane != nil {
		coordOpts = append(coordOpts, tiered.WithBackplane(o.plane))
	}
	coord, err := tiered.New(coordOpts...)
	if err != nil {
		resolver.Close()
		return nil, err
	}

	return &Cache{
		resolver:  resolver,
		overrides: overrides,
		coord:     coord,
		flights:   flight.New(o.flightStripes),
		metrics:   newCallMetrics(),
		latency:   make(map[string]time.Duration),
	}, nil
}

// Overrides returns the runtime override store, the management surface
// for live policy changes.
func (c *Cache) Overrides() *policy.OverrideStore { return c.overrides }

// Resolver returns the policy resolver.
func (c *Cache) Resolver() *policy.Resolver { return c.resolver }

// Coordinator returns the storage coordinator.
func (c *Cache) Coordinator() *tiered.Coordinator { return c.coord }

// Stats returns a snapshot of the call counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Errors:    c.errors.Load(),
		Refreshes: c.refreshes.Load(),
	}
}

// Close releases every component: the write queue is drained, the
// backplane subscription torn down and the layers closed in reverse
// priority order.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.resolver.Close()
	return c.coord.Close()
}

// GetOrCreate returns the cached result of methodID applied to args,
// invoking factory under the policy's stampede protection on a miss. The
// returned bytes are the canonical JSON encoding of the factory result.
func (c *Cache) GetOrCreate(ctx context.Context, methodID string, args []any, factory Factory, opts ...CallOption) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	co := callOptions{}
	for _, opt := range opts {
		opt(&co)
	}

	p := c.effectivePolicy(methodID, &co)
	if !p.Enabled || (p.Predicate != nil && !p.Predicate(ctx)) {
		// Caching bypassed: execute directly without touching the layers.
		return c.runBare(ctx, methodID, factory, start)
	}
	if p.RequireIdempotent && !co.idempotent {
		c.errors.Add(1)
		c.metrics.record(ctx, methodID, resultError, time.Since(start))
		return nil, ErrNotIdempotent
	}

	key, err := c.deriveKey(methodID, args, p, &co)
	if err != nil {
		c.errors.Add(1)
		c.metrics.record(ctx, methodID, resultError, time.Since(start))
		return nil, err
	}

	if e, err := c.coord.Get(ctx, key, p.Duration); err == nil && e != nil {
		c.hits.Add(1)
		c.metrics.record(ctx, methodID, resultHit, time.Since(start))
		c.maybeRefresh(ctx, methodID, key, e, p, factory)
		return e.Value, nil
	}

	c.misses.Add(1)
	value, err := c.fill(ctx, methodID, key, p, factory)
	if err != nil {
		c.errors.Add(1)
		c.metrics.record(ctx, methodID, resultError, time.Since(start))
		return nil, err
	}
	c.metrics.record(ctx, methodID, resultMiss, time.Since(start))
	return value, nil
}

// TryGet probes the layers without a factory. Its only side effects are
// the hit and miss counters.
func (c *Cache) TryGet(ctx context.Context, methodID string, args []any, opts ...CallOption) ([]byte, bool, error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}
	co := callOptions{}
	for _, opt := range opts {
		opt(&co)
	}
	p := c.effectivePolicy(methodID, &co)
	key, err := c.deriveKey(methodID, args, p, &co)
	if err != nil {
		return nil, false, err
	}
	e, err := c.coord.Get(ctx, key, p.Duration)
	if err != nil || e == nil {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return e.Value, true, nil
}

// InvalidateKeys removes the given cache keys from every layer and
// broadcasts the invalidation. Idempotent.
func (c *Cache) InvalidateKeys(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		c.flights.Forget(key)
	}
	return c.coord.RemoveKeys(ctx, keys...)
}

// InvalidateTags removes every entry carrying any of the tags.
func (c *Cache) InvalidateTags(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		keys, err := c.coord.RemoveByTag(ctx, tag)
		if err != nil {
			return err
		}
		for _, key := range keys {
			c.flights.Forget(key)
		}
	}
	return nil
}

// InvalidateTagPattern removes every entry whose tags match the glob
// pattern ('*' matches any run, '?' one character).
func (c *Cache) InvalidateTagPattern(ctx context.Context, pattern string) error {
	keys, err := c.coord.RemoveByTagPattern(ctx, pattern)
	if err != nil {
		return err
	}
	for _, key := range keys {
		c.flights.Forget(key)
	}
	return nil
}

// Clear empties every layer.
func (c *Cache) Clear(ctx context.Context) error {
	return c.coord.Clear(ctx)
}

// GetOrCreateAs is the typed wrapper over Cache.GetOrCreate: the cached
// JSON is decoded into T.
func GetOrCreateAs[T any](ctx context.Context, c *Cache, methodID string, args []any, factory func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var zero T
	data, err := c.GetOrCreate(ctx, methodID, args, func(ctx context.Context) (any, error) {
		return factory(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("cache: decode cached value for %s: %w", methodID, err)
	}
	return out, nil
}

// TryGetAs is the typed wrapper over Cache.TryGet.
func TryGetAs[T any](ctx context.Context, c *Cache, methodID string, args []any, opts ...CallOption) (T, bool, error) {
	var zero T
	data, ok, err := c.TryGet(ctx, methodID, args, opts...)
	if err != nil || !ok {
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, false, fmt.Errorf("cache: decode cached value for %s: %w", methodID, err)
	}
	return out, true, nil
}

// effectivePolicy resolves the method policy and folds in the per-call
// override, which outranks every registered source.
func (c *Cache) effectivePolicy(methodID string, co *callOptions) policy.Policy {
	p := c.resolver.Resolve(methodID)
	if co.override == nil {
		return p
	}
	f := co.override
	if f.Duration != nil {
		p.Duration = *f.Duration
	}
	if f.Sliding != nil {
		p.Sliding = *f.Sliding
	}
	if len(f.Tags) > 0 {
		p.Tags = append(append([]string(nil), p.Tags...), f.Tags...)
	}
	if f.Version != nil {
		p.Version = *f.Version
	}
	if f.KeyGenerator != nil {
		p.KeyGenerator = *f.KeyGenerator
	}
	if f.RawKeyArg != nil {
		idx := *f.RawKeyArg
		p.RawKeyArg = &idx
	}
	if f.RequireIdempotent != nil && *f.RequireIdempotent {
		p.RequireIdempotent = true
	}
	if f.Enabled != nil {
		p.Enabled = *f.Enabled
	}
	if f.Stampede != nil {
		p.Stampede = *f.Stampede
	}
	if f.RefreshAhead != nil {
		p.RefreshAhead = *f.RefreshAhead
	}
	if f.Beta != nil {
		p.Beta = *f.Beta
	}
	return p
}

func (c *Cache) deriveKey(methodID string, args []any, p policy.Policy, co *callOptions) (string, error) {
	if co.rawKey != "" {
		return co.rawKey, nil
	}
	if p.RawKeyArg != nil {
		return cachekey.NewRawKey(*p.RawKeyArg).Generate(methodID, args, p.Version)
	}
	gen, err := cachekey.Lookup(p.KeyGenerator)
	if err != nil {
		return "", err
	}
	return gen.Generate(methodID, args, p.Version)
}

// runBare executes the factory without caching.
func (c *Cache) runBare(ctx context.Context, methodID string, factory Factory, start time.Time) ([]byte, error) {
	v, err := factory(ctx)
	if err != nil {
		c.errors.Add(1)
		c.metrics.record(ctx, methodID, resultError, time.Since(start))
		return nil, &FactoryError{MethodID: methodID, Err: err}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache: encode result of %s: %w", methodID, err)
	}
	c.metrics.record(ctx, methodID, resultMiss, time.Since(start))
	return data, nil
}

// fill executes the factory under the policy's stampede protection and
// stores the result in the layers. Factory errors are propagated to every
// awaiting caller for this attempt and never cached.
func (c *Cache) fill(ctx context.Context, methodID, key string, p policy.Policy, factory Factory) ([]byte, error) {
	run := func(fctx context.Context) (any, error) {
		return c.executeAndStore(fctx, methodID, key, p, factory)
	}

	switch p.Stampede {
	case policy.StampedeNone:
		v, err := run(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	default:
		// Strict single-flight; the probabilistic mode also funnels its
		// misses through here.
		v, err := c.flights.Do(ctx, key, run)
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	}
}

func (c *Cache) executeAndStore(ctx context.Context, methodID, key string, p policy.Policy, factory Factory) (any, error) {
	began := time.Now()
	v, err := factory(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FactoryError{MethodID: methodID, Err: err}
	}
	c.observeLatency(methodID, time.Since(began))

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache: encode result of %s: %w", methodID, err)
	}
	if p.Duration <= 0 {
		// A zero duration hands the value to the in-flight callers but
		// must never be observable on a later call.
		return data, nil
	}
	e := &layer.Entry{
		Value:     data,
		Sliding:   p.Sliding,
		Tags:      p.Tags,
		CreatedAt: time.Now(),
	}
	if err := c.coord.Set(ctx, key, e, p.Duration); err != nil {
		log.Warnf("cache: store %s failed, serving uncached value: %v", key, err)
	}
	return data, nil
}

// maybeRefresh triggers a background refresh on a hit when the policy asks
// for refresh-ahead or probabilistic early refresh. The refresh runs under
// the same single-flight as misses, so at most one factory executes.
func (c *Cache) maybeRefresh(ctx context.Context, methodID, key string, e *layer.Entry, p policy.Policy, factory Factory) {
	remaining := e.RemainingTTL(time.Now())
	if remaining < 0 {
		return
	}
	trigger := false
	if p.RefreshAhead > 0 && remaining < p.RefreshAhead {
		trigger = true
	}
	if !trigger && p.Stampede == policy.StampedeProbabilistic {
		beta := p.Beta
		if beta <= 0 {
			beta = defaultBeta
		}
		// XFetch: refresh when remaining TTL falls below the scaled
		// factory cost. One caller refreshes while the rest keep reading
		// the existing entry.
		delta := c.estimatedLatency(methodID)
		if delta <= 0 {
			delta = 50 * time.Millisecond
		}
		threshold := beta * float64(delta) * -math.Log(rand.Float64())
		trigger = float64(remaining) < threshold
	}
	if !trigger {
		return
	}

	c.refreshes.Add(1)
	bg := context.WithoutCancel(ctx)
	go func() {
		if _, err := c.flights.Do(bg, key, func(fctx context.Context) (any, error) {
			return c.executeAndStore(fctx, methodID, key, p, factory)
		}); err != nil {
			log.Warnf("cache: background refresh of %s failed: %v", key, err)
		}
	}()
}

func (c *Cache) observeLatency(methodID string, d time.Duration) {
	c.latencyMu.Lock()
	prev, ok := c.latency[methodID]
	if !ok {
		c.latency[methodID] = d
	} else {
		// EWMA with alpha 1/4.
		c.latency[methodID] = prev - prev/4 + d/4
	}
	c.latencyMu.Unlock()
}

func (c *Cache) estimatedLatency(methodID string) time.Duration {
	c.latencyMu.RLock()
	defer c.latencyMu.RUnlock()
	return c.latency[methodID]
}
