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

// Package tiered composes the storage layers in priority order and
// enforces the read, write and invalidate protocols across them.
package tiered

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"trpc.group/trpc-go/trpc-methodcache-go/backplane"
	"trpc.group/trpc-go/trpc-methodcache-go/internal/tagindex"
	"trpc.group/trpc-go/trpc-methodcache-go/internal/writequeue"
	"trpc.group/trpc-go/trpc-methodcache-go/layer"
	"trpc.group/trpc-go/trpc-methodcache-go/log"
)

// TTLBounds clamps per-layer TTLs: the effective TTL is
// min(policy duration, Max), or Default when the policy has no duration.
type TTLBounds struct {
	Max     time.Duration
	Default time.Duration
}

// Clamp applies the bounds to a policy duration.
func (b TTLBounds) Clamp(d time.Duration) time.Duration {
	if d <= 0 {
		d = b.Default
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type layerSlot struct {
	layer   layer.Layer
	bounds  TTLBounds
	breaker *gobreaker.CircuitBreaker
}

// Coordinator owns the ordering of layers. Reads probe in priority order
// and promote hits upward; writes fill L1 synchronously and fan out to the
// lower layers through the async write queue unless write-through is
// configured; invalidations remove from every layer, update the tag index
// and publish on the backplane.
type Coordinator struct {
	opts  options
	slots []layerSlot
	index *tagindex.Index
	queue *writequeue.Queue
	plane backplane.Backplane

	// tombstones guard the promotion/invalidation race: a key invalidated
	// around a promotion must not be resurrected by it. Tombstones are
	// time-bounded; a fresh factory fill clears them.
	tombMu     sync.Mutex
	tombstones map[string]time.Time

	closeOnce sync.Once
}

type options struct {
	layers       []layer.Layer
	bounds       map[string]TTLBounds
	writeThrough bool
	breakers     bool
	queueOpts    writequeue.Options
	plane        backplane.Backplane
	promoteAll   bool
}

// Option configures the coordinator.
type Option func(*options)

// WithLayers supplies the storage layers in any order; priority decides
// probing order.
func WithLayers(layers ...layer.Layer) Option {
	return func(o *options) { o.layers = append(o.layers, layers...) }
}

// WithTTLBounds sets the TTL clamp for the named layer.
func WithTTLBounds(layerName string, bounds TTLBounds) Option {
	return func(o *options) { o.bounds[layerName] = bounds }
}

// WithWriteThrough makes lower-layer writes synchronous, extending the
// critical path of a miss in exchange for durability before return.
func WithWriteThrough(on bool) Option {
	return func(o *options) { o.writeThrough = on }
}

// WithBreakers attaches a circuit breaker to every layer below L1. An
// open breaker turns reads into misses and skips the writes of Set until
// a trial request closes it again. Asynchronous promotions into
// intermediate layers are queued whatever the breaker state.
func WithBreakers(on bool) Option {
	return func(o *options) { o.breakers = on }
}

// WithWriteQueue configures the async write queue.
func WithWriteQueue(queueOpts writequeue.Options) Option {
	return func(o *options) { o.queueOpts = queueOpts }
}

// WithBackplane attaches the cross-instance invalidation channel.
func WithBackplane(plane backplane.Backplane) Option {
	return func(o *options) { o.plane = plane }
}

// WithPromoteIntermediate also promotes lower-layer hits asynchronously
// into every missed intermediate layer, not only into L1.
func WithPromoteIntermediate(on bool) Option {
	return func(o *options) { o.promoteAll = on }
}

// New creates a coordinator. At least one layer is required; the highest
// priority layer (lowest Priority value) is treated as L1.
func New(opts ...Option) (*Coordinator, error) {
	o := options{bounds: make(map[string]TTLBounds)}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.layers) == 0 {
		return nil, errors.New("tiered: at least one layer is required")
	}
	sort.SliceStable(o.layers, func(i, j int) bool {
		return o.layers[i].Priority() < o.layers[j].Priority()
	})

	c := &Coordinator{
		opts:       o,
		index:      tagindex.New(),
		queue:      writequeue.New(o.queueOpts),
		plane:      o.plane,
		tombstones: make(map[string]time.Time),
	}
	for i, l := range o.layers {
		slot := layerSlot{layer: l, bounds: o.bounds[l.Name()]}
		if o.breakers && i > 0 {
			slot.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name: "layer:" + l.Name(),
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.Warnf("tiered: breaker %s %s -> %s", name, from, to)
				},
			})
		}
		c.slots = append(c.slots, slot)
	}
	if c.plane != nil {
		if err := c.plane.Subscribe(c.onMessage); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Layers returns the composed layers in probe order.
func (c *Coordinator) Layers() []layer.Layer {
	out := make([]layer.Layer, len(c.slots))
	for i, s := range c.slots {
		out[i] = s.layer
	}
	return out
}

// QueueStats exposes the async write queue counters.
func (c *Coordinator) QueueStats() writequeue.Stats {
	return c.queue.Stats()
}

// execGet runs a layer read through its breaker, degrading failures to
// misses.
func (s *layerSlot) execGet(ctx context.Context, key string) (*layer.Entry, error) {
	if s.breaker == nil {
		return s.layer.Get(ctx, key)
	}
	v, err := s.breaker.Execute(func() (any, error) {
		return s.layer.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	e, _ := v.(*layer.Entry)
	return e, nil
}

func (s *layerSlot) execSet(ctx context.Context, key string, e *layer.Entry, ttl time.Duration) error {
	if s.breaker == nil {
		return s.layer.Set(ctx, key, e, ttl)
	}
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.layer.Set(ctx, key, e, ttl)
	})
	return err
}

// Get probes layers in priority order. A hit below L1 is promoted
// synchronously into L1 with a clamped TTL, so the hot path converges to
// L1; missed intermediate layers are refilled asynchronously when
// configured. Layer errors are logged and degrade to misses.
func (c *Coordinator) Get(ctx context.Context, key string, duration time.Duration) (*layer.Entry, error) {
	for i := range c.slots {
		s := &c.slots[i]
		e, err := s.execGet(ctx, key)
		if err != nil {
			log.Warnf("tiered: layer %s read %s failed, treating as miss: %v", s.layer.Name(), key, err)
			continue
		}
		if e == nil {
			continue
		}
		if i > 0 {
			c.promote(ctx, key, e, i, duration)
		}
		return e, nil
	}
	return nil, nil
}

// promote writes a lower-layer hit back into L1 (synchronously) and into
// missed intermediates (asynchronously). If an invalidation raced the
// promotion, the tombstone forces a re-remove so the invalidation wins.
func (c *Coordinator) promote(ctx context.Context, key string, e *layer.Entry, hitIdx int, duration time.Duration) {
	now := time.Now()
	remaining := e.RemainingTTL(now)
	if remaining <= 0 && !e.ExpiresAt.IsZero() {
		return
	}
	ttl := duration
	if remaining > 0 && (ttl <= 0 || remaining < ttl) {
		ttl = remaining
	}

	l1 := &c.slots[0]
	if c.hasTombstone(key) {
		// The key was invalidated recently; a promotion of a value read
		// around that invalidation must not resurrect it.
		return
	}
	if err := l1.execSet(ctx, key, e, l1.bounds.Clamp(ttl)); err != nil {
		log.Warnf("tiered: promote %s to %s failed: %v", key, l1.layer.Name(), err)
		return
	}
	c.index.Associate(key, e.Tags)
	if c.hasTombstone(key) {
		// Invalidation raced the promotion; the invalidation wins.
		_ = l1.layer.Remove(ctx, key)
		c.index.Dissociate(key)
		return
	}

	if c.opts.promoteAll {
		for i := 1; i < hitIdx; i++ {
			s := &c.slots[i]
			c.queue.Enqueue(&writequeue.Task{
				Target: s.layer,
				Key:    key,
				Entry:  e.Clone(),
				TTL:    s.bounds.Clamp(ttl),
			})
		}
	}
}

// Set fills every layer: L1 synchronously, the rest through the write
// queue (default) or synchronously under write-through.
func (c *Coordinator) Set(ctx context.Context, key string, e *layer.Entry, duration time.Duration) error {
	c.clearTombstone(key)
	l1 := &c.slots[0]
	if err := l1.execSet(ctx, key, e, l1.bounds.Clamp(duration)); err != nil {
		return err
	}
	c.index.Associate(key, e.Tags)

	for i := 1; i < len(c.slots); i++ {
		s := &c.slots[i]
		ttl := s.bounds.Clamp(duration)
		if c.opts.writeThrough {
			if err := s.execSet(ctx, key, e.Clone(), ttl); err != nil {
				log.Warnf("tiered: write-through %s to %s failed: %v", key, s.layer.Name(), err)
			}
			continue
		}
		if s.breaker != nil && s.breaker.State() == gobreaker.StateOpen {
			// An open breaker skips the write.
			continue
		}
		c.queue.Enqueue(&writequeue.Task{
			Target: s.layer,
			Key:    key,
			Entry:  e.Clone(),
			TTL:    ttl,
		})
	}
	return nil
}

// RemoveKeys removes the keys from every layer, dissociates their tags
// and publishes the invalidation. Local removal never fails because of
// backplane errors.
func (c *Coordinator) RemoveKeys(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		c.setTombstone(key)
		c.removeEverywhere(ctx, key)
		c.index.Dissociate(key)
	}
	c.publish(ctx, func(p backplane.Backplane) {
		for _, key := range keys {
			if err := p.PublishKey(ctx, key); err != nil {
				log.Warnf("tiered: publish key invalidation %s failed: %v", key, err)
			}
		}
	})
	return nil
}

// RemoveByTag removes every entry carrying the tag from every layer and
// returns the keys that were associated at call time.
func (c *Coordinator) RemoveByTag(ctx context.Context, tag string) ([]string, error) {
	keys := c.index.RemoveByTag(tag)
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
	}

	// Lower layers may hold keys this instance never indexed (filled by a
	// peer); each layer resolves its own members.
	var g errgroup.Group
	var mu sync.Mutex
	for i := range c.slots {
		s := &c.slots[i]
		g.Go(func() error {
			removed, err := s.layer.RemoveByTag(ctx, tag)
			if err != nil {
				log.Warnf("tiered: layer %s remove by tag %s failed: %v", s.layer.Name(), tag, err)
				return nil
			}
			mu.Lock()
			for _, key := range removed {
				seen[key] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	all := make([]string, 0, len(seen))
	for key := range seen {
		c.setTombstone(key)
		c.removeEverywhere(ctx, key)
		c.index.Dissociate(key)
		all = append(all, key)
	}
	sort.Strings(all)

	c.publish(ctx, func(p backplane.Backplane) {
		if err := p.PublishTag(ctx, tag); err != nil {
			log.Warnf("tiered: publish tag invalidation %s failed: %v", tag, err)
		}
	})
	return all, nil
}

// RemoveByTagPattern removes every entry whose tags match the glob
// pattern and publishes one key invalidation per removed key.
func (c *Coordinator) RemoveByTagPattern(ctx context.Context, pattern string) ([]string, error) {
	keys, err := c.index.RemoveByPattern(pattern)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		c.setTombstone(key)
		c.removeEverywhere(ctx, key)
	}
	c.publish(ctx, func(p backplane.Backplane) {
		for _, key := range keys {
			if err := p.PublishKey(ctx, key); err != nil {
				log.Warnf("tiered: publish key invalidation %s failed: %v", key, err)
			}
		}
	})
	return keys, nil
}

// Clear empties every layer and the tag index, and broadcasts the clear.
func (c *Coordinator) Clear(ctx context.Context) error {
	for i := range c.slots {
		s := &c.slots[i]
		if err := s.layer.Clear(ctx); err != nil {
			log.Warnf("tiered: layer %s clear failed: %v", s.layer.Name(), err)
		}
	}
	c.index.Clear()
	c.publish(ctx, func(p backplane.Backplane) {
		if err := p.PublishClear(ctx); err != nil {
			log.Warnf("tiered: publish clear failed: %v", err)
		}
	})
	return nil
}

// Health reports the first unhealthy layer, if any. A layer whose breaker
// is open is reported as a fatal layer failure.
func (c *Coordinator) Health(ctx context.Context) error {
	for i := range c.slots {
		s := &c.slots[i]
		if s.breaker != nil && s.breaker.State() == gobreaker.StateOpen {
			return &layer.Error{Layer: s.layer.Name(), Err: errors.New("circuit breaker open")}
		}
		if err := s.layer.Health(ctx); err != nil {
			return &layer.Error{Layer: s.layer.Name(), Transient: true, Err: err}
		}
	}
	return nil
}

// Close drains the write queue and releases layers in reverse priority
// order.
func (c *Coordinator) Close() error {
	var first error
	c.closeOnce.Do(func() {
		c.queue.Close(true, 5*time.Second)
		if c.plane != nil {
			if err := c.plane.Close(); err != nil && first == nil {
				first = err
			}
		}
		for i := len(c.slots) - 1; i >= 0; i-- {
			if err := c.slots[i].layer.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}

// onMessage translates incoming backplane messages into local removals.
// Invalidations are terminal: nothing is re-published.
func (c *Coordinator) onMessage(ctx context.Context, msg backplane.Message) {
	switch msg.Type {
	case backplane.TypeKey:
		c.setTombstone(msg.Payload)
		c.removeLocal(ctx, msg.Payload)
		c.index.Dissociate(msg.Payload)
	case backplane.TypeTag:
		for _, key := range c.index.RemoveByTag(msg.Payload) {
			c.setTombstone(key)
			c.removeLocal(ctx, key)
		}
	case backplane.TypeClear:
		l1 := c.slots[0].layer
		if err := l1.Clear(ctx); err != nil {
			log.Warnf("tiered: clear after backplane message failed: %v", err)
		}
		c.index.Clear()
	default:
		log.Warnf("tiered: drop backplane message of unknown type %q", msg.Type)
	}
}

// removeEverywhere removes from every layer in parallel.
func (c *Coordinator) removeEverywhere(ctx context.Context, key string) {
	var g errgroup.Group
	for i := range c.slots {
		s := &c.slots[i]
		g.Go(func() error {
			if err := s.layer.Remove(ctx, key); err != nil {
				log.Warnf("tiered: layer %s remove %s failed: %v", s.layer.Name(), key, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// removeLocal removes only from L1. Peer instances own their lower-layer
// removal; a shared L2/L3 was already cleaned by the originating
// instance.
func (c *Coordinator) removeLocal(ctx context.Context, key string) {
	if err := c.slots[0].layer.Remove(ctx, key); err != nil {
		log.Warnf("tiered: local remove %s failed: %v", key, err)
	}
}

// tombstoneTTL bounds how long an invalidation blocks promotions of the
// key. A fresh factory fill clears the tombstone immediately.
const tombstoneTTL = 5 * time.Second

func (c *Coordinator) setTombstone(key string) {
	c.tombMu.Lock()
	c.tombstones[key] = time.Now()
	c.tombMu.Unlock()
}

func (c *Coordinator) clearTombstone(key string) {
	c.tombMu.Lock()
	delete(c.tombstones, key)
	c.tombMu.Unlock()
}

func (c *Coordinator) hasTombstone(key string) bool {
	c.tombMu.Lock()
	defer c.tombMu.Unlock()
	at, ok := c.tombstones[key]
	if !ok {
		return false
	}
	if time.Since(at) > tombstoneTTL {
		delete(c.tombstones, key)
		return false
	}
	return true
}

func (c *Coordinator) publish(ctx context.Context, fn func(backplane.Backplane)) {
	if c.plane == nil {
		return
	}
	fn(c.plane)
}
