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

// Package flight coalesces concurrent factory invocations for the same
// cache key into a single execution.
package flight

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripes is the default number of lock stripes. Power of two so
// stripe selection reduces to a mask.
const DefaultStripes = 256

// call is one in-flight factory execution shared by all awaiters.
type call struct {
	done chan struct{}
	val  any
	err  error

	mu       sync.Mutex
	awaiters int
	cancel   context.CancelFunc
}

// Group coalesces calls per key over a fixed pool of lock stripes, so hot
// paths never allocate a mutex per key.
//
// Cancellation contract: a caller abandoning the wait does not cancel the
// factory while other awaiters remain; when the last awaiter cancels, the
// factory's context is cancelled too.
type Group struct {
	stripes []stripe
	mask    uint64
}

type stripe struct {
	mu    sync.Mutex
	calls map[string]*call
}

// New creates a group with the given number of stripes, rounded up to the
// next power of two. n <= 0 selects DefaultStripes.
func New(n int) *Group {
	if n <= 0 {
		n = DefaultStripes
	}
	size := 1
	for size < n {
		size <<= 1
	}
	g := &Group{stripes: make([]stripe, size), mask: uint64(size - 1)}
	for i := range g.stripes {
		g.stripes[i].calls = make(map[string]*call)
	}
	return g
}

func (g *Group) stripe(key string) *stripe {
	return &g.stripes[xxhash.Sum64String(key)&g.mask]
}

// Do executes fn under single-flight for key. The first caller runs fn in
// a goroutine whose context outlives individual awaiters; every concurrent
// caller for the same key receives the same value and error. A caller
// whose ctx fires before the flight completes receives ctx.Err(); the
// flight itself keeps running for the remaining awaiters and its result is
// still published to them.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	s := g.stripe(key)

	s.mu.Lock()
	if c, ok := s.calls[key]; ok {
		c.mu.Lock()
		c.awaiters++
		c.mu.Unlock()
		s.mu.Unlock()
		return g.wait(ctx, c)
	}

	// The factory context is detached from the first caller's lifetime so
	// that later awaiters keep the flight alive; cancellation propagates
	// only when the last awaiter leaves.
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call{done: make(chan struct{}), awaiters: 1, cancel: cancel}
	s.calls[key] = c
	s.mu.Unlock()

	go func() {
		v, err := fn(fctx)
		c.val, c.err = v, err

		s.mu.Lock()
		if s.calls[key] == c {
			delete(s.calls, key)
		}
		s.mu.Unlock()

		close(c.done)
		cancel()
	}()

	return g.wait(ctx, c)
}

func (g *Group) wait(ctx context.Context, c *call) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		c.mu.Lock()
		c.awaiters--
		if c.awaiters <= 0 {
			// Sole awaiter gone: the factory has no audience left.
			c.cancel()
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Forget drops the in-flight call for key, if any, so the next Do starts a
// fresh execution. Used when an invalidation must not be satisfied by a
// flight that read state written before it.
func (g *Group) Forget(key string) {
	s := g.stripe(key)
	s.mu.Lock()
	delete(s.calls, key)
	s.mu.Unlock()
}

// InFlight reports the number of keys currently executing. Used by tests
// and stats.
func (g *Group) InFlight() int {
	total := 0
	for i := range g.stripes {
		s := &g.stripes[i]
		s.mu.Lock()
		total += len(s.calls)
		s.mu.Unlock()
	}
	return total
}
