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

package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-methodcache-go/layer"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithSweepInterval(0)}, opts...)
	c := New(opts...)
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func entry(value string, tags ...string) *layer.Entry {
	return &layer.Entry{Value: []byte(value), Tags: tags}
}

func TestSetGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", entry("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestGet_Miss(t *testing.T) {
	c, _ := newTestCache(t)
	got, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.EqualValues(t, 1, c.Stats().Misses)
}

func TestGet_ExpiredNeverReturned(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", entry("v"), time.Minute))
	clock.Advance(61 * time.Second)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, c.Len(), "expired entry is reaped on read")
}

func TestSet_ZeroTTLNotStored(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", entry("v"), 0))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSet_ClampsToMaxTTL(t *testing.T) {
	c, clock := newTestCache(t, WithMaxTTL(time.Minute))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", entry("v"), time.Hour))

	clock.Advance(2 * time.Minute)
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got, "TTL beyond the layer cap is clamped")
}

func TestSlidingExpiration(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	e := entry("v")
	e.Sliding = time.Minute
	require.NoError(t, c.Set(ctx, "k", e, time.Minute))

	// Keep touching the entry before it lapses; the window slides.
	for i := 0; i < 3; i++ {
		clock.Advance(40 * time.Second)
		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, got, "read %d should slide the expiration", i)
	}

	clock.Advance(61 * time.Second)
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRemove(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", entry("v"), time.Minute))
	require.NoError(t, c.Remove(ctx, "k"))
	require.NoError(t, c.Remove(ctx, "k"), "remove is idempotent")
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRemoveByTag(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "u:1", entry("v1", "users", "u:1"), time.Minute))
	require.NoError(t, c.Set(ctx, "u:2", entry("v2", "users", "u:2"), time.Minute))
	require.NoError(t, c.Set(ctx, "p:1", entry("v3", "products"), time.Minute))

	removed, err := c.RemoveByTag(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"u:1", "u:2"}, removed)

	got, err := c.Get(ctx, "p:1")
	require.NoError(t, err)
	assert.NotNil(t, got, "untagged entries survive")
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), entry("v"), time.Minute))
	}
	require.NoError(t, c.Clear(ctx))
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Stats().Bytes)
}

func TestEviction_EntryCount(t *testing.T) {
	c, clock := newTestCache(t, WithMaxEntries(8), WithShards(1))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), entry("v"), time.Hour))
		clock.Advance(time.Second)
	}
	// Touch the newest half so the oldest half is least recently used.
	for i := 4; i < 8; i++ {
		_, err := c.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	require.NoError(t, c.Set(ctx, "overflow", entry("v"), time.Hour))

	assert.LessOrEqual(t, c.Len(), 8)
	assert.Greater(t, c.Stats().Evictions, uint64(0))

	// The most recently used entries survive.
	got, err := c.Get(ctx, "k7")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestEviction_PrefersExpired(t *testing.T) {
	c, clock := newTestCache(t, WithMaxEntries(4), WithShards(1))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "stale", entry("v"), time.Second))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), entry("v"), time.Hour))
	}
	clock.Advance(2 * time.Second)
	require.NoError(t, c.Set(ctx, "fresh", entry("v"), time.Hour))

	got, err := c.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = c.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", entry("v"), time.Minute))

	_, err := c.Get(ctx, "k")
	require.NoError(t, err)
	_, err = c.Get(ctx, "absent")
	require.NoError(t, err)

	s := c.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.EqualValues(t, 1, s.Hits)
	assert.EqualValues(t, 1, s.Misses)
	assert.Greater(t, s.Bytes, int64(0))
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%20)
				switch j % 3 {
				case 0:
					_ = c.Set(ctx, key, entry("v"), time.Minute)
				case 1:
					_, _ = c.Get(ctx, key)
				default:
					_ = c.Remove(ctx, key)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestEntriesAreValueCopied(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	e := entry("original")
	require.NoError(t, c.Set(ctx, "k", e, time.Minute))
	e.Value[0] = 'X'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("original"), got.Value, "stored entry does not alias the caller's bytes")

	got.Value[0] = 'Y'
	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again.Value, "returned entry does not alias the stored bytes")
}
