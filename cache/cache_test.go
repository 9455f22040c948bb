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

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-methodcache-go/backplane"
	"trpc.group/trpc-go/trpc-methodcache-go/layer"
	"trpc.group/trpc-go/trpc-methodcache-go/layer/memory"
	"trpc.group/trpc-go/trpc-methodcache-go/policy"
)

type user struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestGetOrCreate_BasicHit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	calls := 0
	factory := func(context.Context) (user, error) {
		calls++
		return user{ID: 1, Name: "A"}, nil
	}

	got, err := GetOrCreateAs(ctx, c, "UserService.GetUser", []any{1}, factory,
		WithPolicyOverride(policy.Fragment{Tags: []string{"users"}}))
	require.NoError(t, err)
	assert.Equal(t, user{ID: 1, Name: "A"}, got)
	assert.Equal(t, 1, calls)

	again, err := GetOrCreateAs(ctx, c, "UserService.GetUser", []any{1}, factory,
		WithPolicyOverride(policy.Fragment{Tags: []string{"users"}}))
	require.NoError(t, err)
	assert.Equal(t, user{ID: 1, Name: "A"}, again)
	assert.Equal(t, 1, calls, "second call is served from cache")

	s := c.Stats()
	assert.EqualValues(t, 1, s.Hits)
	assert.EqualValues(t, 1, s.Misses)
}

func TestGetOrCreate_DistinctArgsDistinctEntries(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int64
	factory := func(id int) func(context.Context) (user, error) {
		return func(context.Context) (user, error) {
			calls.Add(1)
			return user{ID: id}, nil
		}
	}

	u1, err := GetOrCreateAs(ctx, c, "UserService.GetUser", []any{1}, factory(1))
	require.NoError(t, err)
	u2, err := GetOrCreateAs(ctx, c, "UserService.GetUser", []any{2}, factory(2))
	require.NoError(t, err)
	assert.Equal(t, 1, u1.ID)
	assert.Equal(t, 2, u2.ID)
	assert.EqualValues(t, 2, calls.Load())
}

func TestTryGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.TryGet(ctx, "M", []any{1})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.GetOrCreate(ctx, "M", []any{1}, func(context.Context) (any, error) {
		return "value", nil
	})
	require.NoError(t, err)

	got, ok, err := TryGetAs[string](ctx, c, "M", []any{1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value", got)
}

func TestGetOrCreate_SingleFlight(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var executions atomic.Int64
	factory := func(context.Context) (int, error) {
		executions.Add(1)
		time.Sleep(200 * time.Millisecond)
		return 42, nil
	}

	const callers = 100
	var wg sync.WaitGroup
	results := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = GetOrCreateAs(ctx, c, "slow.method", []any{"k"}, factory)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, executions.Load(), "factory must run exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
}

func TestGetOrCreate_FactoryErrorNotCached(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	boom := errors.New("boom")
	calls := 0
	failing := func(context.Context) (any, error) {
		calls++
		return nil, boom
	}

	_, err := c.GetOrCreate(ctx, "M", []any{1}, failing)
	var ferr *FactoryError
	require.ErrorAs(t, err, &ferr)
	require.ErrorIs(t, err, boom)

	_, err = c.GetOrCreate(ctx, "M", []any{1}, failing)
	require.Error(t, err)
	assert.Equal(t, 2, calls, "failures are never cached")
}

func TestGetOrCreate_NotIdempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Overrides().ApplyOverrides(policy.Override{
		Method: "M",
		Fragment: policy.Fragment{
			RequireIdempotent: boolPtr(true),
		},
	})
	waitForPolicy(t, c, "M", func(p policy.Policy) bool { return p.RequireIdempotent })

	factory := func(context.Context) (any, error) { return 1, nil }

	_, err := c.GetOrCreate(ctx, "M", []any{1}, factory)
	require.ErrorIs(t, err, ErrNotIdempotent)

	_, err = c.GetOrCreate(ctx, "M", []any{1}, factory, Idempotent())
	require.NoError(t, err)
}

func TestGetOrCreate_DisabledBypassesCache(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Overrides().ApplyOverrides(policy.Override{
		Method:   "M",
		Fragment: policy.Fragment{Enabled: boolPtr(false)},
	})
	waitForPolicy(t, c, "M", func(p policy.Policy) bool { return !p.Enabled })

	calls := 0
	factory := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}
	for i := 1; i <= 3; i++ {
		data, err := c.GetOrCreate(ctx, "M", []any{1}, factory)
		require.NoError(t, err)
		assert.Equal(t, []byte(jsonInt(i)), data)
	}
	assert.Equal(t, 3, calls)
}

func TestGetOrCreate_ZeroDurationNotObservable(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	calls := 0
	factory := func(context.Context) (any, error) {
		calls++
		return "v", nil
	}
	opt := WithPolicyOverride(policy.Fragment{Duration: durPtr(0)})

	_, err := c.GetOrCreate(ctx, "M", []any{1}, factory, opt)
	require.NoError(t, err)
	_, err = c.GetOrCreate(ctx, "M", []any{1}, factory, opt)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "zero-duration entries are invisible to later calls")
}

func TestInvalidateTags(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	mk := func(id int) func(context.Context) (user, error) {
		return func(context.Context) (user, error) { return user{ID: id}, nil }
	}
	_, err := GetOrCreateAs(ctx, c, "U.Get", []any{1}, mk(1),
		WithPolicyOverride(policy.Fragment{Tags: []string{"users", "u:1"}}))
	require.NoError(t, err)
	_, err = GetOrCreateAs(ctx, c, "U.Get", []any{2}, mk(2),
		WithPolicyOverride(policy.Fragment{Tags: []string{"users", "u:2"}}))
	require.NoError(t, err)

	require.NoError(t, c.InvalidateTags(ctx, "users"))

	_, ok, err := c.TryGet(ctx, "U.Get", []any{1})
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.TryGet(ctx, "U.Get", []any{2})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateTagPattern_Star(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	factory := func(context.Context) (any, error) { return "v", nil }
	_, err := c.GetOrCreate(ctx, "A", []any{1}, factory,
		WithPolicyOverride(policy.Fragment{Tags: []string{"x"}}))
	require.NoError(t, err)
	_, err = c.GetOrCreate(ctx, "B", []any{1}, factory,
		WithPolicyOverride(policy.Fragment{Tags: []string{"y"}}))
	require.NoError(t, err)

	require.NoError(t, c.InvalidateTagPattern(ctx, "*"))

	_, ok, _ := c.TryGet(ctx, "A", []any{1})
	assert.False(t, ok)
	_, ok, _ = c.TryGet(ctx, "B", []any{1})
	assert.False(t, ok)
}

func TestInvalidateKeys_Idempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.GetOrCreate(ctx, "M", []any{1}, func(context.Context) (any, error) {
		return "v", nil
	}, WithRawKey("the-key"))
	require.NoError(t, err)

	require.NoError(t, c.InvalidateKeys(ctx, "the-key"))
	require.NoError(t, c.InvalidateKeys(ctx, "the-key"))

	_, ok, err := c.TryGet(ctx, "M", []any{1}, WithRawKey("the-key"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateThenGetOrCreate_RunsFactoryAgain(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	calls := 0
	factory := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}
	data, err := c.GetOrCreate(ctx, "M", []any{1}, factory, WithRawKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	require.NoError(t, c.InvalidateKeys(ctx, "k"))

	data, err = c.GetOrCreate(ctx, "M", []any{1}, factory, WithRawKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(data), "a value written before the invalidate is never returned")
}

func TestRuntimeOverride_WinsAndFallsBack(t *testing.T) {
	programmatic := policy.NewBuilder()
	programmatic.Method("M").Duration(2 * time.Hour).Apply()

	descriptor := policy.NewDescriptorSource(policy.Descriptor{MethodID: "M", Duration: time.Hour})

	c := newTestCache(t, WithSources(descriptor, programmatic))

	waitForPolicy(t, c, "M", func(p policy.Policy) bool { return p.Duration == 2*time.Hour })

	c.Overrides().Override("M").Duration(5 * time.Minute).Apply()
	waitForPolicy(t, c, "M", func(p policy.Policy) bool { return p.Duration == 5*time.Minute })

	c.Overrides().RemoveOverride("M")
	waitForPolicy(t, c, "M", func(p policy.Policy) bool { return p.Duration == 2*time.Hour })
}

func TestCrossInstanceInvalidation(t *testing.T) {
	bus := backplane.NewBus()
	a := newTestCache(t, WithBackplane(backplane.NewInMemory(bus)))
	b := newTestCache(t, WithBackplane(backplane.NewInMemory(bus)))
	ctx := context.Background()

	_, err := a.GetOrCreate(ctx, "M", []any{1}, func(context.Context) (any, error) {
		return "v", nil
	}, WithRawKey("k"), WithPolicyOverride(policy.Fragment{
		Duration: durPtr(time.Hour),
		Tags:     []string{"t"},
	}))
	require.NoError(t, err)

	require.NoError(t, b.InvalidateTags(ctx, "t"))

	waitFor(t, func() bool {
		_, ok, _ := a.TryGet(ctx, "M", []any{1}, WithRawKey("k"))
		return !ok
	}, "instance A never observed the invalidation from instance B")
}

// fakeL2 is a tiny distributed layer double for promotion tests.
type fakeL2 struct {
	mu      sync.Mutex
	entries map[string]*layer.Entry
	gets    int
}

func newFakeL2() *fakeL2 {
	return &fakeL2{entries: make(map[string]*layer.Entry)}
}

func (f *fakeL2) Name() string  { return "fake-l2" }
func (f *fakeL2) Priority() int { return layer.PriorityDistributed }

func (f *fakeL2) Get(_ context.Context, key string) (*layer.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return f.entries[key].Clone(), nil
}

func (f *fakeL2) Set(_ context.Context, key string, e *layer.Entry, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = e.Clone()
	return nil
}

func (f *fakeL2) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeL2) RemoveByTag(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeL2) Clear(context.Context) error                           { return nil }
func (f *fakeL2) Health(context.Context) error                          { return nil }
func (f *fakeL2) Close() error                                          { return nil }

func (f *fakeL2) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func TestL2Promotion(t *testing.T) {
	l2 := newFakeL2()
	l2.entries["k"] = &layer.Entry{
		Value:     []byte(`"from-l2"`),
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}

	c := newTestCache(t, WithLayers(memory.New(memory.WithSweepInterval(0)), l2))
	ctx := context.Background()

	factory := func(context.Context) (any, error) {
		t.Error("factory must not run on an L2 hit")
		return nil, nil
	}
	data, err := c.GetOrCreate(ctx, "M", []any{1}, factory, WithRawKey("k"))
	require.NoError(t, err)
	assert.Equal(t, `"from-l2"`, string(data))

	probes := l2.getCount()
	data, err = c.GetOrCreate(ctx, "M", []any{1}, factory, WithRawKey("k"))
	require.NoError(t, err)
	assert.Equal(t, `"from-l2"`, string(data))
	assert.Equal(t, probes, l2.getCount(), "promoted entry must serve from L1")
}

func TestRefreshAhead(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int64
	factory := func(context.Context) (any, error) {
		return calls.Add(1), nil
	}
	opt := WithPolicyOverride(policy.Fragment{
		Duration:     durPtr(time.Hour),
		RefreshAhead: durPtr(2 * time.Hour), // always within the window
	})

	_, err := c.GetOrCreate(ctx, "M", []any{1}, factory, WithRawKey("k"), opt)
	require.NoError(t, err)

	// The next hit triggers a background refresh under single-flight.
	_, err = c.GetOrCreate(ctx, "M", []any{1}, factory, WithRawKey("k"), opt)
	require.NoError(t, err)

	waitFor(t, func() bool { return calls.Load() >= 2 }, "background refresh never ran")
	waitFor(t, func() bool {
		data, ok, _ := c.TryGet(ctx, "M", []any{1}, WithRawKey("k"))
		return ok && string(data) == "2"
	}, "refreshed value never became visible")
}

func TestClose(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	_, err = c.GetOrCreate(context.Background(), "M", nil, func(context.Context) (any, error) {
		return 1, nil
	})
	require.ErrorIs(t, err, ErrClosed)
}

func waitForPolicy(t *testing.T, c *Cache, methodID string, ok func(policy.Policy) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok(c.Resolver().Resolve(methodID)) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("policy for %s never reached the expected state", methodID)
}

func boolPtr(b bool) *bool { return &b }

func durPtr(d time.Duration) *time.Duration { return &d }

func jsonInt(i int) string {
	data, _ := json.Marshal(i)
	return string(data)
}
