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

package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func durationFragment(d time.Duration) Fragment {
	return Fragment{Duration: &d}
}

// staticSource is a fixed-priority source for tests.
type staticSource struct {
	name     string
	priority int
	snap     map[string]Fragment
	err      error
}

func (s *staticSource) Name() string        { return s.name }
func (s *staticSource) Priority() int       { return s.priority }
func (s *staticSource) Watch() <-chan Change { return nil }
func (s *staticSource) Snapshot() (map[string]Fragment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.snap, nil
}

// TestResolve_PriorityLadder walks the well-known ladder: a descriptor
// declares 1h, the file says 30m, the programmatic source says 2h and a
// runtime override sets 5m. The override wins; removing it falls back to
// the programmatic value.
func TestResolve_PriorityLadder(t *testing.T) {
	descriptor := NewDescriptorSource(Descriptor{MethodID: "M", Duration: time.Hour})

	file := &staticSource{
		name:     "file",
		priority: PriorityFile,
		snap:     map[string]Fragment{"M": durationFragment(30 * time.Minute)},
	}

	programmatic := NewBuilder()
	programmatic.Method("M").Duration(2 * time.Hour).Apply()

	overrides := NewOverrideStore()

	r := NewResolver(descriptor, file, programmatic, overrides)
	defer r.Close()
	overrides.Bind(r)

	assert.Equal(t, 2*time.Hour, r.Resolve("M").Duration, "programmatic wins before the override lands")

	overrides.Override("M").Duration(5 * time.Minute).Apply()
	waitResolved(t, r, "M", 5*time.Minute)

	overrides.RemoveOverride("M")
	waitResolved(t, r, "M", 2*time.Hour)
}

func waitResolved(t *testing.T, r *Resolver, methodID string, want time.Duration) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Resolve(methodID).Duration == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("policy for %s never resolved to %s (got %s)", methodID, want, r.Resolve(methodID).Duration)
}

func TestResolve_TagsUnion(t *testing.T) {
	low := &staticSource{
		name:     "low",
		priority: PriorityDescriptor,
		snap:     map[string]Fragment{"M": {Tags: []string{"users", "shared"}}},
	}
	high := &staticSource{
		name:     "high",
		priority: PriorityProgrammatic,
		snap:     map[string]Fragment{"M": {Tags: []string{"hot", "shared"}}},
	}
	r := NewResolver(low, high)
	defer r.Close()

	assert.Equal(t, []string{"hot", "shared", "users"}, r.Resolve("M").Tags)
}

func TestResolve_IdempotencyIsORed(t *testing.T) {
	yes := true
	no := false
	low := &staticSource{
		name:     "low",
		priority: PriorityDescriptor,
		snap:     map[string]Fragment{"M": {RequireIdempotent: &yes}},
	}
	high := &staticSource{
		name:     "high",
		priority: PriorityProgrammatic,
		snap:     map[string]Fragment{"M": {RequireIdempotent: &no}},
	}
	r := NewResolver(low, high)
	defer r.Close()

	assert.True(t, r.Resolve("M").RequireIdempotent,
		"any source requiring idempotency makes the effective policy require it")
}

func TestResolve_PredicatesConjoin(t *testing.T) {
	allow := func(context.Context) bool { return true }
	deny := func(context.Context) bool { return false }
	low := &staticSource{
		name:     "low",
		priority: PriorityDescriptor,
		snap:     map[string]Fragment{"M": {Predicate: allow}},
	}
	high := &staticSource{
		name:     "high",
		priority: PriorityProgrammatic,
		snap:     map[string]Fragment{"M": {Predicate: deny}},
	}
	r := NewResolver(low, high)
	defer r.Close()

	p := r.Resolve("M")
	require.NotNil(t, p.Predicate)
	assert.False(t, p.Predicate(context.Background()))
}

func TestResolve_WildcardDefaults(t *testing.T) {
	b := NewBuilder()
	b.Defaults().Duration(time.Minute).Tags("all").Apply()
	b.Method("M").Duration(time.Hour).Apply()

	r := NewResolver(b)
	defer r.Close()

	waitResolved(t, r, "M", time.Hour)
	assert.Equal(t, []string{"all"}, r.Resolve("M").Tags, "wildcard tags still apply")
	waitResolved(t, r, "Other", time.Minute)
}

func TestResolve_SourceErrorContributesNothing(t *testing.T) {
	broken := &staticSource{
		name:     "broken",
		priority: PriorityOverride,
		err:      errors.New("boom"),
	}
	ok := &staticSource{
		name:     "ok",
		priority: PriorityFile,
		snap:     map[string]Fragment{"M": durationFragment(time.Minute)},
	}
	r := NewResolver(broken, ok)
	defer r.Close()

	assert.Equal(t, time.Minute, r.Resolve("M").Duration)
}

func TestResolve_DefaultWhenNoSourceContributes(t *testing.T) {
	r := NewResolver()
	defer r.Close()
	p := r.Resolve("M")
	assert.Equal(t, Default(), p)
}

func TestResolve_CachedUntilChange(t *testing.T) {
	src := &staticSource{
		name:     "mut",
		priority: PriorityFile,
		snap:     map[string]Fragment{"M": durationFragment(time.Minute)},
	}
	r := NewResolver(src)
	defer r.Close()

	assert.Equal(t, time.Minute, r.Resolve("M").Duration)

	// Mutating the snapshot without a change event keeps the cached
	// policy.
	src.snap = map[string]Fragment{"M": durationFragment(time.Hour)}
	assert.Equal(t, time.Minute, r.Resolve("M").Duration)
}

func TestApplyOverrides_Idempotent(t *testing.T) {
	overrides := NewOverrideStore()
	r := NewResolver(overrides)
	defer r.Close()
	overrides.Bind(r)

	o := Override{Method: "M", Fragment: durationFragment(time.Minute)}
	overrides.ApplyOverrides(o)
	waitResolved(t, r, "M", time.Minute)
	first, ok := overrides.GetEffective("M")
	require.True(t, ok)

	overrides.ApplyOverrides(o)
	waitResolved(t, r, "M", time.Minute)
	second, ok := overrides.GetEffective("M")
	require.True(t, ok)
	assert.Equal(t, first.Duration, second.Duration)
	assert.Len(t, overrides.GetOverrides(), 1)
}

func TestOverrideStore_ClearAndList(t *testing.T) {
	overrides := NewOverrideStore()
	r := NewResolver(overrides)
	defer r.Close()
	overrides.Bind(r)

	overrides.ApplyOverrides(
		Override{Service: "Svc", Method: "A", Fragment: durationFragment(time.Minute)},
		Override{Method: "B", Fragment: durationFragment(time.Hour)},
	)
	list := overrides.GetOverrides()
	require.Len(t, list, 2)
	assert.Equal(t, "B", list[0].Method)
	assert.Equal(t, "Svc.A", list[1].Method)

	overrides.ClearOverrides()
	assert.Empty(t, overrides.GetOverrides())
	waitResolved(t, r, "Svc.A", Default().Duration)
}
