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

// Package policy resolves per-method cache policies from prioritized sources.
package policy

import (
	"context"
	"sort"
	"time"
)

// StampedeMode selects the stampede-protection strategy for a method.
type StampedeMode int

const (
	// StampedeNone disables stampede protection.
	StampedeNone StampedeMode = iota
	// StampedeSingleFlight coalesces concurrent misses into one factory call.
	StampedeSingleFlight
	// StampedeProbabilistic refreshes entries early with a probability that
	// grows as expiration approaches, while other callers read the old value.
	StampedeProbabilistic
)

// String returns the string representation of the mode.
func (m StampedeMode) String() string {
	switch m {
	case StampedeSingleFlight:
		return "singleflight"
	case StampedeProbabilistic:
		return "probabilistic"
	default:
		return "none"
	}
}

// Predicate gates caching on the call context. When it returns false the
// call bypasses the cache entirely.
type Predicate func(ctx context.Context) bool

// DistributedLock configures cross-instance factory serialization.
type DistributedLock struct {
	// Timeout bounds how long a caller waits for the lock.
	Timeout time.Duration
	// MaxConcurrency is the number of holders admitted at once.
	MaxConcurrency int
}

// Policy is the effective, fully-resolved cache contract for one method.
// A Policy is a pure function of the registered sources and their
// priorities at resolution time.
type Policy struct {
	// Duration is the absolute TTL of cached results.
	Duration time.Duration
	// Sliding is the sliding-expiration window. Zero disables sliding.
	Sliding time.Duration
	// Tags are attached to every entry produced for the method.
	Tags []string
	// Version participates in the cache key as a suffix. Bumping it makes
	// prior entries unreachable without actively deleting them.
	Version int
	// KeyGenerator names the registered key generator to use.
	KeyGenerator string
	// RawKeyArg, when non-nil, selects the argument position whose string
	// value is used verbatim as the cache key.
	RawKeyArg *int
	// RequireIdempotent rejects call sites that did not assert idempotency.
	RequireIdempotent bool
	// Enabled turns caching for the method on or off.
	Enabled bool
	// Stampede selects the stampede-protection strategy.
	Stampede StampedeMode
	// RefreshAhead triggers a background refresh when the remaining TTL
	// falls below this window. Zero disables refresh-ahead.
	RefreshAhead time.Duration
	// Beta tunes probabilistic early refresh. Zero means the default.
	Beta float64
	// Lock, when non-nil, serializes factory execution across instances.
	Lock *DistributedLock
	// Predicate, when non-nil, gates caching on the call context.
	Predicate Predicate
}

// Default returns the policy applied when no source contributes anything:
// caching enabled for five minutes under strict single-flight.
func Default() Policy {
	return Policy{
		Duration:     5 * time.Minute,
		KeyGenerator: "fasthash",
		Enabled:      true,
		Stampede:     StampedeSingleFlight,
	}
}

// Fragment is one source's contribution for a method. Nil fields contribute
// nothing and lose to any higher-priority source that sets them. Tags are
// additive across sources, predicates compose by conjunction and
// RequireIdempotent is OR-ed.
type Fragment struct {
	Duration          *time.Duration
	Sliding           *time.Duration
	Tags              []string
	Version           *int
	KeyGenerator      *string
	RawKeyArg         *int
	RequireIdempotent *bool
	Enabled           *bool
	Stampede          *StampedeMode
	RefreshAhead      *time.Duration
	Beta              *float64
	Lock              *DistributedLock
	Predicate         Predicate
}

// Empty reports whether the fragment contributes nothing.
func (f Fragment) Empty() bool {
	return f.Duration == nil && f.Sliding == nil && len(f.Tags) == 0 &&
		f.Version == nil && f.KeyGenerator == nil && f.RawKeyArg == nil &&
		f.RequireIdempotent == nil && f.Enabled == nil && f.Stampede == nil &&
		f.RefreshAhead == nil && f.Beta == nil && f.Lock == nil && f.Predicate == nil
}

// merge folds fragments ordered from highest to lowest priority into an
// effective policy. For scalar fields the first fragment that supplies a
// value wins; collection and boolean-OR fields accumulate.
func merge(fragments []Fragment) Policy {
	p := Default()

	var (
		durationSet, slidingSet, versionSet, generatorSet bool
		rawKeySet, enabledSet, stampedeSet, refreshSet    bool
		betaSet, lockSet                                  bool
		predicates                                        []Predicate
		tags                                              = map[string]struct{}{}
	)
	for _, f := range fragments {
		if f.Duration != nil && !durationSet {
			p.Duration = *f.Duration
			durationSet = true
		}
		if f.Sliding != nil && !slidingSet {
			p.Sliding = *f.Sliding
			slidingSet = true
		}
		if f.Version != nil && !versionSet {
			p.Version = *f.Version
			versionSet = true
		}
		if f.KeyGenerator != nil && !generatorSet {
			p.KeyGenerator = *f.KeyGenerator
			generatorSet = true
		}
		if f.RawKeyArg != nil && !rawKeySet {
			idx := *f.RawKeyArg
			p.RawKeyArg = &idx
			rawKeySet = true
		}
		if f.Enabled != nil && !enabledSet {
			p.Enabled = *f.Enabled
			enabledSet = true
		}
		if f.Stampede != nil && !stampedeSet {
			p.Stampede = *f.Stampede
			stampedeSet = true
		}
		if f.RefreshAhead != nil && !refreshSet {
			p.RefreshAhead = *f.RefreshAhead
			refreshSet = true
		}
		if f.Beta != nil && !betaSet {
			p.Beta = *f.Beta
			betaSet = true
		}
		if f.Lock != nil && !lockSet {
			lock := *f.Lock
			p.Lock = &lock
			lockSet = true
		}
		if f.RequireIdempotent != nil && *f.RequireIdempotent {
			p.RequireIdempotent = true
		}
		for _, t := range f.Tags {
			tags[t] = struct{}{}
		}
		if f.Predicate != nil {
			predicates = append(predicates, f.Predicate)
		}
	}

	if len(tags) > 0 {
		p.Tags = make([]string, 0, len(tags))
		for t := range tags {
			p.Tags = append(p.Tags, t)
		}
		sort.Strings(p.Tags)
	}
	if len(predicates) > 0 {
		p.Predicate = func(ctx context.Context) bool {
			for _, pred := range predicates {
				if !pred(ctx) {
					return false
				}
			}
			return true
		}
	}
	return p
}
