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
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-methodcache-go/log"
)

// Resolver merges registered sources into effective per-method policies.
// Resolved policies are cached until a source reports a change for the
// method, or a whole-snapshot change for the source.
type Resolver struct {
	mu       sync.RWMutex
	sources  []Source // sorted by priority descending
	resolved map[string]Policy

	watchMu  sync.Mutex
	watchers []chan Change

	stopCh  chan struct{}
	stopped sync.Once
}

// NewResolver creates a resolver over the given sources. Source order in
// the argument list is irrelevant; priority decides the merge.
func NewResolver(sources ...Source) *Resolver {
	r := &Resolver{
		resolved: make(map[string]Policy),
		stopCh:   make(chan struct{}),
	}
	for _, s := range sources {
		r.register(s)
	}
	return r
}

// Register adds a source at runtime and invalidates every resolved policy,
// since the new source may contribute to any method.
func (r *Resolver) Register(s Source) {
	r.register(s)
	r.invalidateAll()
	r.notify(Change{All: true})
}

func (r *Resolver) register(s Source) {
	r.mu.Lock()
	r.sources = append(r.sources, s)
	sort.SliceStable(r.sources, func(i, j int) bool {
		return r.sources[i].Priority() > r.sources[j].Priority()
	})
	r.mu.Unlock()

	if ch := s.Watch(); ch != nil {
		go r.forward(s.Name(), ch)
	}
}

// Resolve returns the effective policy for the method identity.
// A source whose snapshot fails is logged and treated as contributing
// nothing, and the policy merged from the remaining sources is cached like
// any other. A policy that a change has already invalidated is not used in
// its place.
func (r *Resolver) Resolve(methodID string) Policy {
	r.mu.RLock()
	if p, ok := r.resolved[methodID]; ok {
		r.mu.RUnlock()
		return p
	}
	sources := make([]Source, len(r.sources))
	copy(sources, r.sources)
	r.mu.RUnlock()

	var fragments []Fragment
	for _, s := range sources {
		snap, err := s.Snapshot()
		if err != nil {
			log.Errorf("policy: source %s snapshot failed, contributing nothing: %v", s.Name(), err)
			continue
		}
		if f, ok := snap[methodID]; ok && !f.Empty() {
			fragments = append(fragments, f)
		}
		// A wildcard fragment applies to every method at this source's
		// priority, below any method-specific fragment it also supplies.
		if f, ok := snap[Wildcard]; ok && !f.Empty() {
			fragments = append(fragments, f)
		}
	}
	p := merge(fragments)

	r.mu.Lock()
	r.resolved[methodID] = p
	r.mu.Unlock()
	return p
}

// Wildcard is the method identity under which a source contributes
// defaults that apply to every method.
const Wildcard = "*"

// Watch returns a stream of method identities whose resolved policy may
// have changed. The channel is closed when the resolver is closed.
func (r *Resolver) Watch() <-chan Change {
	ch := make(chan Change, 16)
	r.watchMu.Lock()
	r.watchers = append(r.watchers, ch)
	r.watchMu.Unlock()
	return ch
}

// Close stops change forwarding and closes all watcher channels.
func (r *Resolver) Close() {
	r.stopped.Do(func() {
		close(r.stopCh)
		r.watchMu.Lock()
		for _, ch := range r.watchers {
			close(ch)
		}
		r.watchers = nil
		r.watchMu.Unlock()
	})
}

func (r *Resolver) forward(source string, ch <-chan Change) {
	for {
		select {
		case <-r.stopCh:
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			if c.All {
				r.invalidateAll()
			} else {
				r.invalidate(c.MethodID)
			}
			log.Debugf("policy: change from source %s: %+v", source, c)
			r.notify(c)
		}
	}
}

func (r *Resolver) invalidate(methodID string) {
	r.mu.Lock()
	delete(r.resolved, methodID)
	r.mu.Unlock()
}

func (r *Resolver) invalidateAll() {
	r.mu.Lock()
	r.resolved = make(map[string]Policy)
	r.mu.Unlock()
}

func (r *Resolver) notify(c Change) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for _, ch := range r.watchers {
		select {
		case ch <- c:
		default:
			// A slow watcher drops the fine-grained change; resolution
			// still observes fresh policies because the cache entry is
			// already invalidated.
		}
	}
}
