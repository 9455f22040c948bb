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

// Package tagindex maintains the tag to cache-key association used for
// bulk invalidation.
package tagindex

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Index maps tags to the live keys that carry them, and keys back to their
// tags. Removal by tag returns exactly the keys associated at the moment
// of the call; keys associated afterwards are unaffected.
type Index struct {
	mu         sync.Mutex
	tagToKeys  map[string]map[string]struct{}
	keyToTags  map[string]map[string]struct{}
	patternsMu sync.RWMutex
	patterns   map[string]bool // pattern -> valid, compiled-once cache
}

// New creates an empty index.
func New() *Index {
	return &Index{
		tagToKeys: make(map[string]map[string]struct{}),
		keyToTags: make(map[string]map[string]struct{}),
		patterns:  make(map[string]bool),
	}
}

// Associate links the key with every tag. Idempotent.
func (i *Index) Associate(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	kt := i.keyToTags[key]
	if kt == nil {
		kt = make(map[string]struct{}, len(tags))
		i.keyToTags[key] = kt
	}
	for _, tag := range tags {
		kt[tag] = struct{}{}
		tk := i.tagToKeys[tag]
		if tk == nil {
			tk = make(map[string]struct{})
			i.tagToKeys[tag] = tk
		}
		tk[key] = struct{}{}
	}
}

// Dissociate removes the key from every tag it carries. Called whenever a
// key leaves any layer so that no dangling references remain.
func (i *Index) Dissociate(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dissociateLocked(key)
}

func (i *Index) dissociateLocked(key string) {
	for tag := range i.keyToTags[key] {
		tk := i.tagToKeys[tag]
		delete(tk, key)
		if len(tk) == 0 {
			delete(i.tagToKeys, tag)
		}
	}
	delete(i.keyToTags, key)
}

// RemoveByTag dissociates and returns every key carrying the tag at the
// moment of the call.
func (i *Index) RemoveByTag(tag string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	keys := make([]string, 0, len(i.tagToKeys[tag]))
	for key := range i.tagToKeys[tag] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		i.dissociateLocked(key)
	}
	sort.Strings(keys)
	return keys
}

// RemoveByPattern dissociates and returns every key whose tags match the
// glob pattern ('*' matches any run of characters, '?' matches one).
func (i *Index) RemoveByPattern(pattern string) ([]string, error) {
	if err := i.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	seen := make(map[string]struct{})
	for tag, keys := range i.tagToKeys {
		ok, err := doublestar.Match(pattern, tag)
		if err != nil {
			return nil, fmt.Errorf("tagindex: match pattern %q: %w", pattern, err)
		}
		if !ok {
			continue
		}
		for key := range keys {
			seen[key] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
		i.dissociateLocked(key)
	}
	sort.Strings(out)
	return out, nil
}

// ValidatePattern compiles the pattern once and caches the verdict, so
// repeated invalidations with the same pattern skip revalidation.
func (i *Index) ValidatePattern(pattern string) error {
	i.patternsMu.RLock()
	valid, ok := i.patterns[pattern]
	i.patternsMu.RUnlock()
	if ok {
		if !valid {
			return fmt.Errorf("tagindex: invalid pattern %q", pattern)
		}
		return nil
	}
	valid = doublestar.ValidatePattern(pattern)
	i.patternsMu.Lock()
	i.patterns[pattern] = valid
	i.patternsMu.Unlock()
	if !valid {
		return fmt.Errorf("tagindex: invalid pattern %q", pattern)
	}
	return nil
}

// Tags returns the tags currently carried by the key, sorted.
func (i *Index) Tags(key string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.keyToTags[key]))
	for tag := range i.keyToTags[key] {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Keys returns the keys currently carrying the tag, sorted.
func (i *Index) Keys(tag string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.tagToKeys[tag]))
	for key := range i.tagToKeys[tag] {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Clear drops every association.
func (i *Index) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tagToKeys = make(map[string]map[string]struct{})
	i.keyToTags = make(map[string]map[string]struct{})
}

// Len returns the number of indexed keys.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.keyToTags)
}
