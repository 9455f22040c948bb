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
	"trpc.group/trpc-go/trpc-methodcache-go/backplane"
	"trpc.group/trpc-go/trpc-methodcache-go/internal/writequeue"
	"trpc.group/trpc-go/trpc-methodcache-go/layer"
	"trpc.group/trpc-go/trpc-methodcache-go/policy"
	"trpc.group/trpc-go/trpc-methodcache-go/tiered"
)

type options struct {
	layers        []layer.Layer
	sources       []policy.Source
	plane         backplane.Backplane
	writeThrough  bool
	breakers      bool
	queueOpts     writequeue.Options
	bounds        map[string]tiered.TTLBounds
	flightStripes int
	promoteAll    bool
}

// Option configures the cache engine.
type Option func(*options)

// WithLayers supplies the storage layers. Without this option the engine
// runs on a default in-process memory layer alone.
func WithLayers(layers ...layer.Layer) Option {
	return func(o *options) { o.layers = append(o.layers, layers...) }
}

// WithSources registers policy sources. The runtime override store is
// always registered on top of them.
func WithSources(sources ...policy.Source) Option {
	return func(o *options) { o.sources = append(o.sources, sources...) }
}

// WithBackplane attaches the cross-instance invalidation channel.
func WithBackplane(plane backplane.Backplane) Option {
	return func(o *options) { o.plane = plane }
}

// WithWriteThrough makes lower-layer cache fills synchronous.
func WithWriteThrough(on bool) Option {
	return func(o *options) { o.writeThrough = on }
}

// WithBreakers attaches circuit breakers to the layers below L1.
func WithBreakers(on bool) Option {
	return func(o *options) { o.breakers = on }
}

// WithWriteQueueOptions tunes the async write queue.
func WithWriteQueueOptions(queueOpts writequeue.Options) Option {
	return func(o *options) { o.queueOpts = queueOpts }
}

// WithTTLBounds clamps TTLs for the named layer.
func WithTTLBounds(layerName string, bounds tiered.TTLBounds) Option {
	return func(o *options) { o.bounds[layerName] = bounds }
}

// WithFlightStripes sets the single-flight stripe count, rounded up to a
// power of two.
func WithFlightStripes(n int) Option {
	return func(o *options) { o.flightStripes = n }
}

// WithPromoteIntermediate also refills missed intermediate layers on a
// lower-layer hit.
func WithPromoteIntermediate(on bool) Option {
	return func(o *options) { o.promoteAll = on }
}

// CallOption adjusts one call.
type CallOption func(*callOptions)

type callOptions struct {
	idempotent bool
	override   *policy.Fragment
	rawKey     string
}

// Idempotent asserts that the method has no externally observable side
// effects and is safe to cache. Policies with RequireIdempotent reject
// calls without this assertion.
func Idempotent() CallOption {
	return func(o *callOptions) { o.idempotent = true }
}

// WithPolicyOverride applies a per-call policy fragment above every
// registered source.
func WithPolicyOverride(f policy.Fragment) CallOption {
	return func(o *callOptions) { o.override = &f }
}

// WithRawKey bypasses key generation and uses the given key verbatim.
func WithRawKey(key string) CallOption {
	return func(o *callOptions) { o.rawKey = key }
}
