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

// Package redis implements the distributed L2 cache layer on redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-methodcache-go/layer"
	"trpc.group/trpc-go/trpc-methodcache-go/log"
	storage "trpc.group/trpc-go/trpc-methodcache-go/storage/redis"
)

const (
	defaultNamespace = "methodcache"
	defaultOpTimeout = 2 * time.Second
	scanBatch        = 256
)

// Layer is the redis-backed L2 layer.
//
// Storage structure:
//
//	value: {namespace}:v:{key} -> Entry (json), TTL = clamped policy duration
//	tags:  {namespace}:t:{tag} -> set of keys carrying the tag
//	keys:  {namespace}:k:{key} -> set of tags carried by the key
type Layer struct {
	opts options
	rdb  goredis.UniversalClient
}

var _ layer.Layer = (*Layer)(nil)

type options struct {
	client    goredis.UniversalClient
	url       string
	instance  string
	namespace string
	opTimeout time.Duration
	priority  int
}

// Option configures the redis layer.
type Option func(*options)

// WithClient injects an existing redis client.
func WithClient(client goredis.UniversalClient) Option {
	return func(o *options) { o.client = client }
}

// WithURL builds a client from a redis URL through the storage registry's
// client builder.
func WithURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithInstance selects a redis instance registered in the storage
// registry.
func WithInstance(name string) Option {
	return func(o *options) { o.instance = name }
}

// WithNamespace prefixes every redis key owned by this layer.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithOpTimeout bounds each redis operation.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) { o.opTimeout = d }
}

// WithPriority overrides the layer priority.
func WithPriority(p int) Option {
	return func(o *options) { o.priority = p }
}

// New creates a redis layer. One of WithClient, WithURL or WithInstance
// must be supplied.
func New(opts ...Option) (*Layer, error) {
	o := options{
		namespace: defaultNamespace,
		opTimeout: defaultOpTimeout,
		priority:  layer.PriorityDistributed,
	}
	for _, opt := range opts {
		opt(&o)
	}
	rdb := o.client
	if rdb == nil {
		builderOpts := []storage.ClientBuilderOpt{}
		if o.url != "" {
			builderOpts = append(builderOpts, storage.WithClientBuilderURL(o.url))
		} else if o.instance != "" {
			instOpts, ok := storage.GetRedisInstance(o.instance)
			if !ok {
				return nil, fmt.Errorf("redis layer: instance %q not registered", o.instance)
			}
			builderOpts = append(builderOpts, instOpts...)
		} else {
			return nil, errors.New("redis layer: client, url or instance is required")
		}
		var err error
		rdb, err = storage.GetClientBuilder()(builderOpts...)
		if err != nil {
			return nil, fmt.Errorf("redis layer: build client: %w", err)
		}
	}
	return &Layer{opts: o, rdb: rdb}, nil
}

// Name implements layer.Layer.
func (l *Layer) Name() string { return "redis" }

// Priority implements layer.Layer.
func (l *Layer) Priority() int { return l.opts.priority }

func (l *Layer) valueKey(key string) string  { return l.opts.namespace + ":v:" + key }
func (l *Layer) tagKey(tag string) string    { return l.opts.namespace + ":t:" + tag }
func (l *Layer) tagsOfKey(key string) string { return l.opts.namespace + ":k:" + key }

func (l *Layer) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.opts.opTimeout)
}

// Get implements layer.Layer. Missing and expired keys report (nil, nil).
func (l *Layer) Get(ctx context.Context, key string) (*layer.Entry, error) {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()
	data, err := l.rdb.Get(ctx, l.valueKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis layer: get %s: %w", key, err)
	}
	var e layer.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// A corrupt entry is treated as a miss and removed best-effort.
		log.Warnf("redis layer: corrupt entry for %s, removing: %v", key, err)
		_ = l.Remove(context.WithoutCancel(ctx), key)
		return nil, nil
	}
	if e.Expired(time.Now()) {
		return nil, nil
	}
	return &e, nil
}

// Set implements layer.Layer. Tags are tracked in side sets so that
// RemoveByTag can resolve members without scanning.
func (l *Layer) Set(ctx context.Context, key string, entry *layer.Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	e := entry.Clone()
	e.ExpiresAt = time.Now().Add(ttl)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis layer: encode %s: %w", key, err)
	}

	ctx, cancel := l.opCtx(ctx)
	defer cancel()
	pipe := l.rdb.TxPipeline()
	pipe.Set(ctx, l.valueKey(key), data, ttl)
	if len(e.Tags) > 0 {
		members := make([]any, 0, len(e.Tags))
		for _, tag := range e.Tags {
			pipe.SAdd(ctx, l.tagKey(tag), key)
			members = append(members, tag)
		}
		pipe.SAdd(ctx, l.tagsOfKey(key), members...)
		// Tag bookkeeping outlives the value a little so invalidation can
		// still resolve members after expiry.
		pipe.Expire(ctx, l.tagsOfKey(key), ttl+time.Minute)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis layer: set %s: %w", key, err)
	}
	return nil
}

// Remove implements layer.Layer.
func (l *Layer) Remove(ctx context.Context, key string) error {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()
	tags, err := l.rdb.SMembers(ctx, l.tagsOfKey(key)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis layer: tags of %s: %w", key, err)
	}
	pipe := l.rdb.TxPipeline()
	pipe.Del(ctx, l.valueKey(key), l.tagsOfKey(key))
	for _, tag := range tags {
		pipe.SRem(ctx, l.tagKey(tag), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis layer: remove %s: %w", key, err)
	}
	return nil
}

// RemoveByTag implements layer.Layer.
func (l *Layer) RemoveByTag(ctx context.Context, tag string) ([]string, error) {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()
	keys, err := l.rdb.SMembers(ctx, l.tagKey(tag)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis layer: members of tag %s: %w", tag, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := l.rdb.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, l.valueKey(key), l.tagsOfKey(key))
	}
	pipe.Del(ctx, l.tagKey(tag))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis layer: remove by tag %s: %w", tag, err)
	}
	return keys, nil
}

// Clear implements layer.Layer by scanning the layer's namespace.
func (l *Layer) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 4*l.opts.opTimeout)
	defer cancel()
	var cursor uint64
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, l.opts.namespace+":*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis layer: scan: %w", err)
		}
		if len(keys) > 0 {
			if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis layer: clear: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Health implements layer.Layer.
func (l *Layer) Health(ctx context.Context) error {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()
	if err := l.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis layer: ping: %w", err)
	}
	return nil
}

// Close implements layer.Layer.
func (l *Layer) Close() error {
	return l.rdb.Close()
}
