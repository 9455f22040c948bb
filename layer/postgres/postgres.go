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

// Package postgres implements the durable L3 cache layer on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-methodcache-go/layer"
	storage "trpc.group/trpc-go/trpc-methodcache-go/storage/postgres"
)

const (
	defaultTable     = "methodcache_entries"
	defaultTagTable  = "methodcache_tags"
	defaultOpTimeout = 5 * time.Second
)

// Layer is the PostgreSQL-backed L3 layer. Keys are namespaced by an
// optional prefix; a tag association table maps tags to keys for bulk
// invalidation. Expired rows are filtered on read; they stay in the table
// until the key is set again, removed or cleared.
type Layer struct {
	opts   options
	client storage.Client
}

var _ layer.Layer = (*Layer)(nil)

type options struct {
	client    storage.Client
	conn      string
	instance  string
	namespace string
	table     string
	tagTable  string
	opTimeout time.Duration
	priority  int
	bootstrap bool
}

// Option configures the postgres layer.
type Option func(*options)

// WithClient injects an existing storage client.
func WithClient(client storage.Client) Option {
	return func(o *options) { o.client = client }
}

// WithConnString builds a client from a postgres connection string.
func WithConnString(conn string) Option {
	return func(o *options) { o.conn = conn }
}

// WithInstance selects a postgres instance registered in the storage
// registry.
func WithInstance(name string) Option {
	return func(o *options) { o.instance = name }
}

// WithNamespace prefixes every stored key.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithTables overrides the entry and tag table names. Table names may be
// schema-qualified.
func WithTables(entries, tags string) Option {
	return func(o *options) {
		o.table = entries
		o.tagTable = tags
	}
}

// WithOpTimeout bounds each database operation.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) { o.opTimeout = d }
}

// WithPriority overrides the layer priority.
func WithPriority(p int) Option {
	return func(o *options) { o.priority = p }
}

// WithBootstrap creates the tables at startup when they do not exist.
func WithBootstrap(on bool) Option {
	return func(o *options) { o.bootstrap = on }
}

// New creates a postgres layer. One of WithClient, WithConnString or
// WithInstance must be supplied.
func New(ctx context.Context, opts ...Option) (*Layer, error) {
	o := options{
		table:     defaultTable,
		tagTable:  defaultTagTable,
		opTimeout: defaultOpTimeout,
		priority:  layer.PriorityPersistent,
		bootstrap: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	client := o.client
	if client == nil {
		builderOpts := []storage.ClientBuilderOpt{}
		if o.conn != "" {
			builderOpts = append(builderOpts, storage.WithClientConnString(o.conn))
		} else if o.instance != "" {
			instOpts, ok := storage.GetPostgresInstance(o.instance)
			if !ok {
				return nil, fmt.Errorf("postgres layer: instance %q not registered", o.instance)
			}
			builderOpts = append(builderOpts, instOpts...)
		} else {
			return nil, errors.New("postgres layer: client, conn string or instance is required")
		}
		var err error
		client, err = storage.GetClientBuilder()(ctx, builderOpts...)
		if err != nil {
			return nil, fmt.Errorf("postgres layer: build client: %w", err)
		}
	}
	l := &Layer{opts: o, client: client}
	if o.bootstrap {
		if err := l.createTables(ctx); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Layer) createTables(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.opTimeout)
	defer cancel()
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			sliding_ms BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, l.opts.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tag TEXT NOT NULL,
			key TEXT NOT NULL,
			PRIMARY KEY (tag, key)
		)`, l.opts.tagTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_key_idx ON %s (key)`,
			indexName(l.opts.tagTable), l.opts.tagTable),
	}
	for _, stmt := range ddl {
		if _, err := l.client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres layer: bootstrap: %w", err)
		}
	}
	return nil
}

// indexName strips an optional schema qualifier so the index name stays
// valid.
func indexName(table string) string {
	for i := len(table) - 1; i >= 0; i-- {
		if table[i] == '.' {
			return table[i+1:]
		}
	}
	return table
}

// Name implements layer.Layer.
func (l *Layer) Name() string { return "postgres" }

// Priority implements layer.Layer.
func (l *Layer) Priority() int { return l.opts.priority }

func (l *Layer) storedKey(key string) string {
	if l.opts.namespace == "" {
		return key
	}
	return l.opts.namespace + ":" + key
}

func (l *Layer) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.opts.opTimeout)
}

// Get implements layer.Layer.
func (l *Layer) Get(ctx context.Context, key string) (*layer.Entry, error) {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	var e *layer.Entry
	query := fmt.Sprintf(
		`SELECT value, sliding_ms, expires_at, created_at FROM %s
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, l.opts.table)
	err := l.client.Query(ctx, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		var (
			value     []byte
			slidingMS int64
			expiresAt sql.NullTime
			createdAt time.Time
		)
		if err := rows.Scan(&value, &slidingMS, &expiresAt, &createdAt); err != nil {
			return err
		}
		e = &layer.Entry{
			Value:     value,
			Sliding:   time.Duration(slidingMS) * time.Millisecond,
			CreatedAt: createdAt,
		}
		if expiresAt.Valid {
			e.ExpiresAt = expiresAt.Time
		}
		return nil
	}, query, l.storedKey(key))
	if err != nil {
		return nil, fmt.Errorf("postgres layer: get %s: %w", key, err)
	}
	return e, nil
}

// Set implements layer.Layer. The entry row and its tag associations are
// written in one transaction.
func (l *Layer) Set(ctx context.Context, key string, entry *layer.Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	e := entry.Clone()
	stored := l.storedKey(key)
	expiresAt := time.Now().Add(ttl)

	ctx, cancel := l.opCtx(ctx)
	defer cancel()
	return l.client.Transaction(ctx, func(tx *sql.Tx) error {
		upsert := fmt.Sprintf(
			`INSERT INTO %s (key, value, sliding_ms, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (key) DO UPDATE
			 SET value = EXCLUDED.value, sliding_ms = EXCLUDED.sliding_ms,
			     expires_at = EXCLUDED.expires_at, created_at = now()`, l.opts.table)
		if _, err := tx.ExecContext(ctx, upsert, stored, e.Value, e.Sliding.Milliseconds(), expiresAt); err != nil {
			return fmt.Errorf("postgres layer: set %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, l.opts.tagTable), stored); err != nil {
			return fmt.Errorf("postgres layer: reset tags of %s: %w", key, err)
		}
		for _, tag := range e.Tags {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %s (tag, key) VALUES ($1, $2) ON CONFLICT DO NOTHING`, l.opts.tagTable),
				tag, stored); err != nil {
				return fmt.Errorf("postgres layer: tag %s of %s: %w", tag, key, err)
			}
		}
		return nil
	})
}

// Remove implements layer.Layer.
func (l *Layer) Remove(ctx context.Context, key string) error {
	stored := l.storedKey(key)
	ctx, cancel := l.opCtx(ctx)
	defer cancel()
	return l.client.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, l.opts.table), stored); err != nil {
			return fmt.Errorf("postgres layer: remove %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, l.opts.tagTable), stored); err != nil {
			return fmt.Errorf("postgres layer: remove tags of %s: %w", key, err)
		}
		return nil
	})
}

// RemoveByTag implements layer.Layer.
func (l *Layer) RemoveByTag(ctx context.Context, tag string) ([]string, error) {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	var keys []string
	err := l.client.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return nil
	}, fmt.Sprintf(`SELECT key FROM %s WHERE tag = $1`, l.opts.tagTable), tag)
	if err != nil {
		return nil, fmt.Errorf("postgres layer: keys of tag %s: %w", tag, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	err = l.client.Transaction(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, l.opts.table), k); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, l.opts.tagTable), k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres layer: remove by tag %s: %w", tag, err)
	}

	// Report bare keys to the coordinator.
	out := make([]string, 0, len(keys))
	prefix := ""
	if l.opts.namespace != "" {
		prefix = l.opts.namespace + ":"
	}
	for _, k := range keys {
		if prefix != "" && len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Clear implements layer.Layer. Only rows in this layer's namespace are
// deleted.
func (l *Layer) Clear(ctx context.Context) error {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()
	pattern := l.opts.namespace + ":%"
	if l.opts.namespace == "" {
		pattern = "%"
	}
	return l.client.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE key LIKE $1`, l.opts.table), pattern); err != nil {
			return fmt.Errorf("postgres layer: clear: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE key LIKE $1`, l.opts.tagTable), pattern); err != nil {
			return fmt.Errorf("postgres layer: clear tags: %w", err)
		}
		return nil
	})
}

// Health implements layer.Layer.
func (l *Layer) Health(ctx context.Context) error {
	ctx, cancel := l.opCtx(ctx)
	defer cancel()
	err := l.client.Query(ctx, func(rows *sql.Rows) error { return nil }, `SELECT 1`)
	if err != nil {
		return fmt.Errorf("postgres layer: health: %w", err)
	}
	return nil
}

// Close implements layer.Layer.
func (l *Layer) Close() error {
	return l.client.Close()
}
