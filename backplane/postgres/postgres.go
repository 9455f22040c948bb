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

// Package postgres implements the invalidation backplane as a polled
// message table, for deployments whose only shared infrastructure is the
// relational store already backing L3.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-methodcache-go/backplane"
	"trpc.group/trpc-go/trpc-methodcache-go/log"
	storage "trpc.group/trpc-go/trpc-methodcache-go/storage/postgres"
)

const (
	defaultTable        = "methodcache_messages"
	defaultPollInterval = time.Second
	defaultOpTimeout    = 5 * time.Second
	defaultDedupWindow  = 1024
	defaultRetention    = 10 * time.Minute
)

// Backplane records one row per published message with a monotonically
// increasing id; subscribers poll for ids greater than their last-seen id
// and de-duplicate by (origin, timestamp, type, payload) within a bounded
// window.
type Backplane struct {
	opts       options
	client     storage.Client
	instanceID string

	mu       sync.RWMutex
	handler  backplane.Handler
	state    backplane.State
	lastSeen int64

	dedup     map[string]struct{}
	dedupFIFO []string

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

var _ backplane.Backplane = (*Backplane)(nil)

type options struct {
	client       storage.Client
	conn         string
	table        string
	pollInterval time.Duration
	opTimeout    time.Duration
	retention    time.Duration
	bootstrap    bool
}

// Option configures the postgres backplane.
type Option func(*options)

// WithClient injects an existing storage client.
func WithClient(client storage.Client) Option {
	return func(o *options) { o.client = client }
}

// WithConnString builds a client from a postgres connection string.
func WithConnString(conn string) Option {
	return func(o *options) { o.conn = conn }
}

// WithTable overrides the message table name.
func WithTable(table string) Option {
	return func(o *options) { o.table = table }
}

// WithPollInterval sets the subscriber poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithRetention bounds how long published rows are kept before the
// publisher reaps them.
func WithRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

// WithBootstrap creates the message table at startup when it does not
// exist.
func WithBootstrap(on bool) Option {
	return func(o *options) { o.bootstrap = on }
}

// New creates a postgres backplane. One of WithClient or WithConnString
// must be supplied.
func New(ctx context.Context, opts ...Option) (*Backplane, error) {
	o := options{
		table:        defaultTable,
		pollInterval: defaultPollInterval,
		opTimeout:    defaultOpTimeout,
		retention:    defaultRetention,
		bootstrap:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	client := o.client
	if client == nil {
		if o.conn == "" {
			return nil, errors.New("postgres backplane: client or conn string is required")
		}
		var err error
		client, err = storage.GetClientBuilder()(ctx, storage.WithClientConnString(o.conn))
		if err != nil {
			return nil, fmt.Errorf("postgres backplane: build client: %w", err)
		}
	}
	b := &Backplane{
		opts:       o,
		client:     client,
		instanceID: uuid.New().String(),
		state:      backplane.StateIdle,
		dedup:      make(map[string]struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if o.bootstrap {
		if err := b.createTable(ctx); err != nil {
			return nil, err
		}
	}
	// Start consuming after the current high-water mark so old rows are
	// not replayed into a fresh instance.
	if err := b.loadHighWaterMark(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backplane) createTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.opTimeout)
	defer cancel()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, b.opts.table)
	if _, err := b.client.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres backplane: bootstrap: %w", err)
	}
	return nil
}

func (b *Backplane) loadHighWaterMark(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.opTimeout)
	defer cancel()
	return b.client.Query(ctx, func(rows *sql.Rows) error {
		if rows.Next() {
			var id sql.NullInt64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			if id.Valid {
				b.lastSeen = id.Int64
			}
		}
		return nil
	}, fmt.Sprintf(`SELECT max(id) FROM %s`, b.opts.table))
}

// InstanceID implements backplane.Backplane.
func (b *Backplane) InstanceID() string { return b.instanceID }

// PublishKey implements backplane.Backplane.
func (b *Backplane) PublishKey(ctx context.Context, key string) error {
	return b.publish(ctx, backplane.TypeKey, key)
}

// PublishTag implements backplane.Backplane.
func (b *Backplane) PublishTag(ctx context.Context, tag string) error {
	return b.publish(ctx, backplane.TypeTag, tag)
}

// PublishClear implements backplane.Backplane.
func (b *Backplane) PublishClear(ctx context.Context) error {
	return b.publish(ctx, backplane.TypeClear, "")
}

func (b *Backplane) publish(ctx context.Context, typ backplane.MessageType, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.opTimeout)
	defer cancel()
	_, err := b.client.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (type, payload, origin, ts) VALUES ($1, $2, $3, $4)`, b.opts.table),
		string(typ), payload, b.instanceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres backplane: publish: %w", err)
	}
	// Best-effort reaping of rows past retention.
	_, _ = b.client.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE ts < $1`, b.opts.table),
		time.Now().UTC().Add(-b.opts.retention))
	return nil
}

// Subscribe implements backplane.Backplane.
func (b *Backplane) Subscribe(handler backplane.Handler) error {
	b.mu.Lock()
	if b.handler != nil {
		b.mu.Unlock()
		return errors.New("postgres backplane: already subscribed")
	}
	b.handler = handler
	b.state = backplane.StateActive
	b.mu.Unlock()
	go b.pollLoop()
	return nil
}

// State implements backplane.Backplane.
func (b *Backplane) State() backplane.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Close implements backplane.Backplane. Safe to call multiple times.
func (b *Backplane) Close() error {
	var err error
	b.stopOnce.Do(func() {
		b.mu.Lock()
		subscribed := b.handler != nil
		b.state = backplane.StateUnsubscribing
		b.mu.Unlock()
		close(b.stopCh)
		if subscribed {
			<-b.doneCh
		}
		b.mu.Lock()
		b.handler = nil
		b.state = backplane.StateIdle
		b.mu.Unlock()
		err = b.client.Close()
	})
	return err
}

func (b *Backplane) pollLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.opts.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.poll(); err != nil {
				b.mu.Lock()
				b.state = backplane.StateFaulted
				b.mu.Unlock()
				log.Warnf("postgres backplane: poll failed: %v", err)
				continue
			}
			b.mu.Lock()
			if b.state == backplane.StateFaulted {
				b.state = backplane.StateActive
			}
			b.mu.Unlock()
		}
	}
}

func (b *Backplane) poll() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.opTimeout)
	defer cancel()

	b.mu.RLock()
	lastSeen := b.lastSeen
	handler := b.handler
	b.mu.RUnlock()

	type row struct {
		id  int64
		msg backplane.Message
	}
	var batch []row
	err := b.client.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				r       row
				typ     string
				payload string
			)
			if err := rows.Scan(&r.id, &typ, &payload, &r.msg.Origin, &r.msg.Timestamp); err != nil {
				return err
			}
			r.msg.Type = backplane.MessageType(typ)
			r.msg.Payload = payload
			batch = append(batch, r)
		}
		return nil
	}, fmt.Sprintf(`SELECT id, type, payload, origin, ts FROM %s WHERE id > $1 ORDER BY id`, b.opts.table),
		lastSeen)
	if err != nil {
		return err
	}

	for _, r := range batch {
		b.mu.Lock()
		if r.id > b.lastSeen {
			b.lastSeen = r.id
		}
		b.mu.Unlock()
		if r.msg.Origin == b.instanceID {
			continue
		}
		if b.seen(r.msg) {
			continue
		}
		if handler != nil {
			handler(ctx, r.msg)
		}
	}
	return nil
}

// seen de-duplicates by (origin, timestamp, type, payload) within a bounded
// window, since a poller that fails over between replicas can observe the
// same logical message twice under different ids.
func (b *Backplane) seen(msg backplane.Message) bool {
	fp := fmt.Sprintf("%s|%d|%s|%s", msg.Origin, msg.Timestamp.UnixNano(), msg.Type, msg.Payload)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.dedup[fp]; ok {
		return true
	}
	b.dedup[fp] = struct{}{}
	b.dedupFIFO = append(b.dedupFIFO, fp)
	if len(b.dedupFIFO) > defaultDedupWindow {
		old := b.dedupFIFO[0]
		b.dedupFIFO = b.dedupFIFO[1:]
		delete(b.dedup, old)
	}
	return false
}
