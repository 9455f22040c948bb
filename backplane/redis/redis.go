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

// Package redis implements the cross-instance invalidation backplane on a
// redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-methodcache-go/backplane"
	"trpc.group/trpc-go/trpc-methodcache-go/log"
	storage "trpc.group/trpc-go/trpc-methodcache-go/storage/redis"
)

const (
	defaultChannel     = "methodcache:invalidate"
	defaultBaseBackoff = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

// Backplane broadcasts invalidation messages over a redis pub/sub channel.
// A faulted subscription reconnects with exponential backoff while the
// engine keeps serving local reads and writes.
type Backplane struct {
	opts       options
	rdb        goredis.UniversalClient
	instanceID string

	mu      sync.RWMutex
	handler backplane.Handler
	state   backplane.State

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

var _ backplane.Backplane = (*Backplane)(nil)

type options struct {
	client  goredis.UniversalClient
	url     string
	channel string
}

// Option configures the redis backplane.
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

// WithChannel overrides the pub/sub channel name.
func WithChannel(channel string) Option {
	return func(o *options) { o.channel = channel }
}

// New creates a redis backplane. One of WithClient or WithURL must be
// supplied.
func New(opts ...Option) (*Backplane, error) {
	o := options{channel: defaultChannel}
	for _, opt := range opts {
		opt(&o)
	}
	rdb := o.client
	if rdb == nil {
		if o.url == "" {
			return nil, errors.New("redis backplane: client or url is required")
		}
		var err error
		rdb, err = storage.GetClientBuilder()(storage.WithClientBuilderURL(o.url))
		if err != nil {
			return nil, fmt.Errorf("redis backplane: build client: %w", err)
		}
	}
	return &Backplane{
		opts:       o,
		rdb:        rdb,
		instanceID: uuid.New().String(),
		state:      backplane.StateIdle,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// InstanceID implements backplane.Backplane.
func (b *Backplane) InstanceID() string { return b.instanceID }

// PublishKey implements backplane.Backplane.
func (b *Backplane) PublishKey(ctx context.Context, key string) error {
	return b.publish(ctx, backplane.Message{Type: backplane.TypeKey, Payload: key})
}

// PublishTag implements backplane.Backplane.
func (b *Backplane) PublishTag(ctx context.Context, tag string) error {
	return b.publish(ctx, backplane.Message{Type: backplane.TypeTag, Payload: tag})
}

// PublishClear implements backplane.Backplane.
func (b *Backplane) PublishClear(ctx context.Context) error {
	return b.publish(ctx, backplane.Message{Type: backplane.TypeClear})
}

func (b *Backplane) publish(ctx context.Context, msg backplane.Message) error {
	msg.Origin = b.instanceID
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis backplane: encode message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.opts.channel, data).Err(); err != nil {
		return fmt.Errorf("redis backplane: publish: %w", err)
	}
	return nil
}

// Subscribe implements backplane.Backplane.
func (b *Backplane) Subscribe(handler backplane.Handler) error {
	b.mu.Lock()
	if b.handler != nil {
		b.mu.Unlock()
		return errors.New("redis backplane: already subscribed")
	}
	b.handler = handler
	b.state = backplane.StateSubscribing
	b.mu.Unlock()

	go b.receiveLoop()
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
		err = b.rdb.Close()
	})
	return err
}

func (b *Backplane) setState(s backplane.State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// receiveLoop drives the subscription state machine: Subscribing ->
// Active, and Faulted -> Subscribing with backoff on channel failure.
func (b *Backplane) receiveLoop() {
	defer close(b.doneCh)
	backoff := defaultBaseBackoff
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		b.setState(backplane.StateSubscribing)
		ctx, cancel := context.WithCancel(context.Background())
		sub := b.rdb.Subscribe(ctx, b.opts.channel)
		// Wait for the subscription to be confirmed.
		if _, err := sub.Receive(ctx); err != nil {
			cancel()
			_ = sub.Close()
			b.setState(backplane.StateFaulted)
			log.Warnf("redis backplane: subscribe failed, retrying in %s: %v", backoff, err)
			if !b.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		b.setState(backplane.StateActive)
		backoff = defaultBaseBackoff
		log.Infof("redis backplane: subscribed to %s", b.opts.channel)

		if !b.consume(ctx, sub) {
			cancel()
			_ = sub.Close()
			return
		}
		cancel()
		_ = sub.Close()
		b.setState(backplane.StateFaulted)
		if !b.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// consume pumps messages until the channel closes. Returns false when the
// backplane is shutting down.
func (b *Backplane) consume(ctx context.Context, sub *goredis.PubSub) bool {
	ch := sub.Channel()
	for {
		select {
		case <-b.stopCh:
			return false
		case m, ok := <-ch:
			if !ok {
				return true
			}
			var msg backplane.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Warnf("redis backplane: drop malformed message: %v", err)
				continue
			}
			if msg.Origin == b.instanceID {
				continue
			}
			b.mu.RLock()
			handler := b.handler
			b.mu.RUnlock()
			if handler != nil {
				handler(ctx, msg)
			}
		}
	}
}

func (b *Backplane) sleep(d time.Duration) bool {
	select {
	case <-b.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
