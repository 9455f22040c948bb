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

// Package writequeue fans cache-fill writes out to the distributed and
// persistent layers off the caller's critical path.
package writequeue

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-methodcache-go/layer"
	"trpc.group/trpc-go/trpc-methodcache-go/log"
)

const (
	defaultCapacity    = 1024
	defaultConcurrency = 4
	defaultMaxAttempts = 3
	defaultBaseBackoff = 100 * time.Millisecond
	defaultOpTimeout   = 5 * time.Second
)

// Task is one asynchronous write against a target layer.
type Task struct {
	// Target is the layer the write is destined for.
	Target layer.Layer
	// Key is the cache key.
	Key string
	// Entry is the value-copied entry to store.
	Entry *layer.Entry
	// TTL is the per-layer clamped TTL.
	TTL time.Duration
	// Attempts counts executions so far.
	Attempts int
}

// Stats exposes the queue's counters.
type Stats struct {
	// Enqueued counts accepted tasks.
	Enqueued uint64
	// Dropped counts tasks discarded by the drop-oldest overflow policy or
	// by a forced shutdown.
	Dropped uint64
	// Failed counts tasks abandoned after exhausting their retry budget.
	Failed uint64
	// Completed counts successful writes.
	Completed uint64
}

// Options configures a Queue.
type Options struct {
	// Capacity bounds the queue. Zero selects the default.
	Capacity int
	// Concurrency is the number of worker slots per queue. Zero selects
	// the default.
	Concurrency int
	// MaxAttempts bounds the write attempts per task, the first attempt
	// included. Zero selects the default.
	MaxAttempts int
	// BaseBackoff is the first retry delay; later retries double it with
	// jitter. Zero selects the default.
	BaseBackoff time.Duration
	// OpTimeout bounds each write attempt. Zero selects the default.
	OpTimeout time.Duration
	// Pool optionally supplies a shared ants pool. Nil uses the package
	// default pool.
	Pool *ants.Pool
}

// Queue is a bounded multi-producer queue with drop-oldest overflow.
// Cache-fill writes are best-effort: when the queue is full the oldest
// pending task is discarded and counted rather than blocking the producer.
type Queue struct {
	opts Options

	mu       sync.Mutex
	tasks    []*Task
	notEmpty chan struct{}

	stats struct {
		enqueued  atomic.Uint64
		dropped   atomic.Uint64
		failed    atomic.Uint64
		completed atomic.Uint64
	}

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates and starts a queue.
func New(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	q := &Queue{
		opts:     opts,
		notEmpty: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go q.dispatch()
	return q
}

// Enqueue accepts a task, discarding the oldest pending task when full.
func (q *Queue) Enqueue(t *Task) {
	q.mu.Lock()
	if len(q.tasks) >= q.opts.Capacity {
		q.tasks = q.tasks[1:]
		q.stats.dropped.Add(1)
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	q.stats.enqueued.Add(1)

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.enqueued.Load(),
		Dropped:   q.stats.dropped.Load(),
		Failed:    q.stats.failed.Load(),
		Completed: q.stats.completed.Load(),
	}
}

// Pending returns the number of queued tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops the queue. With graceful true the pending tasks are drained
// within the given timeout; otherwise they are dropped and counted.
func (q *Queue) Close(graceful bool, timeout time.Duration) {
	q.stopOnce.Do(func() {
		if graceful {
			deadline := time.Now().Add(timeout)
			for time.Now().Before(deadline) {
				if q.Pending() == 0 {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
		close(q.stopCh)
		<-q.doneCh

		q.mu.Lock()
		if n := len(q.tasks); n > 0 {
			q.stats.dropped.Add(uint64(n))
			q.tasks = nil
		}
		q.mu.Unlock()
	})
}

// dispatch pulls tasks and submits them to the worker pool, holding at
// most Concurrency slots at once.
func (q *Queue) dispatch() {
	defer close(q.doneCh)
	sem := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup
	for {
		select {
		case <-q.stopCh:
			wg.Wait()
			return
		case <-q.notEmpty:
		}
		for {
			// Acquire a worker slot before popping, so pending tasks stay
			// in the queue where the overflow policy can still drop them.
			select {
			case sem <- struct{}{}:
			case <-q.stopCh:
				wg.Wait()
				return
			}
			q.mu.Lock()
			if len(q.tasks) == 0 {
				q.mu.Unlock()
				<-sem
				break
			}
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()

			wg.Add(1)
			if err := q.submit(func() {
				defer func() {
					<-sem
					wg.Done()
				}()
				q.run(task)
			}); err != nil {
				<-sem
				wg.Done()
				q.stats.failed.Add(1)
				log.Errorf("writequeue: submit task for %s: %v", task.Key, err)
			}
		}
	}
}

func (q *Queue) submit(fn func()) error {
	if q.opts.Pool != nil {
		return q.opts.Pool.Submit(fn)
	}
	return ants.Submit(fn)
}

// run executes one task with bounded retries and exponential backoff.
// Terminal failures are logged and counted, never propagated.
func (q *Queue) run(t *Task) {
	for {
		t.Attempts++
		ctx, cancel := context.WithTimeout(context.Background(), q.opts.OpTimeout)
		err := t.Target.Set(ctx, t.Key, t.Entry, t.TTL)
		cancel()
		if err == nil {
			q.stats.completed.Add(1)
			return
		}
		if t.Attempts >= q.opts.MaxAttempts {
			q.stats.failed.Add(1)
			log.Errorf("writequeue: write %s to layer %s failed after %d attempts: %v",
				t.Key, t.Target.Name(), t.Attempts, err)
			return
		}
		backoff := q.opts.BaseBackoff << (t.Attempts - 1)
		backoff += time.Duration(rand.Int64N(int64(backoff) / 2))
		log.Warnf("writequeue: write %s to layer %s attempt %d failed, retrying in %s: %v",
			t.Key, t.Target.Name(), t.Attempts, backoff, err)
		select {
		case <-time.After(backoff):
		case <-q.stopCh:
			q.stats.dropped.Add(1)
			return
		}
	}
}
