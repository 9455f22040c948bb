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

// Package backplane propagates cache invalidations between process
// instances. Delivery is best-effort: duplicates and reordering are
// tolerated because invalidation is idempotent.
package backplane

import (
	"context"
	"time"
)

// MessageType discriminates the invalidation message union.
type MessageType string

// Message types.
const (
	TypeKey   MessageType = "key"
	TypeTag   MessageType = "tag"
	TypeClear MessageType = "clear"
)

// Message is one invalidation broadcast between instances.
type Message struct {
	// Type selects the payload interpretation.
	Type MessageType `json:"type"`
	// Payload is the key or tag; absent for clear.
	Payload string `json:"payload,omitempty"`
	// Origin uniquely identifies the emitting instance. Receivers must
	// ignore their own messages.
	Origin string `json:"origin"`
	// Timestamp is the emission time in UTC.
	Timestamp time.Time `json:"timestamp"`
}

// Handler consumes incoming messages. Handlers translate messages into
// local invalidations and never re-publish: invalidations are terminal.
type Handler func(ctx context.Context, msg Message)

// State is the subscription lifecycle state.
type State int

// Subscription states.
const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateUnsubscribing
	StateFaulted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateFaulted:
		return "faulted"
	default:
		return "idle"
	}
}

// Backplane publishes and subscribes invalidation messages.
//
// Contract:
//   - Publish methods stamp the instance origin and timestamp.
//   - Subscribe installs the handler and starts delivery; the handler is
//     never called with messages whose origin equals this instance.
//   - A faulted subscription reconnects with backoff while local serving
//     continues.
//   - Close releases the subscription.
type Backplane interface {
	// InstanceID returns the unique id stamped on outbound messages.
	InstanceID() string
	// PublishKey broadcasts a key invalidation.
	PublishKey(ctx context.Context, key string) error
	// PublishTag broadcasts a tag invalidation.
	PublishTag(ctx context.Context, tag string) error
	// PublishClear broadcasts a full clear.
	PublishClear(ctx context.Context) error
	// Subscribe installs the handler. Only one subscription per backplane.
	Subscribe(handler Handler) error
	// State reports the subscription state.
	State() State
	// Close tears the subscription down.
	Close() error
}
