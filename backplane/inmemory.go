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

package backplane

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is an in-process message bus shared by the InMemory backplanes of
// several engines. It exists for tests and for single-process multi-engine
// setups.
type Bus struct {
	mu      sync.RWMutex
	members map[string]*InMemory
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{members: make(map[string]*InMemory)}
}

func (b *Bus) attach(m *InMemory) {
	b.mu.Lock()
	b.members[m.instanceID] = m
	b.mu.Unlock()
}

func (b *Bus) detach(id string) {
	b.mu.Lock()
	delete(b.members, id)
	b.mu.Unlock()
}

func (b *Bus) broadcast(ctx context.Context, msg Message) {
	b.mu.RLock()
	members := make([]*InMemory, 0, len(b.members))
	for _, m := range b.members {
		members = append(members, m)
	}
	b.mu.RUnlock()
	for _, m := range members {
		m.deliver(ctx, msg)
	}
}

// InMemory is the in-process backplane implementation.
type InMemory struct {
	bus        *Bus
	instanceID string

	mu      sync.RWMutex
	handler Handler
	state   State
}

var _ Backplane = (*InMemory)(nil)

// NewInMemory attaches a new instance to the bus.
func NewInMemory(bus *Bus) *InMemory {
	m := &InMemory{
		bus:        bus,
		instanceID: uuid.New().String(),
		state:      StateIdle,
	}
	bus.attach(m)
	return m
}

// InstanceID implements Backplane.
func (m *InMemory) InstanceID() string { return m.instanceID }

// PublishKey implements Backplane.
func (m *InMemory) PublishKey(ctx context.Context, key string) error {
	m.bus.broadcast(ctx, Message{Type: TypeKey, Payload: key, Origin: m.instanceID, Timestamp: time.Now().UTC()})
	return nil
}

// PublishTag implements Backplane.
func (m *InMemory) PublishTag(ctx context.Context, tag string) error {
	m.bus.broadcast(ctx, Message{Type: TypeTag, Payload: tag, Origin: m.instanceID, Timestamp: time.Now().UTC()})
	return nil
}

// PublishClear implements Backplane.
func (m *InMemory) PublishClear(ctx context.Context) error {
	m.bus.broadcast(ctx, Message{Type: TypeClear, Origin: m.instanceID, Timestamp: time.Now().UTC()})
	return nil
}

// Subscribe implements Backplane.
func (m *InMemory) Subscribe(handler Handler) error {
	m.mu.Lock()
	m.handler = handler
	m.state = StateActive
	m.mu.Unlock()
	return nil
}

// State implements Backplane.
func (m *InMemory) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Close implements Backplane.
func (m *InMemory) Close() error {
	m.mu.Lock()
	m.handler = nil
	m.state = StateIdle
	m.mu.Unlock()
	m.bus.detach(m.instanceID)
	return nil
}

func (m *InMemory) deliver(ctx context.Context, msg Message) {
	if msg.Origin == m.instanceID {
		return
	}
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()
	if handler != nil {
		handler(ctx, msg)
	}
}
