// Package fanout delivers session events to every process holding viewers of that session.
//
// A Broadcaster is the shared cross-process channel. The Hub is the local side: it subscribes
// to a session topic while the process has viewers for it and dispatches decoded events to
// in-process subscriptions. Publishing never short-circuits to local viewers; an event reaches
// them only after travelling through the broadcaster, exactly like it reaches other processes.
package fanout

import (
	"context"
	"sync"
)

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	// Messages is closed when the broadcaster is closed.
	Messages() <-chan Message
	Close() error
}

// MemoryBus connects in-process broadcasters; each attached node behaves like one server
// process sharing the bus.
type MemoryBus struct {
	mu    sync.RWMutex
	nodes map[*MemoryBroadcaster]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{nodes: make(map[*MemoryBroadcaster]struct{})}
}

// Attach creates a broadcaster on the bus whose message channel holds up to buffer messages.
func (b *MemoryBus) Attach(buffer int) *MemoryBroadcaster {
	node := &MemoryBroadcaster{
		bus:    b,
		topics: make(map[string]struct{}),
		msgs:   make(chan Message, buffer),
	}
	b.mu.Lock()
	b.nodes[node] = struct{}{}
	b.mu.Unlock()
	return node
}

type MemoryBroadcaster struct {
	bus    *MemoryBus
	mu     sync.RWMutex
	topics map[string]struct{}
	msgs   chan Message
	closed bool
}

func (m *MemoryBroadcaster) Publish(_ context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	m.bus.mu.RLock()
	defer m.bus.mu.RUnlock()
	for node := range m.bus.nodes {
		node.deliver(msg)
	}
	return nil
}

func (m *MemoryBroadcaster) deliver(msg Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	if _, ok := m.topics[msg.Topic]; !ok {
		return
	}
	select {
	case m.msgs <- msg:
	default:
	}
}

func (m *MemoryBroadcaster) Subscribe(_ context.Context, topics ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		m.topics[t] = struct{}{}
	}
	return nil
}

func (m *MemoryBroadcaster) Unsubscribe(_ context.Context, topics ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		delete(m.topics, t)
	}
	return nil
}

func (m *MemoryBroadcaster) Messages() <-chan Message {
	return m.msgs
}

func (m *MemoryBroadcaster) Close() error {
	m.bus.mu.Lock()
	delete(m.bus.nodes, m)
	m.bus.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.msgs)
	}
	return nil
}
