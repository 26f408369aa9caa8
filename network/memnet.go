package network

import (
	"sync"
)

// MemHub is an in-process message fabric for tests and single-machine
// clusters: every transport attached to the hub receives every
// published frame, the publisher included, synchronously. That echo is
// deliberate; it exercises the same dedup path a real pubsub mesh does.
type MemHub struct {
	mu   sync.RWMutex
	subs map[string][]func(data []byte)
}

func NewMemHub() *MemHub {
	return &MemHub{subs: make(map[string][]func(data []byte))}
}

// NewTransport attaches one node's view of the hub.
func (h *MemHub) NewTransport() *MemTransport {
	return &MemTransport{hub: h}
}

func (h *MemHub) publish(topic string, data []byte) {
	h.mu.RLock()
	subs := make([]func([]byte), len(h.subs[topic]))
	copy(subs, h.subs[topic])
	h.mu.RUnlock()

	for _, deliver := range subs {
		deliver(data)
	}
}

func (h *MemHub) subscribe(topic string, deliver func(data []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[topic] = append(h.subs[topic], deliver)
}

// MemTransport implements Transport over a shared MemHub.
type MemTransport struct {
	hub    *MemHub
	mu     sync.Mutex
	closed bool
}

func (t *MemTransport) Publish(topic string, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}
	t.hub.publish(topic, data)
	return nil
}

func (t *MemTransport) Subscribe(topic string, deliver func(data []byte)) error {
	t.hub.subscribe(topic, func(data []byte) {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		deliver(data)
	})
	return nil
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
