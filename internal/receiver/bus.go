package receiver

import (
	"sync"

	"timerelay/internal/protocol"
)

// EventBus routes downlink events to per-stream proxy subscribers. Queues
// are bounded; a proxy that cannot keep up misses frames rather than
// stalling the session (local re-emit is best-effort live-only).
type EventBus struct {
	mu   sync.Mutex
	subs map[string][]*BusSub
}

// BusSub is one subscriber to a stream key.
type BusSub struct {
	key string
	ch  chan protocol.ReadEvent
	bus *EventBus
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]*BusSub)}
}

// Publish delivers the event to every subscriber of its stream key.
func (b *EventBus) Publish(event protocol.ReadEvent) {
	key := StreamKey(event.ForwarderID, event.ReaderAddress)
	b.mu.Lock()
	subs := append([]*BusSub(nil), b.subs[key]...)
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribe attaches a subscriber to a stream key.
func (b *EventBus) Subscribe(key string) *BusSub {
	sub := &BusSub{key: key, ch: make(chan protocol.ReadEvent, 256), bus: b}
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()
	return sub
}

// Events exposes the subscriber's channel.
func (s *BusSub) Events() <-chan protocol.ReadEvent { return s.ch }

// Close detaches the subscriber.
func (s *BusSub) Close() {
	b := s.bus
	b.mu.Lock()
	subs := b.subs[s.key]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}
