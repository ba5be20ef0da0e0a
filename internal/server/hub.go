package server

import (
	"sync"
	"sync/atomic"

	"timerelay/internal/protocol"
)

// Hub owns one bounded broadcast per live stream. Producers are forwarder
// ingest handlers; consumers are receiver sessions. A subscriber that
// cannot keep up observes a lag signal and must fall back to DB replay
// before resubscribing at the tail.
type Hub struct {
	mu      sync.Mutex
	buffer  int
	streams map[string]*broadcast
}

type broadcast struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// Subscription is one receiver's view of a stream broadcast.
type Subscription struct {
	owner  *broadcast
	id     uint64
	ch     chan protocol.ReadEvent
	lagged atomic.Bool
	closed atomic.Bool
}

// NewHub constructs a hub whose per-stream channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{buffer: buffer, streams: make(map[string]*broadcast)}
}

// Ensure creates the broadcast for a stream if it does not exist yet.
func (h *Hub) Ensure(streamID string) {
	h.mu.Lock()
	if _, ok := h.streams[streamID]; !ok {
		h.streams[streamID] = &broadcast{subs: make(map[uint64]*Subscription)}
	}
	h.mu.Unlock()
}

// Publish delivers an event to every subscriber of the stream. Slow
// subscribers keep their buffered backlog but miss this event and have
// their lag flag raised.
func (h *Hub) Publish(streamID string, event protocol.ReadEvent) {
	h.mu.Lock()
	b, ok := h.streams[streamID]
	h.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.lagged.Store(true)
		}
	}
}

// Subscribe attaches a new subscriber at the stream's current tail.
func (h *Hub) Subscribe(streamID string) *Subscription {
	h.Ensure(streamID)
	h.mu.Lock()
	b := h.streams[streamID]
	h.mu.Unlock()

	b.mu.Lock()
	b.nextID++
	sub := &Subscription{owner: b, id: b.nextID, ch: make(chan protocol.ReadEvent, h.buffer)}
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Events exposes the subscriber's delivery channel.
func (s *Subscription) Events() <-chan protocol.ReadEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

// TakeLagged reports and clears the lag flag. A true result means at
// least one event was dropped since the last check and the consumer must
// re-enter DB replay from its last delivered position.
func (s *Subscription) TakeLagged() bool {
	if s == nil {
		return false
	}
	return s.lagged.Swap(false)
}

// Close detaches the subscriber from the broadcast.
func (s *Subscription) Close() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.owner.mu.Lock()
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()
}
