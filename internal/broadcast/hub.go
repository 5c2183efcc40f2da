// Package broadcast fans draw events out to live viewers.
//
// Delivery is best effort: every subscriber has a bounded buffer and an
// event that does not fit is dropped for that subscriber only. There is no
// backlog; a viewer that subscribes late catches up from the next spinning
// event or by polling raffle state.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/logger"
)

// DefaultBuffer is the per-subscriber buffer used when none is configured
const DefaultBuffer = 64

// Subscription is one viewer's event stream
type Subscription struct {
	id      uint64
	events  chan Event
	hub     *Hub
	dropped atomic.Uint64
}

// ID returns the subscription identifier
func (s *Subscription) ID() uint64 {
	return s.id
}

// Events returns the stream; it is closed on Unsubscribe or Hub.Close
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events did not fit in the buffer
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

// Hub is the event broadcaster
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
}

// NewHub creates a hub whose subscribers buffer up to buffer events
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a new viewer. Only events published afterwards are
// delivered.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		events: make(chan Event, h.buffer),
		hub:    h,
	}
	if h.closed {
		close(sub.events)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a viewer and closes its stream. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.events)
}

// Publish delivers e to every current subscriber without blocking and
// returns how many received it
func (h *Hub) Publish(e Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.subs {
		select {
		case sub.events <- e:
			delivered++
		default:
			n := sub.dropped.Add(1)
			logger.Warningf("broadcast: subscriber %d buffer full, dropped %s seq=%d (%d dropped)", sub.id, e.Type, e.Seq, n)
		}
	}
	return delivered
}

// Subscribers returns the number of connected viewers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber; later subscriptions are closed at once
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.events)
	}
}
