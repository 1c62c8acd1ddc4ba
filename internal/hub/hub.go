// Package hub fans change ticks out from one producer to many
// subscribers. Delivery is bounded: a subscriber that falls behind loses
// ticks and sees a lag count instead of blocking the producer or its
// peers.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/Napageneral/pulse/internal/watch"
)

// Hub is the broadcast point between the change watcher and live
// sessions.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one subscriber's view of the hub. Read ticks from C;
// call Lagged after each receive to learn how many ticks were dropped
// since the previous read. C is closed when the subscription or the hub
// is closed.
type Subscription struct {
	C       <-chan watch.Tick
	hub     *Hub
	send    chan watch.Tick
	dropped atomic.Uint64
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Publish delivers a tick to every subscriber. Non-blocking: a full
// subscriber buffer counts a drop instead. Publishing with no
// subscribers is a no-op, not an error.
func (h *Hub) Publish(t watch.Tick) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		select {
		case sub.send <- t:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber with the given buffer capacity.
// Returns a closed subscription if the hub is already closed.
func (h *Hub) Subscribe(buf int) *Subscription {
	if buf <= 0 {
		buf = 16
	}
	send := make(chan watch.Tick, buf)
	sub := &Subscription{C: send, hub: h, send: send}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(send)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Lagged returns the number of ticks dropped for this subscriber since
// the last call, resetting the counter. A non-zero count means "assume
// state is stale", not a fatal condition.
func (s *Subscription) Lagged() uint64 {
	return s.dropped.Swap(0)
}

// Close removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; !ok {
		return
	}
	delete(s.hub.subs, s)
	close(s.send)
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close shuts the hub down, closing every subscriber channel. Sessions
// observe this as end-of-stream and terminate.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.send)
	}
	h.subs = make(map[*Subscription]struct{})
}
