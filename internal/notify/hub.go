// Package notify fans change events out to connected observers. Delivery is
// best-effort and at-most-once per observer: events are cache-invalidation
// hints, never a source of truth, so a slow observer loses events instead of
// blocking a publisher.
package notify

import (
	"sync"

	"server/internal/infra"
)

// Kind classifies a change event.
const (
	KindCreated = "created"
	KindUpdated = "updated"
	KindDeleted = "deleted"
)

// Event is the lightweight change notification sent to observers.
type Event struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

const subscriberBuffer = 64

// Hub is an in-process broadcast hub.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	logger infra.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger infra.Logger) *Hub {
	return &Hub{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new observer channel.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes an observer channel and closes it.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish delivers the event to every current subscriber without blocking.
// A subscriber whose buffer is full misses the event; it recovers by
// re-querying on reconnect.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.logger.Debug().
				Str("kind", event.Kind).
				Str("id", event.ID).
				Msg("notify: dropped event for slow subscriber")
		}
	}
}

// SubscriberCount reports the number of connected observers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
