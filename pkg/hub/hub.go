// Package hub fans frames out to the members of a channel. Each channel has
// its own Hub with its own lock, so publishing to one channel never waits on
// another, and each member reads from its own bounded Subscription.
package hub

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultQueueCapacity is the per-subscription queue length used when none
// is configured.
const DefaultQueueCapacity = 100

// PublishResult reports what a single Publish did.
type PublishResult struct {
	// Delivered is the number of subscriptions the delivery was queued on
	Delivered int
	// Dropped is the number of older entries evicted to make room
	Dropped int
}

// Observer is told about every publish that reached at least one
// subscriber.
type Observer interface {
	ObservePublish(channelID uuid.UUID, msgType uint8, result PublishResult)
}

// Hub is the broadcast point for one channel.
type Hub struct {
	id       uuid.UUID
	capacity int
	observer Observer

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a hub for channelID. A capacity of zero or less uses
// DefaultQueueCapacity. observer may be nil.
func New(channelID uuid.UUID, capacity int, observer Observer) *Hub {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Hub{
		id:       channelID,
		capacity: capacity,
		observer: observer,
		subs:     make(map[*Subscription]struct{}),
	}
}

func (h *Hub) ID() uuid.UUID { return h.id }

// Subscribe registers owner as a recipient. Only deliveries published after
// this call are seen. Subscribing to a closed hub returns a subscription
// that is already closed.
func (h *Hub) Subscribe(owner uuid.UUID) *Subscription {
	sub := newSubscription(h, owner, h.capacity)

	h.mu.Lock()
	closed := h.closed
	if !closed {
		h.subs[sub] = struct{}{}
	}
	h.mu.Unlock()

	if closed {
		sub.Close()
	}
	return sub
}

// Unsubscribe is the same as sub.Close.
func (h *Hub) Unsubscribe(sub *Subscription) {
	sub.Close()
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Publish queues d on every subscription except the ones owned by sender.
// It never blocks on a slow subscriber.
func (h *Hub) Publish(sender uuid.UUID, d Delivery) PublishResult {
	var res PublishResult

	h.mu.RLock()
	for sub := range h.subs {
		if sub.owner == sender {
			continue
		}
		accepted, evicted := sub.push(d)
		if accepted {
			res.Delivered++
		}
		if evicted {
			res.Dropped++
		}
	}
	h.mu.RUnlock()

	if h.observer != nil && res.Delivered > 0 {
		h.observer.ObservePublish(h.id, d.Type, res)
	}
	return res
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
