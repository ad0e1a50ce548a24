package hub

import (
	"sync"

	"github.com/google/uuid"
)

// Broker owns the hub of every channel.
type Broker struct {
	capacity int
	observer Observer

	mu   sync.RWMutex
	hubs map[uuid.UUID]*Hub
}

// NewBroker creates an empty broker whose hubs use the given queue capacity.
func NewBroker(capacity int, observer Observer) *Broker {
	return &Broker{
		capacity: capacity,
		observer: observer,
		hubs:     make(map[uuid.UUID]*Hub),
	}
}

// Open returns the hub for channelID, creating it if needed.
func (b *Broker) Open(channelID uuid.UUID) *Hub {
	b.mu.RLock()
	h, ok := b.hubs[channelID]
	b.mu.RUnlock()
	if ok {
		return h
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.hubs[channelID]; ok {
		return h
	}
	h = New(channelID, b.capacity, b.observer)
	b.hubs[channelID] = h
	return h
}

// Hub returns the hub for channelID if it was opened.
func (b *Broker) Hub(channelID uuid.UUID) (*Hub, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.hubs[channelID]
	return h, ok
}

// CloseHub closes and forgets the hub for channelID.
func (b *Broker) CloseHub(channelID uuid.UUID) bool {
	b.mu.Lock()
	h, ok := b.hubs[channelID]
	delete(b.hubs, channelID)
	b.mu.Unlock()

	if ok {
		h.Close()
	}
	return ok
}

// Subscribers returns the live subscription count per channel.
func (b *Broker) Subscribers() map[uuid.UUID]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[uuid.UUID]int, len(b.hubs))
	for id, h := range b.hubs {
		counts[id] = h.Len()
	}
	return counts
}

// Close closes every hub.
func (b *Broker) Close() {
	b.mu.Lock()
	hubs := b.hubs
	b.hubs = make(map[uuid.UUID]*Hub)
	b.mu.Unlock()

	for _, h := range hubs {
		h.Close()
	}
}
