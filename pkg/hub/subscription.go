package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrSubscriptionClosed is returned by Next once the subscription is closed.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Delivery is one already-framed message on its way to subscribers. Frame
// is shared between every recipient and must not be modified.
type Delivery struct {
	Sender uuid.UUID
	Type   uint8
	Frame  []byte
}

// Subscription is a bounded FIFO of deliveries for one session. When full,
// the oldest entry is evicted so a slow reader never stalls the publisher.
type Subscription struct {
	owner uuid.UUID
	hub   *Hub

	mu     sync.Mutex
	ring   []Delivery
	head   int
	size   int
	closed bool

	dropped atomic.Uint64
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscription(h *Hub, owner uuid.UUID, capacity int) *Subscription {
	return &Subscription{
		owner: owner,
		hub:   h,
		ring:  make([]Delivery, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Owner is the identity this subscription delivers to.
func (s *Subscription) Owner() uuid.UUID { return s.owner }

// ChannelID is the channel of the hub the subscription belongs to.
func (s *Subscription) ChannelID() uuid.UUID { return s.hub.id }

// push enqueues d, evicting the oldest entry when full. It reports whether
// the delivery was accepted and whether an entry was evicted.
func (s *Subscription) push(d Delivery) (accepted, evicted bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	capacity := len(s.ring)
	if s.size == capacity {
		s.ring[s.head] = Delivery{}
		s.head = (s.head + 1) % capacity
		s.size--
		evicted = true
	}
	s.ring[(s.head+s.size)%capacity] = d
	s.size++
	s.mu.Unlock()

	if evicted {
		s.dropped.Add(1)
	}
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true, evicted
}

// Ready is signalled whenever entries may be waiting. A wakeup can be
// spurious, so callers follow it with Drain.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Drain appends every queued delivery to dst in order and empties the queue.
func (s *Subscription) Drain(dst []Delivery) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := len(s.ring)
	for s.size > 0 {
		dst = append(dst, s.ring[s.head])
		s.ring[s.head] = Delivery{}
		s.head = (s.head + 1) % capacity
		s.size--
	}
	s.head = 0
	return dst
}

// Next blocks until a delivery is available, the subscription is closed,
// or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Delivery{}, ErrSubscriptionClosed
		}
		if s.size > 0 {
			d := s.ring[s.head]
			s.ring[s.head] = Delivery{}
			s.head = (s.head + 1) % len(s.ring)
			s.size--
			s.mu.Unlock()
			return d, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// Len returns the number of queued deliveries.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Dropped returns how many deliveries were evicted from this subscription.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription from its hub and discards anything
// queued. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)

		s.mu.Lock()
		s.closed = true
		clear(s.ring)
		s.size = 0
		s.mu.Unlock()

		close(s.done)
	})
}
