// Package bus broadcasts typed browser events to any number of
// independent subscribers. Publishing never blocks: each subscriber owns a
// bounded queue, and a subscriber that falls too far behind sees an
// explicit Gap event instead of stalling the publisher or its peers.
package bus

import (
	"context"
	"sync"
	"time"

	. "github.com/roelfdiedericks/gocdp/internal/logging"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 256

// Bus is a multi-producer, multi-subscriber broadcast of Events.
// The subscriber set may be mutated concurrently with publishing.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// Subscription is one subscriber's cursor into the event stream, starting
// at the point of subscription. Per-subscriber delivery order matches
// publish order; there is no ordering guarantee across subscribers.
type Subscription struct {
	bus *Bus
	id  uint64

	mu     sync.Mutex
	ch     chan Event
	missed uint64
	done   bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber with the default queue bound.
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeBuffer(DefaultQueueSize)
}

// SubscribeBuffer registers a subscriber with an explicit queue bound.
func (b *Bus) SubscribeBuffer(n int) *Subscription {
	if n < 1 {
		n = 1
	}

	b.mu.Lock()
	b.nextID++
	s := &Subscription{bus: b, id: b.nextID, ch: make(chan Event, n)}
	b.subs[s.id] = s
	b.mu.Unlock()

	L_debug("bus: subscribed", "id", s.id, "queue", n)
	return s
}

// Publish fans the event to every subscriber's queue without blocking.
// A full queue drops the event and grows that subscriber's gap; nobody
// else is affected.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// push enqueues without ever blocking. When the subscriber has missed
// events, a Gap carrying the count is injected at the hole's position
// before normal delivery resumes.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}

	if s.missed > 0 {
		gap := Event{Kind: KindGap, Missed: s.missed, Time: ev.Time}
		select {
		case s.ch <- gap:
			s.missed = 0
		default:
			s.missed++
			return
		}
	}

	select {
	case s.ch <- ev:
	default:
		s.missed++
	}
}

// Events exposes the subscription as a receive channel. The channel is
// closed by Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Recv waits for the next event or context cancellation.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, context.Canceled
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Unsubscribe detaches from the bus and closes the event channel.
// Safe to call concurrently with Publish.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	s.mu.Lock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
	s.mu.Unlock()

	L_debug("bus: unsubscribed", "id", s.id)
}
