package ledger

import (
	"context"
	"errors"
	"sync"
)

// EventKind names a ledger event on the wire.
type EventKind string

const (
	EventCreated EventKind = "new-log"
	EventUpdated EventKind = "log-updated"
)

// DefaultSubscriberBuffer is used when Subscribe is given a non-positive size.
const DefaultSubscriberBuffer = 256

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("ledger: subscription closed")

// Event is a created or updated entry.
type Event struct {
	Kind  EventKind `json:"event"`
	Entry Entry     `json:"payload"`
}

// Broker fans events out to subscribers. Publishing never blocks.
type Broker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	onDrop func(n int)
}

// NewBroker constructs a broker. onDrop, when set, receives the number of events
// discarded from a full subscriber queue.
func NewBroker(onDrop func(n int)) *Broker {
	return &Broker{subs: make(map[*Subscription]struct{}), onDrop: onDrop}
}

// Subscribe registers a subscriber whose queue holds at most buffer events.
// When the queue is full the oldest event is discarded.
func (b *Broker) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscription{
		broker:   b,
		capacity: buffer,
		queue:    make([]Event, 0, buffer),
		notify:   make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers ev to every current subscriber.
func (b *Broker) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if s.push(ev) && b.onDrop != nil {
			b.onDrop(1)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one subscriber's bounded FIFO queue.
type Subscription struct {
	broker   *Broker
	capacity int

	mu      sync.Mutex
	queue   []Event
	dropped uint64
	closed  bool
	notify  chan struct{}
}

// push appends ev and reports whether an older event was discarded.
func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.queue) >= s.capacity {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Notify fires when events may be waiting. Call Drain after receiving.
func (s *Subscription) Notify() <-chan struct{} {
	return s.notify
}

// Drain removes and returns every queued event in order.
func (s *Subscription) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := make([]Event, len(s.queue))
	copy(out, s.queue)
	s.queue = s.queue[:0]
	return out
}

// Next blocks until an event is available, ctx is done or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			copy(s.queue, s.queue[1:])
			s.queue = s.queue[:len(s.queue)-1]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrSubscriptionClosed
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription. Queued events are discarded.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.broker.remove(s)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
