package bus

import (
	"sync"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/pkg/projection"
)

// Subscription is one live connection's view of the bus. Events arrive on
// a bounded channel in sequence order; when the channel is closed, Err
// tells why.
type Subscription struct {
	id     string
	branch string
	topics []event.Topic
	bus    *Bus

	mu     sync.Mutex
	ch     chan event.Event
	cursor uint64
	closed bool
	err    error
	done   chan struct{}
}

func newSubscription(b *Bus, id, branch string, topics []event.Topic, capacity int) *Subscription {
	return &Subscription{
		id:     id,
		branch: branch,
		topics: topics,
		bus:    b,
		ch:     make(chan event.Event, capacity),
		done:   make(chan struct{}),
	}
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Topics() []event.Topic {
	return s.topics
}

func (s *Subscription) Branch() string {
	return s.branch
}

// Events is closed when the subscription ends. Events already queued stay
// readable after that.
func (s *Subscription) Events() <-chan event.Event {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the subscription ended: ErrSlowConsumer,
// ErrShutdown, the context error, or nil after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cursor returns the sequence of the last event enqueued.
func (s *Subscription) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close ends the subscription and removes it from the registry before
// returning.
func (s *Subscription) Close() {
	s.closeWith(nil)
}

func (s *Subscription) closeWith(err error) {
	if s.terminate(err) {
		s.bus.release(s)
	}
}

// terminate marks the subscription closed. It reports whether this call
// did it.
func (s *Subscription) terminate(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.ch)
	close(s.done)
	return true
}

// enqueue narrows e to the subscription topics and pushes it without
// blocking. It returns false when the queue is full; the caller then
// closes the subscription as a slow consumer.
func (s *Subscription) enqueue(e event.Event) bool {
	e, ok := projection.EventForTopics(e, s.topics)
	if !ok {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if e.Sequence <= s.cursor {
		return true
	}
	select {
	case s.ch <- e:
		s.cursor = e.Sequence
		return true
	default:
		return false
	}
}
