package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// EventKind identifies an observable lifecycle event.
type EventKind int

const (
	// EventSessionChanged fires when the current session is set, replaced, or cleared.
	EventSessionChanged EventKind = iota + 1
	// EventHostLost fires once per host loss episode.
	EventHostLost
	// EventMigrationCompleted fires when this peer is hosting or joined to the successor session.
	EventMigrationCompleted
	// EventMigrationFailed fires when the migration retry budget is exhausted.
	EventMigrationFailed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventSessionChanged:
		return "SessionChanged"
	case EventHostLost:
		return "HostLost"
	case EventMigrationCompleted:
		return "MigrationCompleted"
	case EventMigrationFailed:
		return "MigrationFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one observable occurrence.
type Event struct {
	Kind EventKind
	// Session is the current session after the event, nil when none is current.
	Session *Session
	// Host is the departed host for HostLost and the new host for MigrationCompleted.
	Host PeerID
	// Err is set for MigrationFailed.
	Err error
}

// Subscription is a buffered event feed for one subscriber.
type Subscription struct {
	id     string
	events chan Event
	mu     sync.Mutex
	closed bool
}

func newSubscription(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Subscription{
		id:     uuid.NewString(),
		events: make(chan Event, bufferSize),
	}
}

// Push enqueues ev without blocking.
//
// Postcondition: ev is enqueued, or an error if the subscription is closed or full.
func (s *Subscription) Push(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("subscription %s is closed", s.id)
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return fmt.Errorf("subscription %s event buffer full", s.id)
	}
}

// Events returns the read-only event channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close closes the event channel. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Bus fans events out to subscriptions. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	// OnDrop, when set, is called for every event a full or closed
	// subscription could not take.
	OnDrop func(ev Event, err error)
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a new subscription.
//
// Postcondition: Returns the subscription and an unsubscribe function that
// removes and closes it. The unsubscribe function is idempotent.
func (b *Bus) Subscribe(bufferSize int) (*Subscription, func()) {
	sub := newSubscription(bufferSize)
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub, func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.Close()
	}
}

// Publish delivers ev to every subscription without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if err := sub.Push(ev); err != nil && b.OnDrop != nil {
			b.OnDrop(ev, err)
		}
	}
}

// Close closes every subscription and removes them.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		sub.Close()
		delete(b.subs, id)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
