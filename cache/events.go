package cache

import (
	"sync"

	"github.com/google/uuid"
)

// EventKind classifies a record lifecycle transition.
type EventKind uint8

const (
	EventCreated EventKind = iota + 1
	EventUpdated
	EventRemoved
	EventExpired
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event describes one successful mutation. For created events Value and
// OldValue both carry the new value; for removed and expired events both
// carry the value the record held before it went away. Only updated events
// have distinct values.
type Event struct {
	Kind     EventKind
	Key      string
	Value    []byte
	OldValue []byte
}

// Sink receives events synchronously, in the order the mutations took effect.
// Implementations must not block for long; they run inline with cache calls.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// NopSink discards all events.
var NopSink Sink = SinkFunc(func(Event) {})

func createdEvent(key string, value []byte) Event {
	return Event{Kind: EventCreated, Key: key, Value: value, OldValue: value}
}

func updatedEvent(key string, value, old []byte) Event {
	return Event{Kind: EventUpdated, Key: key, Value: value, OldValue: old}
}

func removedEvent(key string, old []byte) Event {
	return Event{Kind: EventRemoved, Key: key, Value: old, OldValue: old}
}

func expiredEvent(key string, old []byte) Event {
	return Event{Kind: EventExpired, Key: key, Value: old, OldValue: old}
}

type subscription struct {
	id   uuid.UUID
	sink Sink
}

// Fanout is a Sink that relays every event to all subscribed sinks in
// subscription order. Subscribe and Unsubscribe are safe to call while
// events are being dispatched.
type Fanout struct {
	mu   sync.RWMutex
	subs []subscription
}

func NewFanout() *Fanout {
	return &Fanout{}
}

// Subscribe registers a sink and returns a token for Unsubscribe.
func (f *Fanout) Subscribe(s Sink) uuid.UUID {
	id := uuid.New()
	f.mu.Lock()
	f.subs = append(f.subs, subscription{id: id, sink: s})
	f.mu.Unlock()
	return id
}

// Unsubscribe removes the sink registered under id. It reports whether a
// subscription was removed.
func (f *Fanout) Unsubscribe(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subs {
		if sub.id == id {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Notify implements Sink.
func (f *Fanout) Notify(e Event) {
	f.mu.RLock()
	subs := make([]subscription, len(f.subs))
	copy(subs, f.subs)
	f.mu.RUnlock()
	for _, sub := range subs {
		sub.sink.Notify(e)
	}
}
