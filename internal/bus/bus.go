package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is the in-process publish/subscribe spine of the engine. Producers
// (multiplexer, outbox, poller, presence, typing) publish; the reconciler,
// the snapshot cache and the notification bridge subscribe. Delivery is
// non-blocking: a full subscriber drops events, which is acceptable because
// every consumer is backed by an idempotent, poll-repairable path.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers an event to every subscriber whose prefix matches
// the event kind. If the event timestamp is zero it is stamped now.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
				// Subscriber full; dropped. The consistency poll repairs.
			}
		}
	}
}

// Subscribe returns a channel receiving events whose kind starts with the
// given prefix, and an unsubscribe function. bufSize caps in-flight events.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
