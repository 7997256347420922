package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with topic-prefix
// filtering. Delivery is non-blocking: a subscriber that cannot keep up
// loses events rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// Subscriber buffer full; drop.
		}
	}
}

// Subscribe registers a subscriber for all events whose Kind starts with
// prefix. The returned function removes the subscription; the channel is
// never closed, so a drained select on it is safe after unsubscribe.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
