package agent

import (
	"sync"

	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// EventBusBufferSize is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts missing events rather than blocking
// the producer — the bus guarantees at-least-once delivery to subscribers
// that keep up, not to every subscriber regardless of pace.
const EventBusBufferSize = 64

// EventBus broadcasts CoreEvent values to every current subscriber. It
// preserves FIFO order only per-producer goroutine; events from different
// producers (the main loop, independent worker loops) may interleave on a
// subscriber's channel in any relative order. The bus holds no history —
// a subscriber that joins late sees nothing from before it subscribed.
type EventBus struct {
	mu   sync.RWMutex
	subs map[int]chan models.CoreEvent
	next int
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan models.CoreEvent)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe func. The caller must keep draining the channel or risk
// missing events once EventBusBufferSize is exceeded.
func (b *EventBus) Subscribe() (<-chan models.CoreEvent, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan models.CoreEvent, EventBusBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish broadcasts an event to every current subscriber. A subscriber
// whose buffer is full drops the event rather than stalling the producer.
func (b *EventBus) Publish(event models.CoreEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports how many listeners are currently attached.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
