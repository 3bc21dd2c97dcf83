// Package pubsub provides a small generic publish/subscribe broker.
//
// Each component in the pipeline exposes one Broker per event category.
// Subscriptions are scoped to a context: cancelling the context removes the
// subscriber and closes its channel, which is the completion signal.
package pubsub

import (
	"context"
	"sync"
	"time"
)

// Event wraps a published payload with delivery metadata.
type Event[T any] struct {
	// Seq is a monotonically increasing sequence number per broker.
	Seq uint64
	// Timestamp records when the event was published.
	Timestamp time.Time
	// Payload is the event body.
	Payload T
}

// Broker fans out events to any number of subscribers.
type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event[T]
	nextID uint64
	seq    uint64
	closed bool

	buffer int
}

// subscriberBuffer is the per-subscriber channel capacity. Slow subscribers
// that fall more than this far behind lose the oldest pending event rather
// than blocking publishers.
const subscriberBuffer = 256

// NewBroker creates a broker with the default subscriber buffer.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs:   make(map[uint64]chan Event[T]),
		buffer: subscriberBuffer,
	}
}

// Subscribe registers a new subscriber. The returned channel receives every
// event published after registration and is closed when ctx is cancelled or
// the broker is closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event[T], b.buffer)
	if b.closed {
		close(ch)
		return ch
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	go func() {
		<-ctx.Done()
		b.remove(id)
	}()

	return ch
}

// Publish delivers payload to all current subscribers. Delivery is
// non-blocking: if a subscriber's buffer is full, the oldest pending event
// is dropped to make room.
func (b *Broker[T]) Publish(payload T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	ev := Event[T]{Seq: b.seq, Timestamp: time.Now(), Payload: payload}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest entry, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close removes all subscribers and closes their channels. Publishing after
// Close is a no-op.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}
