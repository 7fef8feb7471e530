// Package events provides ordered, channel-based observer streams.
//
// Publishers never block: each subscriber owns a buffered channel and a
// subscriber that falls behind loses the newest events rather than stalling
// the publisher. Events from a single Publish caller reach every subscriber
// in publish order.
package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans events of type T out to subscribers
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription[T]
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	onDrop  func()
}

type subscription[T any] struct {
	ch   chan T
	once sync.Once
}

// NewBus creates an empty bus
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*subscription[T])}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unsubscribes and closes the channel; it is safe to call twice.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription[T]{ch: make(chan T, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber without blocking
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Dropped returns the number of deliveries skipped because a subscriber was full
func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// OnDrop sets a func called for every delivery skipped because a
// subscriber was full. It runs on the publishing goroutine.
func (b *Bus[T]) OnDrop(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribers returns the current subscriber count
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel; later publishes are ignored
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, id)
	}
}
