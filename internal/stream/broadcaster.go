// Package stream fans values out to any number of bounded subscriber channels.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broadcaster delivers every published value to all current subscribers.
// A subscriber that falls behind loses its oldest buffered values; Publish
// never blocks.
type Broadcaster[T any] struct {
	buffer int

	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool
	done   chan struct{}

	dropped atomic.Int64
}

type subscriber[T any] struct {
	ch chan T
}

// NewBroadcaster creates a Broadcaster whose subscriber channels hold up to
// buffer values.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster[T]{
		buffer: buffer,
		subs:   make(map[*subscriber[T]]struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe returns a fresh channel that receives values published after the
// call. The channel is closed when ctx ends or the Broadcaster is closed.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) <-chan T {
	sub := &subscriber[T]{ch: make(chan T, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub)
		case <-b.done:
		}
	}()
	return sub.ch
}

func (b *Broadcaster[T]) remove(sub *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish hands v to every subscriber, evicting the oldest buffered value of
// any subscriber whose channel is full.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		for !trySend(sub.ch, v) {
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
		}
	}
}

func trySend[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many values were evicted from slow subscribers.
func (b *Broadcaster[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel and Publish becomes a no-op.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
