// Package ringchan provides a bounded channel with overwrite-oldest
// semantics, used for event fan-out where a slow consumer must never
// block the radio or manager goroutines.
package ringchan

import "sync/atomic"

// RingChan wraps a buffered channel. Senders never block: when the buffer
// is full the oldest element is discarded. Readers consume via C() like a
// normal channel.
type RingChan[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// New creates a RingChan with the given capacity. Capacity must be > 0.
func New[T any](capacity int) *RingChan[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChan[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// it until Close.
func (rc *RingChan[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest buffered element if needed. It
// never blocks indefinitely. Returns true if an element was dropped.
func (rc *RingChan[T]) Send(v T) bool {
	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			rc.dropped.Add(1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	return dropped
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChan[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChan[T]) Len() int {
	return len(rc.ch)
}

// Dropped returns how many elements have been discarded to make room.
func (rc *RingChan[T]) Dropped() int64 {
	return rc.dropped.Load()
}

// Close closes the underlying channel. Send panics after Close.
func (rc *RingChan[T]) Close() {
	close(rc.ch)
}
