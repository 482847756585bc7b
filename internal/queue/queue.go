// Package queue provides a bounded double-ended queue used by the MQTT
// publisher and the storage buffer. Unlike a plain ring buffer it supports
// requeuing a failed item at the front so retried items keep their place
// ahead of newer traffic.
package queue

import "sync"

// Deque is a bounded FIFO with front-requeue. When full, PushBack evicts the
// oldest element. Safe for concurrent use.
type Deque[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int
}

// New creates a Deque with the given capacity.
func New[T any](capacity int) *Deque[T] {
	if capacity <= 0 {
		panic("queue: capacity must be > 0")
	}
	return &Deque[T]{items: make([]T, capacity)}
}

// PushBack appends v. If the queue is full the oldest element is evicted and
// returned with dropped=true.
func (d *Deque[T]) PushBack(v T) (evicted T, dropped bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.size == len(d.items) {
		evicted = d.items[d.head]
		d.items[d.head] = v
		d.head = (d.head + 1) % len(d.items)
		return evicted, true
	}
	d.items[(d.head+d.size)%len(d.items)] = v
	d.size++
	return evicted, false
}

// PushFront inserts v at the head so it is the next element popped. If the
// queue is full the newest element is evicted instead of the item being
// requeued, and returned with dropped=true.
func (d *Deque[T]) PushFront(v T) (evicted T, dropped bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.size == len(d.items) {
		tail := (d.head + d.size - 1) % len(d.items)
		evicted = d.items[tail]
		d.size--
		dropped = true
	}
	d.head = (d.head - 1 + len(d.items)) % len(d.items)
	d.items[d.head] = v
	d.size++
	return evicted, dropped
}

// PopFront removes and returns the oldest element.
func (d *Deque[T]) PopFront() (v T, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.size == 0 {
		return v, false
	}
	v = d.items[d.head]
	var zero T
	d.items[d.head] = zero
	d.head = (d.head + 1) % len(d.items)
	d.size--
	return v, true
}

// Len returns the number of queued elements.
func (d *Deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Cap returns the queue capacity.
func (d *Deque[T]) Cap() int {
	return len(d.items)
}
