// Package observe contains a single-latest-value broadcast type.
//
// A [Value] holds the most recent value written to it. Watchers receive the
// current value immediately and then every later value, in order, each at
// its own pace. Writers are serialised; readers never take a lock.
package observe

import (
	"context"
	"sync"
	"sync/atomic"
)

// node is one published value in a linked list. ready is closed once next
// has been assigned, at which point next may be read without synchronisation.
type node[T any] struct {
	val   T
	ready chan struct{}
	next  *node[T]
}

// Value is an observable value container.
// The zero value is not usable; construct with [NewValue].
type Value[T any] struct {
	writeMu sync.Mutex
	cur     atomic.Pointer[node[T]]
}

// NewValue returns a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	v := &Value[T]{}
	v.cur.Store(&node[T]{val: initial, ready: make(chan struct{})})
	return v
}

// Get returns the latest value.
func (v *Value[T]) Get() T {
	return v.cur.Load().val
}

// Set publishes val to all watchers.
func (v *Value[T]) Set(val T) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	prev := v.cur.Load()
	n := &node[T]{val: val, ready: make(chan struct{})}
	prev.next = n
	v.cur.Store(n)
	close(prev.ready)
}

// Update atomically replaces the value with fn(current) and returns the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	prev := v.cur.Load()
	n := &node[T]{val: fn(prev.val), ready: make(chan struct{})}
	prev.next = n
	v.cur.Store(n)
	close(prev.ready)
	return n.val
}

// Watch returns a channel that yields the current value and then every
// subsequent one. The channel is closed when ctx is done.
//
// A watcher that stops reading holds on to every value published since,
// so callers must keep draining or cancel ctx.
func (v *Value[T]) Watch(ctx context.Context) <-chan T {
	out := make(chan T)
	n := v.cur.Load()

	go func() {
		defer close(out)
		for {
			select {
			case out <- n.val:
			case <-ctx.Done():
				return
			}

			select {
			case <-n.ready:
				n = n.next
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// WaitFor blocks until pred holds for the current or a later value, and
// returns that value.
func (v *Value[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	n := v.cur.Load()
	for {
		if pred(n.val) {
			return n.val, nil
		}
		select {
		case <-n.ready:
			n = n.next
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
