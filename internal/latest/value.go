// Package latest provides a single-slot broadcast value: writers overwrite,
// readers and subscribers always observe the most recent value.
package latest

import (
	"context"
	"sync"
)

// Value holds the most recent T and wakes subscribers on every Set.
//
// A new subscriber immediately receives the current value (if one was ever
// set). Slow subscribers skip intermediate values but never see them out of
// order. No history is kept.
type Value[T any] struct {
	mu      sync.Mutex
	val     T
	version uint64
	changed chan struct{}
}

// New returns an empty Value. Subscribers wait for the first Set.
func New[T any]() *Value[T] {
	return &Value[T]{changed: make(chan struct{})}
}

// NewWith returns a Value already holding v.
func NewWith[T any](v T) *Value[T] {
	x := New[T]()
	x.Set(v)
	return x
}

// Set replaces the held value and wakes all subscribers.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	v.val = x
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
	v.mu.Unlock()
}

// Get returns the current value and whether one was ever set.
func (v *Value[T]) Get() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val, v.version > 0
}

// Load returns the current value, or the zero value if none was set.
func (v *Value[T]) Load() T {
	val, _ := v.Get()
	return val
}

// Version counts Set calls. It only ever increases.
func (v *Value[T]) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

// Subscribe streams the current value followed by every newer value until
// ctx is done, at which point the channel is closed. The channel holds at
// most one pending value; an undelivered value is replaced by a newer one.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T, 1)
	go func() {
		defer close(out)
		var seen uint64
		for {
			v.mu.Lock()
			val, ver, changed := v.val, v.version, v.changed
			v.mu.Unlock()

			if ver != seen {
				// Only this goroutine sends, so after dropping a stale
				// pending value the buffer has room.
				select {
				case <-out:
				default:
				}
				out <- val
				seen = ver
			}

			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}()
	return out
}
