// Package deferred provides a value that becomes available later: it resolves
// exactly once or is cancelled, and continuations attached to a cancelled
// deferred never run.
package deferred

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Wait on a cancelled deferred.
var ErrCancelled = errors.New("deferred cancelled")

// State of a Deferred.
type State int

const (
	Pending State = iota
	Resolved
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Deferred holds a value of type T that is resolved at most once.
//
// Continuations run on the goroutine that calls Resolve, or immediately on
// the caller of Then when the value is already there. In the session every
// Resolve happens on the event loop, so continuations may touch loop state.
type Deferred[T any] struct {
	mu       sync.Mutex
	state    State
	value    T
	thens    []func(T)
	onCancel []func()
	done     chan struct{}
}

// New creates a pending deferred.
func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// ResolvedWith creates a deferred that already holds v.
func ResolvedWith[T any](v T) *Deferred[T] {
	d := New[T]()
	d.Resolve(v)
	return d
}

// Resolve sets the value and runs the continuations. Only the first call on a
// pending deferred has any effect; it reports whether this call won.
func (d *Deferred[T]) Resolve(v T) bool {
	d.mu.Lock()
	if d.state != Pending {
		d.mu.Unlock()
		return false
	}
	d.state = Resolved
	d.value = v
	thens := d.thens
	d.thens = nil
	d.onCancel = nil
	close(d.done)
	d.mu.Unlock()

	for _, fn := range thens {
		fn(v)
	}
	return true
}

// Cancel discards the pending continuations. It reports whether the deferred
// was still pending.
func (d *Deferred[T]) Cancel() bool {
	d.mu.Lock()
	if d.state != Pending {
		d.mu.Unlock()
		return false
	}
	d.state = Cancelled
	onCancel := d.onCancel
	d.thens = nil
	d.onCancel = nil
	close(d.done)
	d.mu.Unlock()

	for _, fn := range onCancel {
		fn()
	}
	return true
}

// Then attaches a continuation. It runs now if the value is already resolved
// and never if the deferred was cancelled.
func (d *Deferred[T]) Then(fn func(T)) *Deferred[T] {
	d.mu.Lock()
	switch d.state {
	case Pending:
		d.thens = append(d.thens, fn)
		d.mu.Unlock()
	case Resolved:
		v := d.value
		d.mu.Unlock()
		fn(v)
	default:
		d.mu.Unlock()
	}
	return d
}

// OnCancel attaches a hook that runs if the deferred is cancelled.
func (d *Deferred[T]) OnCancel(fn func()) *Deferred[T] {
	d.mu.Lock()
	switch d.state {
	case Pending:
		d.onCancel = append(d.onCancel, fn)
		d.mu.Unlock()
	case Cancelled:
		d.mu.Unlock()
		fn()
	default:
		d.mu.Unlock()
	}
	return d
}

// State returns the current state.
func (d *Deferred[T]) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Value returns the resolved value, if any.
func (d *Deferred[T]) Value() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.state == Resolved
}

// Wait blocks until the deferred settles or ctx is done. A cancelled
// deferred returns ErrCancelled.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	v, ok := d.Value()
	if !ok {
		return v, ErrCancelled
	}
	return v, nil
}

// Done is closed once the deferred is resolved or cancelled.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}
