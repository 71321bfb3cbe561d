package session

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is handed to a loop that has stopped.
var ErrStopped = errors.New("loop stopped")

// Loop runs posted functions one at a time, in posting order, on the
// goroutine that called Run. Posting never blocks: the queue is unbounded.
type Loop struct {
	queue   []func()
	stopped bool
	mutex   sync.Mutex

	wake chan struct{}
	done chan struct{}
}

// NewLoop creates an idle loop.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mutex.Lock()
	if l.stopped {
		l.mutex.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits until it ran. It must not be called from the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) take() []func() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

// RunPending runs everything queued, including what the queued functions
// post, and returns how many functions ran.
func (l *Loop) RunPending() int {
	n := 0
	for {
		q := l.take()
		if len(q) == 0 {
			return n
		}
		for _, fn := range q {
			fn()
			n++
		}
	}
}

// Run processes posted functions until ctx is done. Work still queued at
// that point is discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

func (l *Loop) stop() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.queue = nil
	close(l.done)
}

// Len returns the number of queued functions.
func (l *Loop) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.queue)
}
