// Package dispatch provides the owner-goroutine mailbox. Exactly one
// goroutine runs Queue.Run; it is the only place document state may be
// mutated. Other goroutines submit work with Sync (blocking) or Async
// (fire-and-forget).
package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// ErrQueueClosed is returned by Sync when the owner loop has exited.
var ErrQueueClosed = errors.New("dispatch: queue closed")

type task struct {
	fn    func() error
	reply chan error // nil for Async tasks
}

// Queue is a bounded mailbox consumed by a single owner goroutine.
type Queue struct {
	tasks chan task
	done  chan struct{}
}

// New creates a queue. The buffer bounds how many Async tasks may pile up
// before submitters block.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{
		tasks: make(chan task, buffer),
		done:  make(chan struct{}),
	}
}

// Run consumes tasks until ctx is cancelled, then drains what is already
// queued so submitted work is never silently dropped. It must be called
// from exactly one goroutine: the owner.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case t := <-q.tasks:
			q.execute(t)
		case <-ctx.Done():
			for {
				select {
				case t := <-q.tasks:
					q.execute(t)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) execute(t task) {
	err := runRecovered(t.fn)
	if t.reply != nil {
		t.reply <- err
	}
}

func runRecovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: task panicked: %v", r)
		}
	}()
	return fn()
}

// Sync submits fn and blocks until the owner goroutine has executed it,
// returning fn's error. Panics inside fn are recovered and returned as
// errors rather than tearing down the owner loop.
func (q *Queue) Sync(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case q.tasks <- task{fn: fn, reply: reply}:
	case <-q.done:
		return ErrQueueClosed
	}
	select {
	case err := <-reply:
		return err
	case <-q.done:
		// the shutdown drain may have executed the task anyway
		select {
		case err := <-reply:
			return err
		default:
			return ErrQueueClosed
		}
	}
}

// Async submits fn without waiting for it. Errors and panics are swallowed;
// use Sync when the caller needs the outcome.
func (q *Queue) Async(fn func()) {
	t := task{fn: func() error { fn(); return nil }}
	select {
	case q.tasks <- t:
	case <-q.done:
	}
}
