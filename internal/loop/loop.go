package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("loop: stopped")

type task struct {
	fn       func()
	finished chan struct{}
}

// Loop executes submitted tasks serially on one goroutine.
type Loop struct {
	tasks    chan task
	deferred []func() // only touched on the loop goroutine
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a loop.
func New() *Loop {
	l := &Loop{
		tasks: make(chan task),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case t := <-l.tasks:
			t.fn()
			l.settle()
			close(t.finished)
		}
	}
}

// settle runs deferred work, including work deferred by deferred work,
// until none is left.
func (l *Loop) settle() {
	for len(l.deferred) > 0 {
		fn := l.deferred[0]
		l.deferred = l.deferred[1:]
		fn()
	}
}

// Defer queues fn to run after the current task. It must only be called
// from code running on the loop.
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// Do runs fn on the loop and waits until it and any work it deferred have
// finished. It must not be called from code already running on the loop.
func (l *Loop) Do(fn func()) error {
	return l.DoContext(context.Background(), fn)
}

// DoContext is Do with cancellation while waiting for the loop to accept
// the task. Once accepted, the task always runs to completion.
func (l *Loop) DoContext(ctx context.Context, fn func()) error {
	t := task{fn: fn, finished: make(chan struct{})}
	select {
	case l.tasks <- t:
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-t.finished
	return nil
}

// Stop ends the loop after the current task. Pending Do calls return
// ErrStopped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// Stopped returns a channel closed once the loop has exited.
func (l *Loop) Stopped() <-chan struct{} {
	return l.done
}
