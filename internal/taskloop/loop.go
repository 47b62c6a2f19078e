// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package taskloop implements the network context of the transport
// channel: tasks and timers run sequentially in a dedicated Goroutine,
// handler notifications are delivered in order from a second one.
package taskloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed indicates that the loop has been stopped.
var ErrClosed = errors.New("the task loop is closed")

// fifo is an unbounded queue of callbacks with a wakeup channel.
// Posting never blocks, so tasks may post from inside the loop.
type fifo struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newFIFO() *fifo {
	return &fifo{wake: make(chan struct{}, 1)}
}

func (q *fifo) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *fifo) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil

	return items
}

// Loop runs submitted tasks serially in a dedicated Goroutine.
type Loop struct {
	tasks   *fifo
	notices *fifo

	done        chan struct{}
	loopDone    chan struct{}
	noticesDone chan struct{}
	closeOnce   sync.Once
}

// New creates and starts a new task loop.
func New() *Loop {
	l := &Loop{
		tasks:    newFIFO(),
		notices:  newFIFO(),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		noticesDone: make(chan struct{}),
	}

	go l.runLoop()
	go l.runNotices()

	return l
}

func (l *Loop) runLoop() {
	defer close(l.loopDone)

	for {
		select {
		case <-l.done:
			return
		case <-l.tasks.wake:
			for _, fn := range l.tasks.take() {
				if l.Err() != nil {
					return
				}
				fn()
			}
		}
	}
}

// runNotices drains handler callbacks. Pending callbacks are still
// delivered after Close so observers see the final state.
func (l *Loop) runNotices() {
	defer close(l.noticesDone)

	for {
		select {
		case <-l.done:
			for _, fn := range l.notices.take() {
				fn()
			}

			return
		case <-l.notices.wake:
			for _, fn := range l.notices.take() {
				fn()
			}
		}
	}
}

// Now returns the current wall clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues fn to run on the loop. It is dropped once the loop is closed.
func (l *Loop) Post(fn func()) {
	if l.Err() != nil {
		return
	}
	l.tasks.push(fn)
}

// AfterFunc posts fn onto the loop once d has elapsed. The returned stop
// function reports whether it prevented fn from running.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	var stopped, fired atomic.Bool
	timer := time.AfterFunc(d, func() {
		l.Post(func() {
			if stopped.Load() {
				return
			}
			fired.Store(true)
			fn()
		})
	})

	return func() bool {
		timer.Stop()
		if fired.Load() {
			return false
		}

		return !stopped.Swap(true)
	}
}

// Run serially executes fn on the loop and waits for it to finish.
// It must not be called from a task already running on the loop.
func (l *Loop) Run(ctx context.Context, fn func()) error {
	if err := l.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	l.tasks.push(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.loopDone:
		// fn may have been the last task to run before close.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Notify delivers fn from the notification Goroutine, in submission order.
func (l *Loop) Notify(fn func()) {
	l.notices.push(fn)
}

// Close stops the loop after finishing the execution of the current task.
// Other pending tasks will not be executed. It must not be called from
// a task or a notification running on the loop.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	<-l.loopDone
	<-l.noticesDone
}

// Done returns a channel that's closed when the task loop has been stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err returns nil if the task loop is still running.
// Otherwise it return ErrClosed if the loop has been closed/stopped.
func (l *Loop) Err() error {
	select {
	case <-l.done:
		return ErrClosed
	default:
		return nil
	}
}
