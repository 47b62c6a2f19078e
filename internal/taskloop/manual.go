// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package taskloop

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type manualTimer struct {
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

type timerHeap []*manualTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}

	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*manualTimer)) } //nolint:forcetypeassert

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return t
}

// Manual is a deterministic scheduler driven by a fake clock. Nothing
// runs until the owner calls Flush or Advance, which execute every due
// callback on the calling Goroutine in (deadline, submission) order.
// Notifications are queued like posted tasks.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers timerHeap
	closed bool
}

// NewManual creates a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the fake clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.now
}

// Post queues fn to run at the current fake time.
func (m *Manual) Post(fn func()) {
	m.AfterFunc(0, fn)
}

// AfterFunc queues fn to run once the fake clock passes now+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, fn: fn}
	if !m.closed {
		heap.Push(&m.timers, t)
	}

	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true

		return true
	}
}

// Run executes fn inline.
func (m *Manual) Run(_ context.Context, fn func()) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	fn()

	return nil
}

// Notify queues fn like Post.
func (m *Manual) Notify(fn func()) {
	m.Post(fn)
}

// Close drops every pending callback and rejects further Run calls.
func (m *Manual) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.timers = nil
}

// Pending returns the number of queued callbacks, including stopped ones
// that have not been discarded yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.timers)
}

// next pops the earliest live timer due at or before limit.
func (m *Manual) next(limit time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.timers) > 0 {
		t := m.timers[0]
		if t.at.After(limit) {
			return nil
		}
		heap.Pop(&m.timers)
		if t.stopped {
			continue
		}
		t.fired = true
		if t.at.After(m.now) {
			m.now = t.at
		}

		return t
	}

	return nil
}

// Flush runs every callback that is due at the current fake time,
// including those queued while flushing.
func (m *Manual) Flush() {
	for t := m.next(m.Now()); t != nil; t = m.next(m.Now()) {
		t.fn()
	}
}

// Advance moves the clock forward by d, firing timers at their exact
// deadlines on the way.
func (m *Manual) Advance(d time.Duration) {
	target := m.Now().Add(d)
	for t := m.next(target); t != nil; t = m.next(target) {
		t.fn()
	}

	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	m.mu.Unlock()
}
