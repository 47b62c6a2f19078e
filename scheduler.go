// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"context"
	"time"

	"github.com/pion/p2p/internal/taskloop"
)

// Scheduler is the single logical network context every port, connection
// and channel runs on. Tasks execute one at a time in submission order.
type Scheduler interface {
	// Now returns the scheduler's clock.
	Now() time.Time
	// Post queues fn to run on the context.
	Post(fn func())
	// AfterFunc queues fn to run after d. The returned stop reports
	// whether it prevented the call.
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
	// Run executes fn on the context and waits for it.
	Run(ctx context.Context, fn func()) error
	// Notify delivers an upper layer callback in order, off the context.
	Notify(fn func())
	// Close stops the context. Queued work is dropped.
	Close()
}

var (
	_ Scheduler = (*taskloop.Loop)(nil)
	_ Scheduler = (*taskloop.Manual)(nil)
)

// NewScheduler returns a goroutine backed scheduler on the wall clock.
func NewScheduler() Scheduler {
	return taskloop.New()
}
