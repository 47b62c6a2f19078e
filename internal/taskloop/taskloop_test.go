// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package taskloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v4/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	loop := New()
	defer loop.Close()

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		loop.Post(func() {
			order = append(order, i)
		})
	}
	require.NoError(t, loop.Run(context.Background(), func() {
		order = append(order, 10)
	}))

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, order)
}

func TestLoopPostFromTask(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	loop := New()
	defer loop.Close()

	done := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() {
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "nested post never ran")
	}
}

func TestLoopAfterFunc(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	loop := New()
	defer loop.Close()

	fired := make(chan struct{})
	loop.AfterFunc(10*time.Millisecond, func() {
		close(fired)
	})

	stop := loop.AfterFunc(time.Hour, func() {
		assert.Fail(t, "stopped timer fired")
	})
	assert.True(t, stop())
	assert.False(t, stop())

	select {
	case <-fired:
	case <-time.After(time.Second):
		assert.Fail(t, "timer never fired")
	}
}

func TestLoopClose(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	loop := New()
	assert.NoError(t, loop.Err())

	loop.Close()
	loop.Close()

	assert.ErrorIs(t, loop.Err(), ErrClosed)
	assert.ErrorIs(t, loop.Run(context.Background(), func() {
		assert.Fail(t, "task ran after close")
	}), ErrClosed)

	select {
	case <-loop.Done():
	default:
		assert.Fail(t, "Done not closed")
	}
}

func TestLoopRunContextCanceled(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	loop := New()
	defer loop.Close()

	block := make(chan struct{})
	loop.Post(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, loop.Run(ctx, func() {}), context.DeadlineExceeded)
	close(block)
}

func TestLoopNotifyOrder(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	loop := New()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		loop.Notify(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	loop.Close()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestManualAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)

	var fired []time.Duration
	record := func() {
		fired = append(fired, m.Now().Sub(start))
	}
	m.AfterFunc(30*time.Millisecond, record)
	m.AfterFunc(10*time.Millisecond, record)
	stop := m.AfterFunc(20*time.Millisecond, record)
	m.AfterFunc(10*time.Millisecond, func() {
		m.AfterFunc(5*time.Millisecond, record)
	})

	assert.True(t, stop())

	m.Advance(25 * time.Millisecond)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}, fired)
	assert.Equal(t, 25*time.Millisecond, m.Now().Sub(start))

	m.Advance(time.Second)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 15 * time.Millisecond, 30 * time.Millisecond}, fired)
	assert.Zero(t, m.Pending())
}

func TestManualFlush(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var order []string
	m.Post(func() {
		order = append(order, "a")
		m.Post(func() { order = append(order, "c") })
	})
	m.Notify(func() { order = append(order, "b") })
	m.AfterFunc(time.Millisecond, func() { order = append(order, "late") })

	assert.Empty(t, order)
	m.Flush()
	assert.Equal(t, []string{"a", "b", "c"}, order)

	m.Close()
	assert.ErrorIs(t, m.Run(context.Background(), func() {}), ErrClosed)
	assert.Zero(t, m.Pending())
}
