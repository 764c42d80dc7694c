// Package timerwheel provides a monotonic clock that is advanced explicitly
// rather than read from a free-running source (spec §9, "Global clock vs
// per-component clocks"), plus the two awaitable primitives the rest of the
// stack suspends on: Wait and WaitUntil.
//
// The heap-of-deadlines shape is grounded on the teacher's eventloop.Loop
// timerHeap (container/heap over (when, task) pairs, drained in runTimers
// by popping everything not After the current tick time). This package
// inverts the teacher's "now" source: eventloop.Loop derives ticks from
// time.Since(tickAnchor) on a free-running wall clock, whereas Clock is
// driven only by AdvanceTo, so tests get byte-for-byte reproducible timer
// firing order.
package timerwheel

import (
	"container/heap"
	"sync"
	"time"
)

// Clock is a monotonic, explicitly-advanced time source shared by the
// components that wait on deadlines: the passive-open engine's handshake
// timeout and the established control block's RTO/delayed-ACK timers.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	waiters waiterHeap
	seq     uint64
}

// NewClock creates a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AdvanceTo moves the clock forward to t, firing (closing the channel of)
// every waiter whose deadline is now at or before t. Advancing the clock
// backward is a programming error and panics, per spec §4.1.
func (c *Clock) AdvanceTo(t time.Time) {
	c.mu.Lock()
	if t.Before(c.now) {
		c.mu.Unlock()
		panic("timerwheel: AdvanceTo called with a time before the current clock")
	}
	c.now = t

	var fired []chan struct{}
	for c.waiters.Len() > 0 && !c.waiters[0].deadline.After(c.now) {
		w := heap.Pop(&c.waiters).(*waiter)
		fired = append(fired, w.done)
	}
	c.mu.Unlock()

	// Completion order among simultaneous deadlines is unspecified but
	// stable within a single poll (spec §4.1); closing in heap-pop order
	// satisfies that without imposing extra ordering guarantees.
	for _, ch := range fired {
		close(ch)
	}
}

// Advance is a convenience wrapper around AdvanceTo(Now() + d).
func (c *Clock) Advance(d time.Duration) {
	c.AdvanceTo(c.Now().Add(d))
}

// Wait returns a channel that closes no earlier than Now()+d.
func (c *Clock) Wait(d time.Duration) <-chan struct{} {
	return c.WaitUntil(c.Now().Add(d))
}

// WaitUntil returns a channel that closes no earlier than t. If t is already
// at or before the current time, the channel is closed immediately.
func (c *Clock) WaitUntil(t time.Time) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	done := make(chan struct{})
	if !t.After(c.now) {
		close(done)
		return done
	}

	c.seq++
	heap.Push(&c.waiters, &waiter{deadline: t, done: done, seq: c.seq})
	return done
}

// waiter is a single pending deadline.
type waiter struct {
	deadline time.Time
	done     chan struct{}
	seq      uint64
}

// waiterHeap is a min-heap ordered by deadline, tie-broken by admission
// order (seq) so that simultaneous deadlines fire in a stable order within
// one AdvanceTo call.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h waiterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waiterHeap) Push(x any) {
	*h = append(*h, x.(*waiter))
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
