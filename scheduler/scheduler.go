// Package scheduler implements the cooperative task scheduler: a
// capacity-bounded registry of background coroutines (modeled as goroutines
// blocking on channel selects) with handle-based lifecycle tracking.
//
// The id-map-plus-liveness bookkeeping is grounded on the teacher's
// eventloop.registry (data map[uint64]weak.Pointer[promise], ring buffer for
// scavenging, NewPromise/Scavenge/RejectAll). Go has no stackful coroutines,
// so unlike the Rust original, a Task here is not suspended and resumed by
// hand: it is a goroutine that owns its own control flow and calls back into
// the Scheduler only to register/deregister itself and to observe
// cancellation via context.Context, mirroring how eventloop tracks a
// promise's identity independently of whatever is keeping it alive.
package scheduler

import (
	"context"
	"sync"

	"github.com/loopkernel/tcpstack/tcperrors"
)

// Handle identifies a task inserted into the Scheduler. The zero Handle is
// never issued and is safe to use as a "no task" sentinel.
type Handle uint64

// TaskFunc is the body of a scheduled coroutine. It must return promptly
// after ctx is canceled; the scheduler does not force-kill goroutines.
type TaskFunc func(ctx context.Context)

// Scheduler is a capacity-bounded registry of running tasks. It does not run
// tasks itself (there is no tick loop to poll, since goroutines are
// preemptible by the Go runtime); it exists to bound concurrent background
// work and to let any holder of a Handle cancel or query a task without
// holding a direct reference to the goroutine.
type Scheduler struct {
	mu       sync.Mutex
	capacity int
	nextID   uint64
	tasks    map[Handle]*entry
}

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler admitting at most capacity concurrently running
// tasks. A capacity of 0 means unbounded.
func New(capacity int) *Scheduler {
	return &Scheduler{
		capacity: capacity,
		tasks:    make(map[Handle]*entry),
	}
}

// Insert admits fn as a new background task and starts it immediately in its
// own goroutine, derived from parent. It returns tcperrors.ResourceExhausted
// if the scheduler is already at capacity.
//
// Per the startup contract for the stack's core background coroutines (the
// established control block's RTO/delayed-ACK loop and the listener's
// multiplexer), callers that cannot tolerate admission failure at startup
// should treat a ResourceExhausted return from Insert as fatal, the same way
// eventloop.New fails fast if its wake pipe cannot be registered.
func (s *Scheduler) Insert(parent context.Context, fn TaskFunc) (Handle, error) {
	s.mu.Lock()
	if s.capacity > 0 && len(s.tasks) >= s.capacity {
		s.mu.Unlock()
		return 0, tcperrors.New(tcperrors.ResourceExhausted, "scheduler.Insert", "task capacity exhausted")
	}

	s.nextID++
	h := Handle(s.nextID)
	ctx, cancel := context.WithCancel(parent)
	e := &entry{cancel: cancel, done: make(chan struct{})}
	s.tasks[h] = e
	s.mu.Unlock()

	go func() {
		defer close(e.done)
		defer cancel()
		fn(ctx)
		s.mu.Lock()
		delete(s.tasks, h)
		s.mu.Unlock()
	}()

	return h, nil
}

// FromRawHandle reconstructs a Handle from a raw id previously obtained via
// Handle's underlying uint64 value, reporting whether it currently names a
// live task.
func (s *Scheduler) FromRawHandle(raw uint64) (Handle, bool) {
	h := Handle(raw)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[h]
	return h, ok
}

// Take cancels and deregisters the task named by h, reporting whether it was
// found. The task's goroutine is signaled via context cancellation; Take
// does not block waiting for it to exit (cooperative cancellation only, per
// the scheduler's non-preemptive contract).
func (s *Scheduler) Take(h Handle) bool {
	s.mu.Lock()
	e, ok := s.tasks[h]
	if ok {
		delete(s.tasks, h)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Wait blocks until the task named by h has returned, or ctx is done. It
// reports false if h does not name a live task (never issued, already
// completed, or taken) or ctx expired first.
func (s *Scheduler) Wait(ctx context.Context, h Handle) bool {
	s.mu.Lock()
	e, ok := s.tasks[h]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-e.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Len reports the number of currently live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// CancelAll cancels every currently live task, mirroring
// eventloop.registry.RejectAll's bulk-teardown behavior on shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.tasks))
	for h, e := range s.tasks {
		entries = append(entries, e)
		delete(s.tasks, h)
	}
	s.mu.Unlock()
	for _, e := range entries {
		e.cancel()
	}
}
