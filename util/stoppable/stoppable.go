// Package stoppable provides the sleep/wakeup/stop primitive shared by the
// engine's long-running threads: the epoch advancer, the log gleaner, and the
// gleaner's mappers and reducers. A Thread is a flag pair guarded by a
// condition variable; the owning goroutine sleeps on it with a timeout and
// everyone else pokes it.
package stoppable

import (
	"sync"
	"time"
)

// Thread is the control block of one long-running goroutine. The goroutine
// itself is started by the owner; Thread only coordinates it.
type Thread struct {
	mu            sync.Mutex
	cond          *sync.Cond
	name          string
	wakeupPending bool
	stopRequested bool
	started       bool
	stopCh        chan struct{}
	done          chan struct{}
}

// New returns a control block named for diagnostics.
func New(name string) *Thread {
	t := &Thread{name: name, stopCh: make(chan struct{}), done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *Thread) Name() string { return t.name }

// MarkStarted records that the owning goroutine is running. Must be called
// from that goroutine before its first Sleep.
func (t *Thread) MarkStarted() {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
}

// MarkDone records that the owning goroutine exited. WaitForStop unblocks.
func (t *Thread) MarkDone() {
	close(t.done)
}

// Sleep blocks until the timeout elapses, a Wakeup arrives, or stop is
// requested. It returns true when stop was requested; callers use it as the
// loop condition. A zero timeout sleeps until signaled.
func (t *Thread) Sleep(timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopRequested {
		return true
	}
	if t.wakeupPending {
		t.wakeupPending = false
		return false
	}

	if timeout > 0 {
		// sync.Cond has no timed wait; arm a timer that signals the cond.
		timer := time.AfterFunc(timeout, func() {
			t.mu.Lock()
			t.wakeupPending = true
			t.mu.Unlock()
			t.cond.Broadcast()
		})
		defer timer.Stop()
	}
	for !t.stopRequested && !t.wakeupPending {
		t.cond.Wait()
	}
	t.wakeupPending = false
	return t.stopRequested
}

// Wakeup unblocks a concurrent or future Sleep.
func (t *Thread) Wakeup() {
	t.mu.Lock()
	t.wakeupPending = true
	t.mu.Unlock()
	t.cond.Broadcast()
}

// RequestStop asks the owning goroutine to exit its loop. Idempotent.
func (t *Thread) RequestStop() {
	t.mu.Lock()
	if !t.stopRequested {
		t.stopRequested = true
		close(t.stopCh)
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

// StopChan is closed when stop is requested; for select-style waits.
func (t *Thread) StopChan() <-chan struct{} { return t.stopCh }

// IsStopRequested reports whether RequestStop was called.
func (t *Thread) IsStopRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopRequested
}

// WaitForStop blocks until the owning goroutine called MarkDone.
func (t *Thread) WaitForStop() {
	<-t.done
}

// StopAndJoin requests stop and waits for the goroutine to exit.
func (t *Thread) StopAndJoin() {
	t.RequestStop()
	t.WaitForStop()
}
