package stoppable

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSleepTimeout(t *testing.T) {
	th := New("test")
	start := time.Now()
	stopped := th.Sleep(10 * time.Millisecond)
	assert.False(t, stopped)
	assert.True(t, time.Since(start) >= 10*time.Millisecond)
}

func TestWakeupInterruptsSleep(t *testing.T) {
	th := New("test")
	woke := make(chan bool, 1)
	go func() {
		woke <- th.Sleep(10 * time.Second)
	}()
	time.Sleep(5 * time.Millisecond)
	th.Wakeup()
	select {
	case stopped := <-woke:
		assert.False(t, stopped)
	case <-time.After(time.Second):
		t.Fatal("sleep did not wake up")
	}
}

func TestPendingWakeupSkipsSleep(t *testing.T) {
	th := New("test")
	th.Wakeup()
	start := time.Now()
	stopped := th.Sleep(10 * time.Second)
	assert.False(t, stopped)
	assert.True(t, time.Since(start) < time.Second)
}

func TestStopLoop(t *testing.T) {
	th := New("worker")
	var ticks int64
	go func() {
		th.MarkStarted()
		defer th.MarkDone()
		for !th.Sleep(time.Millisecond) {
			atomic.AddInt64(&ticks, 1)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	th.StopAndJoin()
	require.True(t, th.IsStopRequested())
	assert.True(t, atomic.LoadInt64(&ticks) > 0)

	// after stop, Sleep returns immediately
	assert.True(t, th.Sleep(10*time.Second))
}
