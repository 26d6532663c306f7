package adapter

import (
	"sync"
	"time"
)

// Task is a cancellable one-shot scheduled callback used for backoff waits,
// keepalive watchdogs, and connect deadlines. Unlike a bare time.AfterFunc,
// Stop guarantees the callback will not fire afterwards even if the timer
// already expired, which lets Disconnect cancel everything deterministically.
type Task struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	fn    func()
	delay time.Duration
}

// Schedule arms the task to run fn once after d, replacing any pending run.
func (t *Task) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
	t.fn = fn
	t.delay = d
	t.armLocked()
}

// Reset re-arms the task with its last callback. Delay d <= 0 reuses the
// previous delay. No-op if the task was never scheduled.
func (t *Task) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fn == nil {
		return
	}
	t.cancelLocked()
	if d > 0 {
		t.delay = d
	}
	t.armLocked()
}

// Stop cancels any pending run. Safe to call repeatedly.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
	t.fn = nil
}

// Pending reports whether a run is currently scheduled.
func (t *Task) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *Task) cancelLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Task) armLocked() {
	gen := t.gen
	fn := t.fn
	t.timer = time.AfterFunc(t.delay, func() {
		t.mu.Lock()
		if gen != t.gen {
			// Cancelled or re-armed after this fire was queued.
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		fn()
	})
}
