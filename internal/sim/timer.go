package sim

import (
	"context"
	"sync"
	"time"
)

// Timer is the session stopwatch. It starts when the session begins;
// the elapsed value at completion lands in the archived record.
type Timer struct {
	mu      sync.Mutex
	accum   time.Duration
	started time.Time
	running bool
	now     func() time.Time
}

// NewTimer creates a stopped timer at zero.
func NewTimer() *Timer {
	return &Timer{now: time.Now}
}

// NewTimerWithClock creates a timer with a custom time source.
func NewTimerWithClock(now func() time.Time) *Timer {
	return &Timer{now: now}
}

// Start begins counting. Starting a running timer is a no-op.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.started = t.now()
	t.running = true
}

// Pause freezes the accumulated time. Pausing a paused timer is a
// no-op.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.accum += t.now().Sub(t.started)
	t.running = false
}

// Resume continues counting from the accumulated time.
func (t *Timer) Resume() {
	t.Start()
}

// Reset returns the timer to zero, stopped.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accum = 0
	t.running = false
}

// Running reports whether the timer is counting.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Elapsed returns the time counted so far.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return t.accum + t.now().Sub(t.started)
	}
	return t.accum
}

// Seconds returns the elapsed whole seconds.
func (t *Timer) Seconds() int {
	return int(t.Elapsed() / time.Second)
}

// Watch emits the elapsed duration once per second until the context
// is cancelled or the timer pauses.
func (t *Timer) Watch(ctx context.Context) <-chan time.Duration {
	out := make(chan time.Duration, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !t.Running() {
					return
				}
				select {
				case out <- t.Elapsed():
				default:
				}
			}
		}
	}()
	return out
}
