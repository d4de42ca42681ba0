package sim

import (
	"testing"
	"time"
)

// fakeClock advances only when told to.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTimerStartPause(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	timer := NewTimerWithClock(clock.now)

	if timer.Running() {
		t.Error("new timer is running")
	}
	if timer.Elapsed() != 0 {
		t.Errorf("new timer elapsed = %v, want 0", timer.Elapsed())
	}

	timer.Start()
	clock.advance(90 * time.Second)
	if got := timer.Elapsed(); got != 90*time.Second {
		t.Errorf("elapsed while running = %v, want 90s", got)
	}

	timer.Pause()
	clock.advance(time.Hour)
	if got := timer.Elapsed(); got != 90*time.Second {
		t.Errorf("elapsed while paused = %v, want 90s", got)
	}
	if timer.Running() {
		t.Error("timer running after Pause")
	}
}

func TestTimerResumeAccumulates(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	timer := NewTimerWithClock(clock.now)

	timer.Start()
	clock.advance(30 * time.Second)
	timer.Pause()

	clock.advance(5 * time.Minute)
	timer.Resume()
	clock.advance(15 * time.Second)

	if got := timer.Elapsed(); got != 45*time.Second {
		t.Errorf("elapsed = %v, want 45s", got)
	}
	if got := timer.Seconds(); got != 45 {
		t.Errorf("Seconds() = %d, want 45", got)
	}
}

func TestTimerStartIdempotent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	timer := NewTimerWithClock(clock.now)

	timer.Start()
	clock.advance(10 * time.Second)
	timer.Start() // must not restart the interval
	clock.advance(10 * time.Second)

	if got := timer.Elapsed(); got != 20*time.Second {
		t.Errorf("elapsed = %v, want 20s", got)
	}
}

func TestTimerReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	timer := NewTimerWithClock(clock.now)

	timer.Start()
	clock.advance(time.Minute)
	timer.Reset()

	if timer.Running() {
		t.Error("timer running after Reset")
	}
	if got := timer.Elapsed(); got != 0 {
		t.Errorf("elapsed after Reset = %v, want 0", got)
	}
}
