package reactor

import (
	"testing"
	"time"
)

func TestSystemClockMonotonic(t *testing.T) {
	c := NewSystemClock()
	a := c.Now()
	time.Sleep(2 * time.Millisecond)
	b := c.Now()
	if b <= a {
		t.Errorf("clock went from %d to %d", a, b)
	}
}

func TestSystemClockSleepUntil(t *testing.T) {
	c := NewSystemClock()
	target := c.Now() + 2000
	c.SleepUntil(target, nil)
	if now := c.Now(); now < target {
		t.Errorf("woke at %d, want >= %d", now, target)
	}

	// A waketime in the past returns immediately.
	c.SleepUntil(c.Now()-1000, nil)
}

func TestSystemClockSleepStopped(t *testing.T) {
	c := NewSystemClock()
	stop := make(chan struct{})
	close(stop)
	start := c.Now()
	c.SleepUntil(NEVER, stop)
	if c.Now()-start > 100000 {
		t.Error("closed stop channel did not interrupt the sleep")
	}
}

func TestFakeClockAdvances(t *testing.T) {
	c := NewFakeClock(100)
	if c.Now() != 100 {
		t.Fatalf("start = %d", c.Now())
	}

	c.SleepUntil(5000, nil)
	if c.Now() != 5000 {
		t.Errorf("after sleep: %d, want 5000", c.Now())
	}

	// Sleeping into the past must not move the clock backwards.
	c.SleepUntil(1000, nil)
	if c.Now() != 5000 {
		t.Errorf("clock moved backwards to %d", c.Now())
	}

	// NEVER leaves the timeline alone.
	c.SleepUntil(NEVER, nil)
	if c.Now() != 5000 {
		t.Errorf("NEVER advanced the clock to %d", c.Now())
	}

	c.Advance(250)
	if c.Now() != 5250 {
		t.Errorf("after advance: %d, want 5250", c.Now())
	}
}
