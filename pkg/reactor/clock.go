// Package reactor provides the monotonic microsecond clock behind the
// track scheduler. Time is kept as int64 microseconds; track protocol
// gaps (5 ms DCC, 50 ms MM settle) need sub-millisecond arithmetic
// without float drift. The Clock interface is the seam that lets the
// scheduler run against a virtual timeline in tests.
package reactor

import (
	"math"
	"sync/atomic"
	"time"
)

// Time constants, in microseconds.
const (
	NOW   int64 = 0
	NEVER int64 = math.MaxInt64
)

// Clock abstracts the monotonic microsecond clock so schedulers can be
// tested against a virtual timeline.
type Clock interface {
	// Now returns the current time in microseconds.
	Now() int64
	// SleepUntil blocks until the given waketime (microseconds) or the
	// stop channel closes, whichever comes first.
	SleepUntil(waketime int64, stop <-chan struct{})
}

// SystemClock is the real monotonic clock, zeroed at creation.
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a SystemClock.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Now returns microseconds since the clock was created.
func (c *SystemClock) Now() int64 {
	return time.Since(c.start).Microseconds()
}

// SleepUntil blocks until waketime or stop.
func (c *SystemClock) SleepUntil(waketime int64, stop <-chan struct{}) {
	now := c.Now()
	if waketime <= now {
		return
	}
	if waketime >= NEVER {
		if stop != nil {
			<-stop
		}
		return
	}
	t := time.NewTimer(time.Duration(waketime-now) * time.Microsecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}

// FakeClock is a virtual clock for tests. SleepUntil advances the clock
// instead of blocking, so scheduling logic runs on a deterministic
// timeline.
type FakeClock struct {
	now atomic.Int64
}

// NewFakeClock creates a FakeClock starting at the given time.
func NewFakeClock(start int64) *FakeClock {
	c := &FakeClock{}
	c.now.Store(start)
	return c
}

// Now returns the virtual time.
func (c *FakeClock) Now() int64 {
	return c.now.Load()
}

// SleepUntil advances the virtual clock to waketime.
func (c *FakeClock) SleepUntil(waketime int64, stop <-chan struct{}) {
	if waketime == NEVER {
		return
	}
	for {
		cur := c.now.Load()
		if waketime <= cur {
			return
		}
		if c.now.CompareAndSwap(cur, waketime) {
			return
		}
	}
}

// Advance moves the virtual clock forward by d microseconds.
func (c *FakeClock) Advance(d int64) {
	c.now.Add(d)
}
