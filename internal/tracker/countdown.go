// Package tracker holds the two clocks of an attempt: the countdown to the
// authoritative end time and the accumulated time spent outside the exam
// window. Both are plain values owned by the session loop; they never start
// goroutines or read the wall clock themselves.
package tracker

import "time"

// Countdown tracks the time left against a deadline that only the server moves.
type Countdown struct {
	deadline time.Time
	expired  bool
}

// NewCountdown seeds the countdown with the server's remaining time.
func NewCountdown(now time.Time, remaining time.Duration) *Countdown {
	c := &Countdown{}
	c.Correct(now, remaining)
	return c
}

// Correct adopts a server-supplied remaining time. It has no effect once
// the countdown has expired.
func (c *Countdown) Correct(now time.Time, remaining time.Duration) {
	if c.expired {
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	c.deadline = now.Add(remaining)
}

// Remaining returns the time left, never below zero.
func (c *Countdown) Remaining(now time.Time) time.Duration {
	if c.expired {
		return 0
	}
	left := c.deadline.Sub(now)
	if left < 0 {
		return 0
	}
	// one-second resolution, rounded up so 0:00 is shown only at expiry
	if rem := left % time.Second; rem != 0 {
		left += time.Second - rem
	}
	return left
}

// Tick advances the countdown to now. expiredNow is true only on the tick
// that first reaches zero.
func (c *Countdown) Tick(now time.Time) (remaining time.Duration, expiredNow bool) {
	if c.expired {
		return 0, false
	}
	if !now.Before(c.deadline) {
		c.expired = true
		return 0, true
	}
	return c.Remaining(now), false
}

// Expired reports whether zero has been reached.
func (c *Countdown) Expired() bool { return c.expired }
