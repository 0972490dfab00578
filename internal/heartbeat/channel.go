// Package heartbeat implements the periodic liveness round-trip between the
// agent and the proctor API.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrTimeout is returned when the server does not answer within the heartbeat timeout.
var ErrTimeout = errors.New("heartbeat timed out")

// Sender delivers one heartbeat.
type Sender interface {
	Heartbeat(ctx context.Context, attemptID string, req model.HeartbeatRequest) (model.HeartbeatAck, error)
}

// Result is the outcome of one beat.
type Result struct {
	Record model.HeartbeatRecord
	Ack    *model.HeartbeatAck
	Err    error
}

// Verdict is the channel's reading of a result.
type Verdict struct {
	Ack         *model.HeartbeatAck
	Missed      bool
	Consecutive int
	// Lost is true once, on the miss that exhausts the budget.
	Lost bool
	Err  error
}

// Channel sends beats with a bounded timeout and counts consecutive misses.
type Channel struct {
	sender    Sender
	timeout   time.Duration
	maxMisses int
	now       func() time.Time

	mu      sync.Mutex
	misses  int
	lost    bool
	lastAck *time.Time
}

// NewChannel creates a channel from the session's security limits.
func NewChannel(sender Sender, cfg model.SecurityConfig, now func() time.Time) *Channel {
	if now == nil {
		now = time.Now
	}
	return &Channel{
		sender:    sender,
		timeout:   cfg.HeartbeatTimeout(),
		maxMisses: cfg.MaxMissedHeartbeats,
		now:       now,
	}
}

// Send performs one round-trip. It never blocks longer than the heartbeat timeout.
func (c *Channel) Send(ctx context.Context, attemptID string, req model.HeartbeatRequest) Result {
	res := Result{Record: model.HeartbeatRecord{
		SentAt:                 c.now(),
		ReportedViolationCount: req.ViolationCount,
		ReportedTimeOutsideMs:  req.AccumulatedOutsideMs,
	}}

	beatCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ack, err := c.sender.Heartbeat(beatCtx, attemptID, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(beatCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, c.timeout, err)
		}
		res.Err = err
		return res
	}
	at := c.now()
	res.Record.AckAt = &at
	res.Ack = &ack
	return res
}

// Observe updates the miss counter. A successful beat resets it.
func (c *Channel) Observe(res Result) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res.Err == nil && res.Ack != nil {
		c.misses = 0
		c.lastAck = res.Record.AckAt
		return Verdict{Ack: res.Ack}
	}

	c.misses++
	v := Verdict{Missed: true, Consecutive: c.misses, Err: res.Err}
	if !c.lost && c.misses >= c.maxMisses {
		c.lost = true
		v.Lost = true
	}
	return v
}

// LastAck returns when the server last acknowledged a beat.
func (c *Channel) LastAck() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

// Misses returns the current consecutive miss count.
func (c *Channel) Misses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}
