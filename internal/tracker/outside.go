package tracker

import "time"

// ProgressEvery is the accumulated outside time between audit progress marks.
const ProgressEvery = 30 * time.Second

// Stretch is one completed period away from the exam window.
type Stretch struct {
	// TabHidden is true when the tab was hidden at any point of the stretch.
	TabHidden bool
	Duration  time.Duration
}

// Report is what a tick or a return produced.
type Report struct {
	// Marks are the progress thresholds crossed, in ascending order.
	Marks []time.Duration
	// Exceeded is true exactly once, when the accumulated time first reaches the limit.
	Exceeded    bool
	Accumulated time.Duration
}

// Outside accumulates time during which the tab is hidden or the window is blurred.
// Accumulation never decreases locally.
type Outside struct {
	limit time.Duration

	hidden  bool
	blurred bool

	stretchStart  time.Time
	stretchHidden bool
	lastAt        time.Time

	accumulated time.Duration
	nextMark    time.Duration
	exceeded    bool
}

// NewOutside creates a tracker with the given limit, seeded with time already
// accounted by the server. A seed at or over the limit is reported by the
// first Tick.
func NewOutside(limit, seed time.Duration) *Outside {
	if seed < 0 {
		seed = 0
	}
	o := &Outside{limit: limit, accumulated: seed}
	o.nextMark = (seed/ProgressEvery + 1) * ProgressEvery
	return o
}

// IsOutside reports whether the student is currently away.
func (o *Outside) IsOutside() bool { return o.hidden || o.blurred }

// Hidden reports whether the tab is currently hidden.
func (o *Outside) Hidden() bool { return o.hidden }

// Leave records a visibility or focus loss.
func (o *Outside) Leave(tabHidden bool, now time.Time) {
	wasOutside := o.IsOutside()
	if tabHidden {
		o.hidden = true
	} else {
		o.blurred = true
	}
	if !wasOutside {
		o.stretchStart = now
		o.lastAt = now
		o.stretchHidden = false
	}
	if o.hidden {
		o.stretchHidden = true
	}
}

// Return records visibility or focus coming back. ok is false while the
// student is still outside through the other channel (tab visible but window
// blurred, or the reverse) or was not outside at all.
func (o *Outside) Return(tabVisible bool, now time.Time) (Stretch, Report, bool) {
	if !o.IsOutside() {
		return Stretch{}, Report{Accumulated: o.accumulated}, false
	}
	rep := o.Tick(now)
	if tabVisible {
		o.hidden = false
	} else {
		o.blurred = false
	}
	if o.IsOutside() {
		return Stretch{}, rep, false
	}
	return Stretch{TabHidden: o.stretchHidden, Duration: now.Sub(o.stretchStart)}, rep, true
}

// Tick folds the time since the last tick into the accumulator.
func (o *Outside) Tick(now time.Time) Report {
	if o.IsOutside() && now.After(o.lastAt) {
		o.accumulated += now.Sub(o.lastAt)
		o.lastAt = now
	}

	rep := Report{Accumulated: o.accumulated}
	for o.accumulated >= o.nextMark && o.nextMark < o.limit {
		rep.Marks = append(rep.Marks, o.nextMark)
		o.nextMark += ProgressEvery
	}
	if !o.exceeded && o.accumulated >= o.limit {
		o.exceeded = true
		rep.Exceeded = true
	}
	return rep
}

// Accumulated returns the total time outside up to now.
func (o *Outside) Accumulated(now time.Time) time.Duration {
	total := o.accumulated
	if o.IsOutside() && now.After(o.lastAt) {
		total += now.Sub(o.lastAt)
	}
	return total
}

// Floor raises the accumulator to a server-accounted value. It never lowers it.
func (o *Outside) Floor(server time.Duration) {
	if server <= o.accumulated {
		return
	}
	o.accumulated = server
	for o.nextMark <= o.accumulated {
		o.nextMark += ProgressEvery
	}
}

// Exceeded reports whether the limit has been reached.
func (o *Outside) Exceeded() bool { return o.exceeded }
