package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func TestCountdownExpiresOnce(t *testing.T) {
	c := NewCountdown(t0, 3*time.Second)

	for i := 1; i <= 2; i++ {
		left, expired := c.Tick(t0.Add(time.Duration(i) * time.Second))
		require.False(t, expired)
		require.Equal(t, time.Duration(3-i)*time.Second, left)
	}

	left, expired := c.Tick(t0.Add(3 * time.Second))
	require.True(t, expired)
	require.Zero(t, left)

	_, expired = c.Tick(t0.Add(4 * time.Second))
	require.False(t, expired)
	require.True(t, c.Expired())
	require.Zero(t, c.Remaining(t0.Add(time.Hour)))
}

func TestCountdownNeverNegative(t *testing.T) {
	c := NewCountdown(t0, -5*time.Second)
	require.Zero(t, c.Remaining(t0))
	_, expired := c.Tick(t0)
	require.True(t, expired)
}

func TestCountdownCorrection(t *testing.T) {
	c := NewCountdown(t0, 10*time.Minute)

	// server says less time is left than the local clock believes
	c.Correct(t0.Add(time.Minute), 5*time.Minute)
	require.Equal(t, 5*time.Minute, c.Remaining(t0.Add(time.Minute)))

	c.Correct(t0.Add(2*time.Minute), 0)
	_, expired := c.Tick(t0.Add(2 * time.Minute))
	require.True(t, expired)

	c.Correct(t0.Add(3*time.Minute), time.Hour)
	require.Zero(t, c.Remaining(t0.Add(3*time.Minute)))
}

func TestCountdownRoundsUpPartialSeconds(t *testing.T) {
	c := NewCountdown(t0, 1500*time.Millisecond)
	require.Equal(t, 2*time.Second, c.Remaining(t0))
}

func TestOutsideHiddenStretch(t *testing.T) {
	o := NewOutside(5*time.Minute, 0)
	o.Leave(true, t0)
	require.True(t, o.IsOutside())
	require.True(t, o.Hidden())

	var marks []time.Duration
	for i := 1; i <= 65; i++ {
		rep := o.Tick(t0.Add(time.Duration(i) * time.Second))
		marks = append(marks, rep.Marks...)
		require.False(t, rep.Exceeded)
	}
	require.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, marks)

	stretch, _, ok := o.Return(true, t0.Add(70*time.Second))
	require.True(t, ok)
	require.True(t, stretch.TabHidden)
	require.Equal(t, 70*time.Second, stretch.Duration)
	require.Equal(t, 70*time.Second, o.Accumulated(t0.Add(time.Hour)))
}

func TestOutsideBlurWhileVisible(t *testing.T) {
	o := NewOutside(5*time.Minute, 0)
	o.Leave(false, t0)
	stretch, _, ok := o.Return(false, t0.Add(2*time.Second))
	require.True(t, ok)
	require.False(t, stretch.TabHidden)
	require.Equal(t, 2*time.Second, stretch.Duration)
}

func TestOutsideOverlappingChannels(t *testing.T) {
	o := NewOutside(5*time.Minute, 0)
	o.Leave(false, t0)
	o.Leave(true, t0.Add(time.Second))

	_, _, ok := o.Return(true, t0.Add(3*time.Second))
	require.False(t, ok, "window still blurred")
	require.True(t, o.IsOutside())

	stretch, _, ok := o.Return(false, t0.Add(4*time.Second))
	require.True(t, ok)
	require.True(t, stretch.TabHidden)
	require.Equal(t, 4*time.Second, stretch.Duration)
	require.Equal(t, 4*time.Second, o.Accumulated(t0.Add(time.Minute)))
}

func TestOutsideReturnWithoutLeave(t *testing.T) {
	o := NewOutside(time.Minute, 0)
	_, _, ok := o.Return(true, t0)
	require.False(t, ok)
}

func TestOutsideExceededFiresOnce(t *testing.T) {
	o := NewOutside(300*time.Second, 0)
	o.Leave(true, t0)

	fired := 0
	var firedAt time.Duration
	for i := 1; i <= 301; i++ {
		rep := o.Tick(t0.Add(time.Duration(i) * time.Second))
		if rep.Exceeded {
			fired++
			firedAt = rep.Accumulated
		}
		for _, m := range rep.Marks {
			require.Less(t, m, 300*time.Second)
		}
	}
	require.Equal(t, 1, fired)
	require.Equal(t, 300*time.Second, firedAt)
	require.True(t, o.Exceeded())
}

func TestOutsideExceededOnReturnBetweenTicks(t *testing.T) {
	o := NewOutside(10*time.Second, 0)
	o.Leave(false, t0)
	require.False(t, o.Tick(t0.Add(9900*time.Millisecond)).Exceeded)

	_, rep, ok := o.Return(false, t0.Add(10200*time.Millisecond))
	require.True(t, ok)
	require.True(t, rep.Exceeded)
}

func TestOutsideAccumulatesAcrossStretches(t *testing.T) {
	o := NewOutside(time.Minute, 0)
	o.Leave(true, t0)
	o.Return(true, t0.Add(20*time.Second))
	o.Leave(true, t0.Add(time.Minute))
	rep := o.Tick(t0.Add(time.Minute + 15*time.Second))
	require.Equal(t, []time.Duration{30 * time.Second}, rep.Marks)
	require.Equal(t, 35*time.Second, rep.Accumulated)
}

func TestOutsideSeedAndFloor(t *testing.T) {
	o := NewOutside(time.Minute, 45*time.Second)
	require.Equal(t, 45*time.Second, o.Accumulated(t0))

	o.Floor(10 * time.Second)
	require.Equal(t, 45*time.Second, o.Accumulated(t0), "floor never lowers")

	o.Floor(61 * time.Second)
	rep := o.Tick(t0)
	require.Empty(t, rep.Marks)
	require.True(t, rep.Exceeded)
}

func TestFormatClock(t *testing.T) {
	require.Equal(t, "00:00", FormatClock(-time.Second))
	require.Equal(t, "00:42", FormatClock(42*time.Second))
	require.Equal(t, "59:59", FormatClock(time.Hour-time.Second))
	require.Equal(t, "1:00:05", FormatClock(time.Hour+5*time.Second))
}
