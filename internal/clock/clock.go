// Package clock implements the clock object (component D):
// tick/nanosecond/timespec conversions and an adjustable calendar offset
// layered over a monotonic reading.
package clock

import (
	"sync"
	"time"

	copperrors "github.com/coppercore/copperplate/internal/errors"
)

// Clock converts between ticks (monotonic nanoseconds divided by a fixed
// resolution) and timespecs, and maintains a calendar offset so readers
// can recover wall-clock time without losing monotonicity guarantees on
// the tick stream itself.
type Clock struct {
	mu           sync.Mutex
	startMono    time.Time
	resolutionNs int64
	freq         int64
	offset       time.Duration
}

// New creates a clock ticking at resolutionNs nanoseconds per tick. A
// resolutionNs of 1 gives a one-to-one tick/nanosecond clock; 1e9/freq
// for a clock intended to tick at freq Hz.
func New(resolutionNs int64) *Clock {
	if resolutionNs <= 0 {
		resolutionNs = 1
	}
	return &Clock{
		startMono:    time.Now(),
		resolutionNs: resolutionNs,
		freq:         int64(time.Second) / resolutionNs,
	}
}

// ResolutionNs reports the clock's tick granularity.
func (c *Clock) ResolutionNs() int64 { return c.resolutionNs }

// Frequency reports ticks per second.
func (c *Clock) Frequency() int64 { return c.freq }

// Ticks returns the current monotonic tick count since the clock was
// created.
func (c *Clock) Ticks() int64 {
	return time.Since(c.startMono).Nanoseconds() / c.resolutionNs
}

// TicksToTimespec converts a tick count to a (sec, nsec) pair, per the
// classical sec = ticks/freq; nsec = (ticks - sec*freq) * resolutionNs
// decomposition.
func (c *Clock) TicksToTimespec(ticks int64) (sec int64, nsec int64) {
	sec = ticks / c.freq
	nsec = (ticks - sec*c.freq) * c.resolutionNs
	return sec, nsec
}

// TimespecToTicks is the inverse of TicksToTimespec.
func (c *Clock) TimespecToTicks(sec, nsec int64) int64 {
	totalNs := sec*int64(time.Second) + nsec
	return totalNs / c.resolutionNs
}

// AbsoluteDeadline converts a relative duration to an absolute tick
// deadline by adding it to the current tick reading — the
// ticks-to-timeout conversion threads use to arm a wait.
func (c *Clock) AbsoluteDeadline(rel time.Duration) int64 {
	return c.Ticks() + rel.Nanoseconds()/c.resolutionNs
}

// SetDate recomputes the calendar offset so that Now() reports t at the
// instant of the call. Held under the clock's lock so concurrent readers
// never observe a torn offset.
func (c *Clock) SetDate(t time.Time) error {
	if t.IsZero() {
		return copperrors.New("clock.setdate", copperrors.InvalidHandle, "zero time")
	}
	c.mu.Lock()
	c.offset = t.Sub(time.Now())
	c.mu.Unlock()
	return nil
}

// Now composes the monotonic reading with the calendar offset to produce
// wall-clock time. Calendar arithmetic (leap years, month/day boundaries)
// is delegated to the standard library's time.Time, which already
// implements the proleptic Gregorian calendar anchored at the Unix
// epoch exactly.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	off := c.offset
	c.mu.Unlock()
	return time.Now().Add(off)
}
