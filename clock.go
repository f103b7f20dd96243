package kemu

import (
	"math"
	"time"
)

const (
	// NoWait is the timeout for operations that must not block.
	NoWait time.Duration = 0

	// Forever is the timeout for operations that block until they complete.
	// Any negative duration is treated as Forever.
	Forever time.Duration = -1
)

// Clock is a monotonic millisecond tick counter, which wraps at 2^32.
type Clock interface {
	Ticks() uint32
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() uint32

// Ticks implements Clock.
func (f ClockFunc) Ticks() uint32 { return f() }

type systemClock struct {
	anchor time.Time
}

// SystemClock returns a Clock derived from the monotonic system time,
// starting at 0 when called.
func SystemClock() Clock {
	return &systemClock{anchor: time.Now()}
}

func (c *systemClock) Ticks() uint32 {
	return uint32(time.Since(c.anchor).Milliseconds())
}

// elapsedMs returns the ticks since start, correct across a single wrap.
func elapsedMs(now, start uint32) uint32 {
	return now - start
}

// reached reports whether deadline is at or before now, using a signed
// difference so deadlines within 2^31 ms either side compare correctly.
func reached(now, deadline uint32) bool {
	return int32(now-deadline) >= 0
}

// remainingMs returns the ticks until deadline, or 0 if it has been reached.
func remainingMs(now, deadline uint32) uint32 {
	if reached(now, deadline) {
		return 0
	}
	return deadline - now
}

// durationToMs converts a timeout to whole milliseconds, rounding up, and
// clamped to the range a signed tick difference can represent.
func durationToMs(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	if d >= time.Duration(math.MaxInt32)*time.Millisecond {
		return math.MaxInt32
	}
	return uint32((d + time.Millisecond - 1) / time.Millisecond)
}

func msToDuration(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
