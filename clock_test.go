package kemu

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationToMs(t *testing.T) {
	for _, tc := range [...]struct {
		in   time.Duration
		want uint32
	}{
		{NoWait, 0},
		{Forever, 0},
		{time.Microsecond, 1},
		{time.Millisecond, 1},
		{time.Millisecond + 1, 2},
		{1500 * time.Microsecond, 2},
		{time.Second, 1000},
		{time.Duration(math.MaxInt32) * time.Millisecond, math.MaxInt32},
		{time.Duration(math.MaxInt32)*time.Millisecond - 1, math.MaxInt32},
		{time.Duration(math.MaxInt64) - time.Millisecond + 2, math.MaxInt32},
		{time.Duration(math.MaxInt64), math.MaxInt32},
	} {
		assert.Equal(t, tc.want, durationToMs(tc.in), tc.in.String())
	}
}

func TestReached(t *testing.T) {
	assert.True(t, reached(10, 10))
	assert.True(t, reached(11, 10))
	assert.False(t, reached(9, 10))

	// across the wrap
	assert.False(t, reached(0xFFFFFFF0, 0x10))
	assert.True(t, reached(0x10, 0xFFFFFFF0))
	assert.True(t, reached(0x10, 0x10))

	assert.Equal(t, uint32(0x20), elapsedMs(0x10, 0xFFFFFFF0))
	assert.Equal(t, uint32(0x20), remainingMs(0xFFFFFFF0, 0x10))
	assert.Zero(t, remainingMs(0x11, 0x10))
}

func TestSystemClock(t *testing.T) {
	c := SystemClock()
	a := c.Ticks()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, elapsedMs(c.Ticks(), a), uint32(4))

	f := ClockFunc(func() uint32 { return 7 })
	assert.Equal(t, uint32(7), f.Ticks())
}
