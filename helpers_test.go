package kemu

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// manualClock is a Clock advanced explicitly by tests.
type manualClock struct {
	now atomic.Uint32
}

func newManualClock(start uint32) *manualClock {
	c := new(manualClock)
	c.now.Store(start)
	return c
}

func (c *manualClock) Ticks() uint32 { return c.now.Load() }

func (c *manualClock) Advance(d time.Duration) {
	c.now.Add(uint32(d / time.Millisecond))
}

func newTestHost(t testing.TB, opts ...HostOption) *Host {
	t.Helper()
	h, err := NewHost(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// newTestScheduler returns an initialised scheduler, deinitialised (before
// the host is closed) on cleanup.
func newTestScheduler(t testing.TB, host *Host, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(host, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	t.Cleanup(s.Deinit)
	return s
}

// newManualScheduler returns a scheduler on a host with a manual clock.
func newManualScheduler(t testing.TB, start uint32, opts ...Option) (*manualClock, *Scheduler) {
	t.Helper()
	clock := newManualClock(start)
	return clock, newTestScheduler(t, newTestHost(t, WithClock(clock)), opts...)
}

var testBackends = []Backend{BackendCooperative, BackendHybrid}

// forEachBackend runs fn as a subtest against every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s *Scheduler)) {
	t.Helper()
	for _, backend := range testBackends {
		t.Run(backend.String(), func(t *testing.T) {
			fn(t, newTestScheduler(t, newTestHost(t), WithBackend(backend)))
		})
	}
}

func mustSemaphore(t testing.TB, s *Scheduler, initial, limit uint32) *Semaphore {
	t.Helper()
	sem := new(Semaphore)
	require.NoError(t, sem.Init(s, initial, limit))
	return sem
}

func mustWork(t testing.TB, s *Scheduler, handler func(*Work)) *Work {
	t.Helper()
	w := new(Work)
	require.NoError(t, w.Init(s, handler))
	return w
}
