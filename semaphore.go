package kemu

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Semaphore is a counting semaphore with a fixed limit. Give saturates at
// the limit; Take blocks, cooperatively or otherwise depending on the
// scheduler backend, until a count is available or the timeout expires.
type Semaphore struct {
	sched   *Scheduler
	impl    semaphoreBackend
	session uint64
}

// semaphoreBackend is the count storage. Every method is safe to call from
// any goroutine.
type semaphoreBackend interface {
	tryTake() bool
	give() bool
	count() uint32
	limit() uint32
	reset()
	// tokens returns a channel that yields a count on receive, or nil
	tokens() <-chan struct{}
}

// countingSemaphore is the cooperative backend: a bare atomic counter.
type countingSemaphore struct {
	n   atomic.Uint32
	max uint32
}

func (x *countingSemaphore) tryTake() bool {
	for {
		n := x.n.Load()
		if n == 0 {
			return false
		}
		if x.n.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (x *countingSemaphore) give() bool {
	for {
		n := x.n.Load()
		if n >= x.max {
			return false
		}
		if x.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (x *countingSemaphore) count() uint32          { return x.n.Load() }
func (x *countingSemaphore) limit() uint32          { return x.max }
func (x *countingSemaphore) reset()                 { x.n.Store(0) }
func (x *countingSemaphore) tokens() <-chan struct{} { return nil }

// channelSemaphore is the hybrid backend: each buffered value is one count,
// so a goroutine may block on the channel itself.
type channelSemaphore struct {
	ch chan struct{}
}

func (x *channelSemaphore) tryTake() bool {
	select {
	case <-x.ch:
		return true
	default:
		return false
	}
}

func (x *channelSemaphore) give() bool {
	select {
	case x.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (x *channelSemaphore) count() uint32 { return uint32(len(x.ch)) }
func (x *channelSemaphore) limit() uint32 { return uint32(cap(x.ch)) }

func (x *channelSemaphore) reset() {
	// bounded, in case of concurrent gives
	for i := 0; i <= cap(x.ch); i++ {
		select {
		case <-x.ch:
		default:
			return
		}
	}
}

func (x *channelSemaphore) tokens() <-chan struct{} { return x.ch }

// Init initialises the semaphore with the given count and limit, for the
// current session of s. The limit must be at least 1, and initial may not
// exceed it.
func (x *Semaphore) Init(s *Scheduler, initial, limit uint32) error {
	if s == nil || !s.active.Load() {
		return fmt.Errorf("%w: semaphore init: scheduler not initialised", ErrInvalidArgument)
	}
	if limit == 0 || initial > limit {
		return fmt.Errorf("%w: semaphore init: initial %d limit %d", ErrInvalidArgument, initial, limit)
	}
	switch s.opts.backend {
	case BackendHybrid:
		b := &channelSemaphore{ch: make(chan struct{}, limit)}
		for range initial {
			b.ch <- struct{}{}
		}
		x.impl = b
	default:
		b := &countingSemaphore{max: limit}
		b.n.Store(initial)
		x.impl = b
	}
	x.sched = s
	x.session = s.session.Load()
	return nil
}

func (x *Semaphore) valid() bool {
	return x.impl != nil && x.sched.current(x.session)
}

// Take decrements the count, waiting up to timeout for it to become
// non-zero. A NoWait timeout never waits, returning ErrWouldBlock if the
// count is zero; otherwise ErrTimedOut is returned when the timeout expires.
// Waiting services the transport and advances the scheduler, so the work
// that will eventually Give may run during the wait.
func (x *Semaphore) Take(timeout time.Duration) error {
	if !x.valid() {
		return fmt.Errorf("%w: semaphore take: not initialised", ErrInvalidArgument)
	}
	if x.impl.tryTake() {
		return nil
	}
	if timeout == NoWait {
		return ErrWouldBlock
	}
	w := x.sched.newWaiter("semaphore", x, timeout, x.impl.tryTake)
	w.tokens = x.impl.tokens()
	return x.sched.wait(w)
}

// TakeAsync is the non-blocking form of Take: fn is called exactly once,
// with the result Take would have returned. If the count is available, or
// timeout is NoWait, fn is called before TakeAsync returns; otherwise it is
// called from a later tick.
func (x *Semaphore) TakeAsync(timeout time.Duration, fn func(error)) {
	if !x.valid() {
		fn(fmt.Errorf("%w: semaphore take: not initialised", ErrInvalidArgument))
		return
	}
	if x.impl.tryTake() {
		fn(nil)
		return
	}
	if timeout == NoWait {
		fn(ErrWouldBlock)
		return
	}
	x.sched.suspend(x.sched.newWaiter("semaphore", x, timeout, x.impl.tryTake), fn)
}

// Give increments the count, unless it is already at the limit. Gives on
// an uninitialised or stale semaphore are ignored. The increment happens
// inside the scheduler critical section, so it cannot interleave with
// Deinit.
func (x *Semaphore) Give() {
	if x.impl == nil || x.sched == nil {
		return
	}
	s := x.sched
	s.mu.Lock()
	gave := s.current(x.session) && x.impl.give()
	s.mu.Unlock()
	if gave {
		s.notify(nil)
	}
}

// GiveFromISR is the interrupt safe form of Give. It never takes the
// scheduler critical section, and may be called from any goroutine while
// the scheduler context is running.
func (x *Semaphore) GiveFromISR() {
	if x.impl == nil || !x.sched.active.Load() || x.sched.session.Load() != x.session {
		return
	}
	if x.impl.give() {
		x.sched.host.Wake()
		if x.sched.suspendedCount.Load() > 0 {
			x.sched.ScheduleNow()
		}
	}
}

// Count returns the current count, or 0 if uninitialised.
func (x *Semaphore) Count() uint32 {
	if x.impl == nil {
		return 0
	}
	return x.impl.count()
}

// Limit returns the maximum count, or 0 if uninitialised.
func (x *Semaphore) Limit() uint32 {
	if x.impl == nil {
		return 0
	}
	return x.impl.limit()
}

// Reset sets the count to zero.
func (x *Semaphore) Reset() {
	if x.valid() {
		x.impl.reset()
	}
}
