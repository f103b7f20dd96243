package kemu

import (
	"fmt"
	"time"
)

// waitLogEvery is how many wait iterations pass between diagnostics.
const waitLogEvery = 100

type waitResult int

const (
	waitPending waitResult = iota
	waitReady
	waitTimedOut
)

// waiter is the poll/resume state machine behind every blocking operation.
// It is driven either in place, by wait, or as a suspended task resumed by
// each tick.
type waiter struct {
	s        *Scheduler
	category any
	// try attempts to acquire the resource, returning true on success
	try func() bool
	// tokens, if set, yields the resource directly (receiving acquires it)
	tokens <-chan struct{}
	// signal, if set, is a wake hint sent when the resource may be available
	signal     <-chan struct{}
	kind       string
	iterations int
	start      uint32
	timeoutMs  uint32
	forever    bool
}

func (s *Scheduler) newWaiter(kind string, category any, timeout time.Duration, try func() bool) *waiter {
	return &waiter{
		s:         s,
		kind:      kind,
		category:  category,
		try:       try,
		start:     s.clock.Ticks(),
		timeoutMs: durationToMs(timeout),
		forever:   timeout < 0,
	}
}

func (w *waiter) poll() waitResult {
	if w.try() {
		return waitReady
	}
	if !w.forever && elapsedMs(w.s.clock.Ticks(), w.start) >= w.timeoutMs {
		return waitTimedOut
	}
	return waitPending
}

// remaining returns the time left before the deadline, or Forever.
func (w *waiter) remaining() time.Duration {
	if w.forever {
		return Forever
	}
	elapsed := elapsedMs(w.s.clock.Ticks(), w.start)
	if elapsed >= w.timeoutMs {
		return 0
	}
	return msToDuration(w.timeoutMs - elapsed)
}

// blockingAllowed reports whether the caller may block its goroutine
// outright, which is only the case once the worker is running (and the
// caller is not the worker, which must keep servicing the transport).
func (s *Scheduler) blockingAllowed() bool {
	w := s.worker.Load()
	return w != nil && !w.isCurrent()
}

// wait drives w to completion. Each iteration services the transport,
// advances the tick driver (bounded by the nesting limit), re-checks the
// condition and deadline, then yields once.
func (s *Scheduler) wait(w *waiter) error {
	s.stats.waits.Add(1)
	depth := s.waitDepth.Add(1)
	defer s.waitDepth.Add(-1)
	s.stats.observeWaitDepth(depth)

	if s.blockingAllowed() {
		return s.waitBlocking(w)
	}

	for {
		if !s.active.Load() {
			return fmt.Errorf("%w: scheduler deinitialised during %s wait", ErrInvalidArgument, w.kind)
		}
		s.serviceTransport()
		s.advance()
		switch w.poll() {
		case waitReady:
			return nil
		case waitTimedOut:
			s.stats.waitTimeouts.Add(1)
			return ErrTimedOut
		}
		w.iterations++
		if w.iterations%waitLogEvery == 0 {
			s.logWaiting(w)
		}
		if s.yield(w) {
			return nil
		}
	}
}

// yield gives up the caller's slice of time, bounded by the poll interval,
// returning true if the resource was acquired while parked.
func (s *Scheduler) yield(w *waiter) bool {
	d := w.remaining()
	if s.opts.backend == BackendCooperative {
		if d < 0 || d > s.opts.pollInterval {
			d = s.opts.pollInterval
		}
		s.host.WaitEvent(d)
		return false
	}
	if d < 0 || d > s.opts.hybridPollInterval {
		d = s.opts.hybridPollInterval
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.tokens:
		return true
	case <-w.signal:
	case <-t.C:
	}
	return false
}

// waitBlocking blocks the calling goroutine until w is satisfied, its
// deadline passes, or the session ends.
func (s *Scheduler) waitBlocking(w *waiter) error {
	done := s.doneChan()
	var timeout <-chan time.Time
	if !w.forever {
		t := time.NewTimer(w.remaining())
		defer t.Stop()
		timeout = t.C
	}
	for {
		if w.try() {
			return nil
		}
		select {
		case <-w.tokens:
			return nil
		case <-w.signal:
		case <-timeout:
			if w.try() {
				return nil
			}
			s.stats.waitTimeouts.Add(1)
			return ErrTimedOut
		case <-done:
			return fmt.Errorf("%w: scheduler deinitialised during %s wait", ErrInvalidArgument, w.kind)
		}
	}
}

// suspension is a wait parked on the scheduler, resumed by the tick driver.
type suspension struct {
	w      *waiter
	resume func(error)
}

// suspend registers w to be polled by every tick until it completes, at
// which point resume is called exactly once, on the scheduler context.
func (s *Scheduler) suspend(w *waiter, resume func(error)) {
	s.stats.waits.Add(1)
	s.mu.Lock()
	s.suspended = append(s.suspended, &suspension{w: w, resume: resume})
	s.mu.Unlock()
	s.suspendedCount.Add(1)
}

// resumeSuspended polls every suspended wait, in registration order.
func (s *Scheduler) resumeSuspended() {
	if s.suspendedCount.Load() == 0 {
		return
	}
	s.mu.Lock()
	list := s.suspended
	s.suspended = nil
	s.mu.Unlock()

	var keep []*suspension
	for _, sp := range list {
		var err error
		switch sp.w.poll() {
		case waitPending:
			keep = append(keep, sp)
			continue
		case waitTimedOut:
			s.stats.waitTimeouts.Add(1)
			err = ErrTimedOut
		}
		s.suspendedCount.Add(-1)
		s.resumeSafe(sp.resume, err)
		if !s.active.Load() {
			return
		}
	}

	s.mu.Lock()
	s.suspended = append(keep, s.suspended...)
	s.mu.Unlock()
}

func (s *Scheduler) resumeSafe(resume func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logPanic("resume", r)
		}
	}()
	resume(err)
}
