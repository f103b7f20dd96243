package kemu

import (
	"fmt"
	"time"
)

// Timer is a one-shot timer, checked by every tick and wait loop. Its
// callback runs on the scheduler context, with Active already false.
type Timer struct {
	sched   *Scheduler
	fn      func(*Timer)
	next    *Timer
	session uint64
	expiry  uint32
	active  bool
}

// Init registers the timer with the current session of s, setting its
// callback. Initialising an already registered timer stops it and replaces
// the callback, without registering it twice.
func (t *Timer) Init(s *Scheduler, fn func(*Timer)) error {
	if s == nil || !s.active.Load() {
		return fmt.Errorf("%w: timer init: scheduler not initialised", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.session.Load()
	t.fn = fn
	t.active = false
	if t.sched == s && t.session == session {
		return nil
	}
	t.sched = s
	t.session = session
	t.next = s.timerHead
	s.timerHead = t
	return nil
}

func (t *Timer) valid() bool {
	return t.sched.current(t.session)
}

// Start arms the timer to fire once, after duration. The period is accepted
// for API compatibility and ignored: timers never re-arm themselves. A
// Forever duration leaves the timer stopped.
func (t *Timer) Start(duration, period time.Duration) error {
	if !t.valid() {
		return fmt.Errorf("%w: timer start: not initialised", ErrInvalidArgument)
	}
	s := t.sched
	s.mu.Lock()
	if duration < 0 {
		t.active = false
	} else {
		t.expiry = s.clock.Ticks() + durationToMs(duration)
		t.active = true
	}
	s.mu.Unlock()
	if duration >= 0 {
		// the periodic tick may be further out than the expiry
		s.host.Wake()
	}
	return nil
}

// Stop disarms the timer, preventing a pending expiry from firing. A
// callback already in progress is unaffected.
func (t *Timer) Stop() {
	if !t.valid() {
		return
	}
	t.sched.mu.Lock()
	t.active = false
	t.sched.mu.Unlock()
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool {
	if !t.valid() {
		return false
	}
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.active
}

// Remaining returns the time until expiry, or 0 if the timer is not armed.
func (t *Timer) Remaining() time.Duration {
	if !t.valid() {
		return 0
	}
	s := t.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.active {
		return 0
	}
	return msToDuration(remainingMs(s.clock.Ticks(), t.expiry))
}

// ProcessTimers fires every armed timer whose expiry has been reached,
// returning the number fired. Each timer is disarmed before its callback
// runs; a timer re-armed by its own callback is not revisited in the same
// pass.
func (s *Scheduler) ProcessTimers() int {
	if !s.active.Load() {
		return 0
	}
	now := s.clock.Ticks()

	s.mu.Lock()
	var due []*Timer
	for t := s.timerHead; t != nil; t = t.next {
		if t.active && reached(now, t.expiry) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	var fired int
	for _, t := range due {
		s.mu.Lock()
		// may have been stopped, or restarted, by an earlier callback
		ok := t.active && t.session == s.session.Load() && reached(now, t.expiry)
		if ok {
			t.active = false
		}
		fn := t.fn
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.invokeTimer(t, fn)
		fired++
	}
	return fired
}
