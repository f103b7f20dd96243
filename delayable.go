package kemu

import (
	"fmt"
	"time"
)

// DelayableWork is a work item submitted by the expiry of its own timer.
// At most one of {timer armed, work pending} holds at any time.
type DelayableWork struct {
	Work
	timer  Timer
	target *WorkQueue
}

// DelayableFromWork returns the DelayableWork containing w, or nil if w is
// a plain work item.
func DelayableFromWork(w *Work) *DelayableWork {
	if w == nil {
		return nil
	}
	return w.delayable
}

// Init sets the handler, for the current session of s. The handler receives
// the embedded Work; see DelayableFromWork.
func (d *DelayableWork) Init(s *Scheduler, handler func(*Work)) error {
	if err := d.Work.Init(s, handler); err != nil {
		return err
	}
	d.Work.delayable = d
	d.target = nil
	return d.timer.Init(s, d.expire)
}

func (d *DelayableWork) expire(*Timer) {
	q := d.target
	if q == nil {
		q = &d.sched.sysQueue
	}
	if _, err := d.Work.SubmitTo(q); err != nil {
		d.sched.logger.Warning().
			Err(err).
			Str("queue", q.Name()).
			Log("kemu: delayed work submit failed")
	}
}

// Schedule submits the work to the system queue after delay. It is a no-op,
// reporting false, if the work is already scheduled or pending. A NoWait
// delay submits immediately; a Forever delay does nothing.
func (d *DelayableWork) Schedule(delay time.Duration) (bool, error) {
	if !d.Work.valid() {
		return false, fmt.Errorf("%w: delayable schedule: not initialised", ErrInvalidArgument)
	}
	return d.ScheduleFor(&d.sched.sysQueue, delay)
}

// ScheduleFor is Schedule for an arbitrary queue.
func (d *DelayableWork) ScheduleFor(q *WorkQueue, delay time.Duration) (bool, error) {
	if !d.Work.valid() {
		return false, fmt.Errorf("%w: delayable schedule: not initialised", ErrInvalidArgument)
	}
	if d.timer.Active() || d.Work.IsPending() {
		return false, nil
	}
	return d.arm(q, delay)
}

// Reschedule cancels any armed timer or pending submission, then schedules
// the work to the system queue after delay.
func (d *DelayableWork) Reschedule(delay time.Duration) (bool, error) {
	if !d.Work.valid() {
		return false, fmt.Errorf("%w: delayable reschedule: not initialised", ErrInvalidArgument)
	}
	return d.RescheduleFor(&d.sched.sysQueue, delay)
}

// RescheduleFor is Reschedule for an arbitrary queue.
func (d *DelayableWork) RescheduleFor(q *WorkQueue, delay time.Duration) (bool, error) {
	if !d.Work.valid() {
		return false, fmt.Errorf("%w: delayable reschedule: not initialised", ErrInvalidArgument)
	}
	d.timer.Stop()
	d.Work.Cancel()
	return d.arm(q, delay)
}

func (d *DelayableWork) arm(q *WorkQueue, delay time.Duration) (bool, error) {
	if q == nil {
		return false, fmt.Errorf("%w: delayable schedule: invalid queue", ErrInvalidArgument)
	}
	d.sched.mu.Lock()
	owned := q.ownedLocked(d.sched, d.session)
	d.sched.mu.Unlock()
	if !owned {
		return false, fmt.Errorf("%w: delayable schedule: invalid queue", ErrInvalidArgument)
	}
	switch {
	case delay < 0:
		return false, nil
	case delay == NoWait:
		return d.Work.SubmitTo(q)
	}
	d.target = q
	if err := d.timer.Start(delay, 0); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel disarms the timer and removes any pending submission, reporting
// whether either was outstanding. A handler already running is unaffected.
func (d *DelayableWork) Cancel() bool {
	armed := d.timer.Active()
	d.timer.Stop()
	pending := d.Work.Cancel()
	return armed || pending
}

// IsPending reports whether the timer is armed or the work is queued.
func (d *DelayableWork) IsPending() bool {
	return d.timer.Active() || d.Work.IsPending()
}

// Remaining returns the time until the timer fires, or 0 if not armed.
func (d *DelayableWork) Remaining() time.Duration {
	return d.timer.Remaining()
}
