package kemu

import (
	"fmt"
)

// Work is a deferred handler invocation. A work item is pending from the
// time it is submitted until its handler is about to run, and is queued at
// most once at a time.
type Work struct {
	sched     *Scheduler
	handler   func(*Work)
	queue     *WorkQueue
	next      *Work
	delayable *DelayableWork
	session   uint64
	pending   bool
}

// Init sets the handler, for the current session of s. A work item still
// pending from earlier in the session is cancelled.
func (w *Work) Init(s *Scheduler, handler func(*Work)) error {
	if s == nil || !s.active.Load() {
		return fmt.Errorf("%w: work init: scheduler not initialised", ErrInvalidArgument)
	}
	if w.sched.current(w.session) {
		w.Cancel()
	}
	s.mu.Lock()
	w.sched = s
	w.session = s.session.Load()
	w.handler = handler
	w.queue, w.next, w.pending = nil, nil, false
	s.mu.Unlock()
	return nil
}

func (w *Work) valid() bool {
	return w.sched.current(w.session)
}

// Submit queues the item on the system work queue. It reports false if the
// item was already pending, which is not an error.
func (w *Work) Submit() (bool, error) {
	if !w.valid() {
		return false, fmt.Errorf("%w: work submit: not initialised", ErrInvalidArgument)
	}
	return w.SubmitTo(&w.sched.sysQueue)
}

// SubmitTo queues the item on q, requesting a tick (or waking the worker)
// unless q is the init queue. It reports false if the item was already
// pending, on any queue.
func (w *Work) SubmitTo(q *WorkQueue) (bool, error) {
	if !w.valid() {
		return false, fmt.Errorf("%w: work submit: not initialised", ErrInvalidArgument)
	}
	if q == nil {
		return false, fmt.Errorf("%w: work submit: invalid queue", ErrInvalidArgument)
	}
	s := w.sched
	s.mu.Lock()
	if !q.ownedLocked(s, w.session) {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: work submit: invalid queue", ErrInvalidArgument)
	}
	if w.pending {
		s.mu.Unlock()
		return false, nil
	}
	q.pushLocked(w)
	s.mu.Unlock()
	if q != &s.initQueue {
		s.ScheduleNow()
	}
	return true, nil
}

// Cancel removes the item from its queue, reporting whether it was pending.
// A handler already running is unaffected.
func (w *Work) Cancel() bool {
	if !w.valid() {
		return false
	}
	s := w.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if !w.pending {
		return false
	}
	w.queue.unlinkLocked(w)
	return true
}

// IsPending reports whether the item is queued.
func (w *Work) IsPending() bool {
	if !w.valid() {
		return false
	}
	w.sched.mu.Lock()
	defer w.sched.mu.Unlock()
	return w.pending
}

// WorkQueue is a FIFO of pending work items. Queues initialised with Init
// are drained by every tick, after the system queue.
type WorkQueue struct {
	sched   *Scheduler
	head    *Work
	tail    *Work
	next    *WorkQueue
	name    string
	session uint64
	n       int
}

// Init initialises the queue for the current session of s, registering it
// to be drained by the tick driver. Items pending on the queue from earlier
// in the session are released.
func (q *WorkQueue) Init(s *Scheduler, name string) error {
	if s == nil || !s.active.Load() {
		return fmt.Errorf("%w: work queue init: scheduler not initialised", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.session.Load()
	if q.sched == s && q.session == session {
		for w := q.head; w != nil; {
			next := w.next
			w.next, w.queue, w.pending = nil, nil, false
			w = next
		}
		q.head, q.tail, q.n = nil, nil, 0
		q.name = name
		return nil
	}
	*q = WorkQueue{sched: s, session: session, name: name}
	s.registerQueueLocked(q)
	return nil
}

// registerQueueLocked appends q to the list of queues drained by ticks.
func (s *Scheduler) registerQueueLocked(q *WorkQueue) {
	q.next = nil
	if s.queueHead == nil {
		s.queueHead = q
		return
	}
	last := s.queueHead
	for last.next != nil {
		last = last.next
	}
	last.next = q
}

// ownedLocked reports whether q belongs to the given live session of s.
func (q *WorkQueue) ownedLocked(s *Scheduler, session uint64) bool {
	return q.sched == s && q.session == session && s.current(session)
}

func (q *WorkQueue) valid() bool {
	return q.sched.current(q.session)
}

// Name returns the queue's name.
func (q *WorkQueue) Name() string { return q.name }

// Len returns the number of pending items.
func (q *WorkQueue) Len() int {
	if !q.valid() {
		return 0
	}
	q.sched.mu.Lock()
	defer q.sched.mu.Unlock()
	return q.n
}

func (q *WorkQueue) pushLocked(w *Work) {
	w.next = nil
	w.queue = q
	w.pending = true
	if q.tail == nil {
		q.head, q.tail = w, w
	} else {
		q.tail.next = w
		q.tail = w
	}
	q.n++
}

func (q *WorkQueue) unlinkLocked(w *Work) {
	var prev *Work
	for cur := q.head; cur != nil; prev, cur = cur, cur.next {
		if cur != w {
			continue
		}
		if prev == nil {
			q.head = cur.next
		} else {
			prev.next = cur.next
		}
		if q.tail == cur {
			q.tail = prev
		}
		q.n--
		break
	}
	w.next, w.queue, w.pending = nil, nil, false
}

// pop dequeues the head item, clearing its pending state.
func (q *WorkQueue) pop() *Work {
	if !q.valid() {
		return nil
	}
	s := q.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	w := q.head
	if w == nil {
		return nil
	}
	q.head = w.next
	if q.head == nil {
		q.tail = nil
	}
	q.n--
	w.next, w.queue, w.pending = nil, nil, false
	return w
}

// Drain runs the pending items in order, returning the number run. Each
// item is dequeued, and so no longer pending, before its handler runs. If a
// handler re-submits its own item, the pass ends there, leaving it (and
// anything behind it) for the next drain.
func (q *WorkQueue) Drain() int {
	if !q.valid() {
		return 0
	}
	return q.sched.drainNested(q.drain)
}

func (q *WorkQueue) drain() int {
	var n int
	for {
		w := q.pop()
		if w == nil {
			break
		}
		q.sched.runWork(w)
		n++
		if w.IsPending() {
			break
		}
	}
	return n
}
