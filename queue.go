package kemu

import (
	"fmt"
	"time"
)

// QueueNode links a value into a Queue. A node may be linked into at most
// one queue at a time; its Value is never copied or retained by the queue
// beyond the node itself.
type QueueNode[T any] struct {
	Value   T
	next    *QueueNode[T]
	owner   *Queue[T]
	session uint64
}

// NewQueueNode returns an unlinked node holding v.
func NewQueueNode[T any](v T) *QueueNode[T] {
	return &QueueNode[T]{Value: v}
}

// Queue is a singly linked queue of caller-owned nodes, supporting both
// append (FIFO) and prepend (LIFO) insertion, and a blocking Get.
type Queue[T any] struct {
	sched   *Scheduler
	head    *QueueNode[T]
	tail    *QueueNode[T]
	signal  chan struct{}
	session uint64
	n       int
}

// Fifo is a first-in first-out queue.
type Fifo[T any] struct {
	Queue[T]
}

// Put appends n.
func (x *Fifo[T]) Put(n *QueueNode[T]) error { return x.Append(n) }

// Lifo is a last-in first-out queue.
type Lifo[T any] struct {
	Queue[T]
}

// Put prepends n.
func (x *Lifo[T]) Put(n *QueueNode[T]) error { return x.Prepend(n) }

// Init initialises an empty queue for the current session of s. Nodes
// linked into the queue earlier in the same session are released.
func (x *Queue[T]) Init(s *Scheduler) error {
	if s == nil || !s.active.Load() {
		return fmt.Errorf("%w: queue init: scheduler not initialised", ErrInvalidArgument)
	}
	s.mu.Lock()
	if x.sched == s && x.session == s.session.Load() {
		for n := x.head; n != nil; {
			next := n.next
			n.next, n.owner = nil, nil
			n = next
		}
	}
	x.sched = s
	x.session = s.session.Load()
	x.head, x.tail, x.n = nil, nil, 0
	x.signal = make(chan struct{}, 1)
	s.mu.Unlock()
	return nil
}

func (x *Queue[T]) valid() bool {
	return x.sched.current(x.session)
}

// linkable reports whether n may be linked (caller holds the critical
// section). Links made in an earlier session are void.
func (x *Queue[T]) linkable(n *QueueNode[T]) bool {
	return n.owner == nil || n.session != x.session
}

// Append links n at the tail.
func (x *Queue[T]) Append(n *QueueNode[T]) error {
	return x.insert(n, false)
}

// Prepend links n at the head.
func (x *Queue[T]) Prepend(n *QueueNode[T]) error {
	return x.insert(n, true)
}

func (x *Queue[T]) insert(n *QueueNode[T], front bool) error {
	if !x.valid() {
		return fmt.Errorf("%w: queue insert: not initialised", ErrInvalidArgument)
	}
	if n == nil {
		return fmt.Errorf("%w: queue insert: nil node", ErrInvalidArgument)
	}
	s := x.sched
	s.mu.Lock()
	if !x.linkable(n) {
		s.mu.Unlock()
		return fmt.Errorf("%w: queue insert: node already linked", ErrInvalidArgument)
	}
	n.owner = x
	n.session = x.session
	switch {
	case x.head == nil:
		n.next = nil
		x.head, x.tail = n, n
	case front:
		n.next = x.head
		x.head = n
	default:
		n.next = nil
		x.tail.next = n
		x.tail = n
	}
	x.n++
	s.mu.Unlock()
	s.notify(x.signal)
	return nil
}

// pop unlinks the head, re-arming the signal if more nodes remain, so
// another parked getter is not left asleep.
func (x *Queue[T]) pop() *QueueNode[T] {
	s := x.sched
	s.mu.Lock()
	n := x.head
	if n == nil {
		s.mu.Unlock()
		return nil
	}
	x.head = n.next
	if x.head == nil {
		x.tail = nil
	}
	x.n--
	more := x.n > 0
	n.next, n.owner = nil, nil
	s.mu.Unlock()
	if more {
		select {
		case x.signal <- struct{}{}:
		default:
		}
	}
	return n
}

// Get unlinks and returns the head node, waiting up to timeout for one to
// be inserted. A NoWait timeout returns ErrWouldBlock if the queue is empty;
// otherwise ErrTimedOut is returned when the timeout expires.
func (x *Queue[T]) Get(timeout time.Duration) (*QueueNode[T], error) {
	if !x.valid() {
		return nil, fmt.Errorf("%w: queue get: not initialised", ErrInvalidArgument)
	}
	if n := x.pop(); n != nil {
		return n, nil
	}
	if timeout == NoWait {
		return nil, ErrWouldBlock
	}
	var got *QueueNode[T]
	w := x.sched.newWaiter("queue", x, timeout, func() bool {
		got = x.pop()
		return got != nil
	})
	w.signal = x.signal
	if err := x.sched.wait(w); err != nil {
		return nil, err
	}
	return got, nil
}

// GetAsync is the non-blocking form of Get: fn is called exactly once, with
// the result Get would have returned, immediately when a node is available
// or timeout is NoWait, otherwise from a later tick.
func (x *Queue[T]) GetAsync(timeout time.Duration, fn func(*QueueNode[T], error)) {
	if !x.valid() {
		fn(nil, fmt.Errorf("%w: queue get: not initialised", ErrInvalidArgument))
		return
	}
	if n := x.pop(); n != nil {
		fn(n, nil)
		return
	}
	if timeout == NoWait {
		fn(nil, ErrWouldBlock)
		return
	}
	var got *QueueNode[T]
	w := x.sched.newWaiter("queue", x, timeout, func() bool {
		got = x.pop()
		return got != nil
	})
	x.sched.suspend(w, func(err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		fn(got, nil)
	})
}

// IsEmpty reports whether the queue has no nodes.
func (x *Queue[T]) IsEmpty() bool {
	return x.Len() == 0
}

// Len returns the number of linked nodes.
func (x *Queue[T]) Len() int {
	if !x.valid() {
		return 0
	}
	x.sched.mu.Lock()
	defer x.sched.mu.Unlock()
	return x.n
}

// PeekHead returns the head node without unlinking it, or nil.
func (x *Queue[T]) PeekHead() *QueueNode[T] {
	if !x.valid() {
		return nil
	}
	x.sched.mu.Lock()
	defer x.sched.mu.Unlock()
	return x.head
}

// PeekTail returns the tail node without unlinking it, or nil.
func (x *Queue[T]) PeekTail() *QueueNode[T] {
	if !x.valid() {
		return nil
	}
	x.sched.mu.Lock()
	defer x.sched.mu.Unlock()
	return x.tail
}
