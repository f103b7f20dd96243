package kemu

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// waker is the platform blocking primitive behind Host.WaitEvent.
type waker interface {
	wake()
	// wait blocks until wake is called or d elapses. A negative d waits
	// indefinitely.
	wait(d time.Duration)
	close() error
}

// Node is a deferred callback, which may be scheduled on a Host from any
// goroutine, including signal or interrupt style contexts. A node is queued
// at most once at a time, and is skipped if its callback is nil when the
// host gets to it.
type Node struct {
	callback atomic.Pointer[func(*Node)]
	queued   bool // guarded by Host.mu
}

// NewNode returns a node with the given callback.
func NewNode(callback func(*Node)) *Node {
	n := new(Node)
	n.SetCallback(callback)
	return n
}

// SetCallback replaces the callback. A nil callback disarms the node.
func (n *Node) SetCallback(callback func(*Node)) {
	if callback == nil {
		n.callback.Store(nil)
		return
	}
	n.callback.Store(&callback)
}

// Clear disarms the node; a pending run becomes a no-op.
func (n *Node) Clear() { n.callback.Store(nil) }

// SoftTimer is a one-shot host timer. The zero value is ready to use.
type SoftTimer struct {
	callback func(*SoftTimer)
	when     uint32
	index    int // 1-based heap position, 0 when not scheduled
}

// NewSoftTimer returns a soft timer with the given callback.
func NewSoftTimer(callback func(*SoftTimer)) *SoftTimer {
	return &SoftTimer{callback: callback}
}

// softTimerHeap is a min-heap of soft timers, ordered by wrapping deadline.
type softTimerHeap []*SoftTimer

func (h softTimerHeap) Len() int           { return len(h) }
func (h softTimerHeap) Less(i, j int) bool { return int32(h[i].when-h[j].when) < 0 }
func (h softTimerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i + 1
	h[j].index = j + 1
}

func (h *softTimerHeap) Push(x any) {
	t := x.(*SoftTimer)
	t.index = len(*h) + 1
	*h = append(*h, t)
}

func (h *softTimerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	x.index = 0
	*h = old[:n-1]
	return x
}

// Host models the embedding environment: a single owning goroutine that
// waits for events, runs deferred nodes, and fires soft timers.
//
// Schedule, AddTimer, RemoveTimer, Wake and Close are safe to call from any
// goroutine. Dispatch, WaitEvent and Run must only be called by the goroutine
// that owns the host.
type Host struct {
	_       [0]func() // not comparable
	clock   Clock
	logger  *logiface.Logger[logiface.Event]
	waker   waker
	pending []*Node
	timers  softTimerHeap
	mu      sync.Mutex
	closed  atomic.Bool
	// loopDriven is set when dispatching runs as event loop tasks
	loopDriven bool
}

// NewHost creates a Host.
func NewHost(opts ...HostOption) (*Host, error) {
	cfg, err := resolveHostOptions(opts)
	if err != nil {
		return nil, err
	}
	w, err := newWaker()
	if err != nil {
		return nil, err
	}
	h := &Host{
		clock:  cfg.clock,
		logger: cfg.logger,
		waker:  w,
	}
	if cfg.loop != nil {
		h.waker = &loopWaker{inner: w, loop: cfg.loop, host: h}
		h.loopDriven = true
	}
	return h, nil
}

// Clock returns the host tick source.
func (h *Host) Clock() Clock { return h.clock }

// Ticks returns the current tick count, in milliseconds.
func (h *Host) Ticks() uint32 { return h.clock.Ticks() }

// Schedule queues n to run on the owning goroutine. It returns false if n
// was already queued, or the host is closed.
func (h *Host) Schedule(n *Node) bool {
	if h.closed.Load() {
		return false
	}
	h.mu.Lock()
	if n.queued {
		h.mu.Unlock()
		return false
	}
	n.queued = true
	h.pending = append(h.pending, n)
	h.mu.Unlock()
	h.waker.wake()
	return true
}

// AddTimer (re)arms t to fire once, after d.
func (h *Host) AddTimer(t *SoftTimer, d time.Duration) {
	if h.closed.Load() {
		return
	}
	when := h.clock.Ticks() + durationToMs(d)
	h.mu.Lock()
	if t.index != 0 {
		t.when = when
		heap.Fix(&h.timers, t.index-1)
	} else {
		t.when = when
		heap.Push(&h.timers, t)
	}
	h.mu.Unlock()
	h.waker.wake()
}

// RemoveTimer disarms t, returning true if it was armed.
func (h *Host) RemoveTimer(t *SoftTimer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.index == 0 {
		return false
	}
	heap.Remove(&h.timers, t.index-1)
	return true
}

// Dispatch fires every due soft timer then runs every queued node, once,
// returning the number of callbacks run.
func (h *Host) Dispatch() int {
	var count int
	now := h.clock.Ticks()
	for {
		h.mu.Lock()
		if len(h.timers) == 0 || !reached(now, h.timers[0].when) {
			h.mu.Unlock()
			break
		}
		t := heap.Pop(&h.timers).(*SoftTimer)
		h.mu.Unlock()
		if t.callback != nil {
			h.safeCall(func() { t.callback(t) })
			count++
		}
	}

	h.mu.Lock()
	nodes := h.pending
	h.pending = nil
	for _, n := range nodes {
		n.queued = false
	}
	h.mu.Unlock()

	for _, n := range nodes {
		if fn := n.callback.Load(); fn != nil {
			h.safeCall(func() { (*fn)(n) })
			count++
		}
	}

	return count
}

// WaitEvent is the host's event wait. It dispatches anything due, and if
// nothing ran, blocks until woken, the next soft timer is due, or timeout
// elapses, then dispatches again. A timeout of NoWait never blocks, and a
// negative timeout (Forever) is bounded only by soft timers and wakes.
func (h *Host) WaitEvent(timeout time.Duration) int {
	if h.closed.Load() {
		return 0
	}
	if n := h.Dispatch(); n > 0 || timeout == 0 {
		return n
	}
	d := timeout
	if d < 0 {
		d = -1
	}
	if next, ok := h.nextTimer(); ok && (d < 0 || next < d) {
		d = next
	}
	h.waker.wait(d)
	return h.Dispatch()
}

// nextTimer returns the time until the earliest soft timer is due.
func (h *Host) nextTimer() (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.timers) == 0 {
		return 0, false
	}
	return msToDuration(remainingMs(h.clock.Ticks(), h.timers[0].when)), true
}

// Wake interrupts a blocked WaitEvent.
func (h *Host) Wake() { h.waker.wake() }

// Run services the host until ctx is done or the host is closed. It is not
// valid for a host driven by an event loop, which is serviced by the loop.
func (h *Host) Run(ctx context.Context) error {
	if h.loopDriven {
		return fmt.Errorf("%w: host is driven by an event loop", ErrInvalidArgument)
	}
	stop := context.AfterFunc(ctx, h.Wake)
	defer stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if h.closed.Load() {
			return ErrClosed
		}
		h.WaitEvent(Forever)
	}
}

// Close releases the waker. Pending nodes and timers are discarded.
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	h.mu.Lock()
	for _, n := range h.pending {
		n.queued = false
	}
	h.pending = nil
	for _, t := range h.timers {
		t.index = 0
	}
	h.timers = nil
	h.mu.Unlock()
	return h.waker.close()
}

func (h *Host) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Err().
				Err(PanicError{Value: r}).
				Log("kemu: host callback panicked")
		}
	}()
	fn()
}
