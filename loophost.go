package kemu

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventLoop is the part of an event loop that can drive a Host. Submit must
// run fn on the loop goroutine, and must not block. A go-eventloop Loop
// satisfies it.
type EventLoop interface {
	Submit(fn func()) error
}

// loopWaker dispatches the host by submitting tasks to an event loop. The
// platform waker still backs waits made on the loop goroutine, such as the
// yield of a cooperative wait loop running inside a task.
type loopWaker struct {
	inner   waker
	loop    EventLoop
	host    *Host
	timer   *time.Timer // guarded by mu
	mu      sync.Mutex
	pending atomic.Bool
	closed  atomic.Bool
}

func (w *loopWaker) wake() {
	w.inner.wake()
	w.submit()
}

// submit queues a dispatch task, unless one is already queued.
func (w *loopWaker) submit() {
	if w.closed.Load() || !w.pending.CompareAndSwap(false, true) {
		return
	}
	if err := w.loop.Submit(w.dispatch); err != nil {
		w.pending.Store(false)
		w.host.logger.Warning().
			Err(err).
			Log("kemu: event loop rejected dispatch")
	}
}

func (w *loopWaker) dispatch() {
	w.pending.Store(false)
	if w.closed.Load() {
		return
	}
	w.host.Dispatch()
	w.rearm()
}

// rearm arranges a dispatch for when the next soft timer is due.
func (w *loopWaker) rearm() {
	d, ok := w.host.nextTimer()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return
	}
	switch {
	case !ok:
		if w.timer != nil {
			w.timer.Stop()
		}
	case w.timer == nil:
		w.timer = time.AfterFunc(d, w.submit)
	default:
		w.timer.Reset(d)
	}
}

func (w *loopWaker) wait(d time.Duration) { w.inner.wait(d) }

func (w *loopWaker) close() error {
	w.closed.Store(true)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.inner.close()
}
