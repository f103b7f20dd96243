//go:build linux

package kemu

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// eventfdWaker blocks in poll(2) on an eventfd, which Wake writes to.
type eventfdWaker struct {
	fd      int
	buf     [8]byte
	pending atomic.Uint32
	closed  atomic.Bool
}

func newWaker() (waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &eventfdWaker{fd: fd}, nil
}

func (w *eventfdWaker) wake() {
	if w.closed.Load() || !w.pending.CompareAndSwap(0, 1) {
		return
	}
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, _ = unix.Write(w.fd, buf)
}

func (w *eventfdWaker) wait(d time.Duration) {
	if w.closed.Load() {
		return
	}
	ms := -1
	if d >= 0 {
		ms = int(durationToMs(d))
	}
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		break
	}
	w.drain()
}

func (w *eventfdWaker) drain() {
	for {
		if _, err := unix.Read(w.fd, w.buf[:]); err != nil {
			break
		}
	}
	w.pending.Store(0)
}

func (w *eventfdWaker) close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	// unblock any poll in progress before the descriptor goes away
	var one uint64 = 1
	_, _ = unix.Write(w.fd, (*[8]byte)(unsafe.Pointer(&one))[:])
	return unix.Close(w.fd)
}
