//go:build !linux

package kemu

import (
	"sync"
	"time"
)

type chanWaker struct {
	ch   chan struct{}
	done chan struct{}
	once sync.Once
}

func newWaker() (waker, error) {
	return &chanWaker{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}, nil
}

func (w *chanWaker) wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *chanWaker) wait(d time.Duration) {
	if d < 0 {
		select {
		case <-w.ch:
		case <-w.done:
		}
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.ch:
	case <-w.done:
	case <-t.C:
	}
}

func (w *chanWaker) close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}
