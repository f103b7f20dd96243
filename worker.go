package kemu

import (
	"fmt"
	"sync/atomic"
	"time"
)

// workerStopTimeout bounds how long StopWorker waits for the goroutine.
const workerStopTimeout = 500 * time.Millisecond

// worker is the hybrid backend's dedicated goroutine. While it runs, it
// alone services the transport and drains the regular work queues, and
// other goroutines block outright in Take and Get.
type worker struct {
	s    *Scheduler
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	gid  atomic.Uint64
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) isCurrent() bool {
	gid := w.gid.Load()
	return gid != 0 && gid == getGoroutineID()
}

func (s *Scheduler) onWorker() bool {
	w := s.worker.Load()
	return w != nil && w.isCurrent()
}

// WorkerActive reports whether the worker goroutine is running.
func (s *Scheduler) WorkerActive() bool {
	return s.worker.Load() != nil
}

// StartWorker starts the worker goroutine. It is only valid for the hybrid
// backend, outside of the init phase. Starting a running worker is a no-op.
func (s *Scheduler) StartWorker() error {
	if !s.active.Load() {
		return fmt.Errorf("%w: start worker: scheduler not initialised", ErrInvalidArgument)
	}
	if s.opts.backend != BackendHybrid {
		return fmt.Errorf("%w: start worker: requires the hybrid backend", ErrInvalidArgument)
	}
	if s.initPhase.Load() {
		return fmt.Errorf("%w: start worker: init phase in progress", ErrInvalidArgument)
	}
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	if s.worker.Load() != nil {
		return nil
	}
	w := &worker{
		s:    s,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	started := make(chan struct{})
	go w.run(started)
	<-started
	s.worker.Store(w)
	s.logger.Debug().Log("kemu: worker started")
	return nil
}

// StopWorker stops the worker goroutine, returning once it has exited or
// the stop timeout has passed. Draining reverts to the tick driver.
func (s *Scheduler) StopWorker() {
	s.stopWorker()
}

func (s *Scheduler) stopWorker() {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	w := s.worker.Load()
	if w == nil {
		return
	}
	s.worker.Store(nil)
	close(w.stop)
	if !w.isCurrent() {
		t := time.NewTimer(workerStopTimeout)
		defer t.Stop()
		select {
		case <-w.done:
		case <-t.C:
			s.logger.Warning().
				Dur("timeout", workerStopTimeout).
				Log("kemu: worker did not stop in time")
		}
	}
	s.logger.Debug().Log("kemu: worker stopped")
	// anything submitted while the worker was stopping is picked up by a tick
	s.ScheduleNow()
}

func (w *worker) run(started chan<- struct{}) {
	defer close(w.done)
	w.gid.Store(getGoroutineID())
	close(started)

	s := w.s
	idle := time.NewTimer(s.opts.workerIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
		case <-idle.C:
		}
		idle.Reset(s.opts.workerIdleTimeout)
		select {
		case <-w.stop:
			return
		default:
		}
		s.serviceTransport()
		s.drainNested(s.drainRegular)
	}
}
