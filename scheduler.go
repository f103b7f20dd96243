package kemu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Scheduler is the scheduler context: it owns the timer list, the work
// queues, the reentrancy and phase state, and the tick driver that ties them
// to a Host.
//
// A Scheduler is constructed once, then cycles through Init / Deinit
// sessions. Primitives initialised against one session are rejected with
// ErrInvalidArgument (or ignored, for operations without a result) once the
// scheduler has been re-initialised.
type Scheduler struct {
	_       [0]func() // not comparable
	host    *Host
	clock   Clock
	opts    *schedulerOptions
	logger  *logiface.Logger[logiface.Event]
	waitLog *catrate.Limiter

	node Node
	poll SoftTimer

	// done is closed by Deinit, releasing blocked waits (guarded by mu)
	done chan struct{}

	worker atomic.Pointer[worker]

	// guarded by mu
	timerHead *Timer
	queueHead *WorkQueue
	suspended []*suspension

	sysQueue  WorkQueue
	initQueue WorkQueue

	stats stats

	session atomic.Uint64
	state   driverState

	// reentrancy and phase state
	processingDepth atomic.Int32
	waitDepth       atomic.Int32
	tickDepth       atomic.Int32
	workContext     atomic.Int32
	suspendedCount  atomic.Int32

	mu       sync.Mutex
	workerMu sync.Mutex

	active    atomic.Bool
	rerun     atomic.Bool
	initPhase atomic.Bool
	servicing atomic.Bool
}

// New creates a Scheduler bound to host. It must be initialised with Init
// before use.
func New(host *Host, opts ...Option) (*Scheduler, error) {
	if host == nil {
		return nil, fmt.Errorf("%w: nil host", ErrInvalidArgument)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		host:    host,
		clock:   host.Clock(),
		opts:    cfg,
		logger:  cfg.logger,
		waitLog: newWaitLimiter(cfg.waitLogRates),
	}
	s.poll.callback = func(*SoftTimer) { s.ScheduleNow() }
	if a, ok := cfg.transport.(transportAttacher); ok {
		a.attach(s)
	}
	return s, nil
}

// Init starts a new session: all lists are reset, the system work queue
// and the init work queue are created, and the first tick is requested.
// Calling Init on an active scheduler is a no-op.
func (s *Scheduler) Init() error {
	s.mu.Lock()
	if s.active.Load() {
		s.mu.Unlock()
		return nil
	}
	session := s.session.Add(1)
	s.timerHead = nil
	s.queueHead = nil
	s.suspended = nil
	s.suspendedCount.Store(0)
	s.done = make(chan struct{})
	s.initQueue = WorkQueue{sched: s, session: session, name: "init"}
	s.sysQueue = WorkQueue{sched: s, session: session, name: "sys"}
	s.registerQueueLocked(&s.sysQueue)
	s.mu.Unlock()

	s.processingDepth.Store(0)
	s.waitDepth.Store(0)
	s.workContext.Store(0)
	s.initPhase.Store(false)
	s.rerun.Store(false)
	s.state.Store(DriverIdle)
	s.node.SetCallback(func(*Node) { s.Tick() })
	s.active.Store(true)

	s.logger.Debug().
		Uint64("session", session).
		Str("backend", s.opts.backend.String()).
		Log("kemu: scheduler initialised")

	s.ScheduleNow()
	return nil
}

// Deinit ends the session. The worker is stopped, the periodic tick is
// cancelled, the queued host callback is disarmed, and all lists are dropped
// without visiting their members. Blocked waits return ErrInvalidArgument.
// Suspended async waits are discarded without being resumed.
func (s *Scheduler) Deinit() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.stopWorker()
	s.host.RemoveTimer(&s.poll)
	s.node.Clear()

	s.mu.Lock()
	close(s.done)
	s.timerHead = nil
	s.queueHead = nil
	s.suspended = nil
	s.suspendedCount.Store(0)
	s.sysQueue = WorkQueue{}
	s.initQueue = WorkQueue{}
	s.mu.Unlock()

	s.initPhase.Store(false)
	s.rerun.Store(false)
	s.state.Store(DriverIdle)

	s.logger.Debug().
		Uint64("session", s.session.Load()).
		Log("kemu: scheduler deinitialised")
}

// Active reports whether the scheduler is between Init and Deinit.
func (s *Scheduler) Active() bool { return s.active.Load() }

// Host returns the host the scheduler is bound to.
func (s *Scheduler) Host() *Host { return s.host }

// Backend returns the configured blocking backend.
func (s *Scheduler) Backend() Backend { return s.opts.backend }

// State returns the tick driver state.
func (s *Scheduler) State() DriverState { return s.state.Load() }

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats { return s.stats.snapshot() }

// SystemQueue returns the system work queue of the current session.
func (s *Scheduler) SystemQueue() *WorkQueue { return &s.sysQueue }

// InitQueue returns the init work queue of the current session. Work
// submitted to it is never drained automatically; see RunInitWork.
func (s *Scheduler) InitQueue() *WorkQueue { return &s.initQueue }

// ProcessingDepth returns the number of work drains active on the stack.
func (s *Scheduler) ProcessingDepth() int { return int(s.processingDepth.Load()) }

// InWait reports whether a blocking wait loop is in progress.
func (s *Scheduler) InWait() bool { return s.waitDepth.Load() > 0 }

// current reports whether session is the live session.
func (s *Scheduler) current(session uint64) bool {
	return s != nil && session != 0 && s.active.Load() && s.session.Load() == session
}

func (s *Scheduler) doneChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// ScheduleNow requests a tick as soon as possible. It is safe to call from
// any goroutine, including interrupt style completion callbacks.
func (s *Scheduler) ScheduleNow() {
	if !s.active.Load() {
		return
	}
	if w := s.worker.Load(); w != nil {
		w.signal()
	}
	for {
		switch s.state.Load() {
		case DriverIdle:
			if s.state.TryTransition(DriverIdle, DriverScheduled) {
				s.host.Schedule(&s.node)
				return
			}
		case DriverScheduled:
			return
		default:
			s.rerun.Store(true)
			if s.state.Load() == DriverRunning {
				// a wait loop inside the running tick may be parked
				s.host.Wake()
				return
			}
		}
	}
}

// Tick runs one pass of the tick driver: service the transport, process
// timers, drain the work queues (only when no drain is already on the
// stack), and resume suspended async waits. The outermost tick then
// re-arms the periodic tick, for as long as the scheduler is active.
func (s *Scheduler) Tick() {
	if !s.active.Load() {
		return
	}
	outer := s.tickDepth.Add(1) == 1
	defer s.tickDepth.Add(-1)
	s.stats.ticks.Add(1)
	if outer {
		s.state.Store(DriverRunning)
	}

	s.serviceTransport()
	s.ProcessTimers()
	if s.processingDepth.Load() > 0 {
		s.stats.skippedDrains.Add(1)
	} else if s.drainAllowed() {
		s.drainNested(s.drainRegular)
	}
	s.resumeSuspended()

	if outer {
		s.state.Store(DriverIdle)
		if s.active.Load() {
			if s.rerun.Swap(false) {
				s.ScheduleNow()
			}
			s.host.AddTimer(&s.poll, s.opts.pollInterval)
		}
	}
}

// drainNested runs fn with the processing depth incremented.
func (s *Scheduler) drainNested(fn func() int) int {
	s.processingDepth.Add(1)
	defer s.processingDepth.Add(-1)
	return fn()
}

// drainAllowed reports whether the calling goroutine may drain the regular
// work queues. Once the worker is running, it alone drains them.
func (s *Scheduler) drainAllowed() bool {
	w := s.worker.Load()
	return w == nil || w.isCurrent()
}

// drainRegular drains every registered queue, the system queue first.
func (s *Scheduler) drainRegular() int {
	s.mu.Lock()
	var queues []*WorkQueue
	for q := s.queueHead; q != nil; q = q.next {
		queues = append(queues, q)
	}
	s.mu.Unlock()
	var n int
	for _, q := range queues {
		n += q.drain()
	}
	return n
}

// advance is the bounded step of the tick driver taken by wait loops.
func (s *Scheduler) advance() {
	if int(s.processingDepth.Load()) >= s.opts.maxNesting {
		s.stats.skippedDrains.Add(1)
		return
	}
	s.ProcessTimers()
	if s.drainAllowed() {
		s.drainNested(s.drainRegular)
	}
}

// serviceTransport polls the transport, unless the worker owns it or the
// transport is already being serviced further up the stack.
func (s *Scheduler) serviceTransport() {
	t := s.opts.transport
	if t == nil {
		return
	}
	if w := s.worker.Load(); w != nil && !w.isCurrent() {
		return
	}
	if !s.servicing.CompareAndSwap(false, true) {
		return
	}
	defer s.servicing.Store(false)
	var n int
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logPanic("transport", r)
			}
		}()
		n = t.Service()
	}()
	if n > 0 {
		s.stats.transportPackets.Add(uint64(n))
	}
}

// runWork invokes the handler of w, which has already been dequeued.
func (s *Scheduler) runWork(w *Work) {
	if !s.onWorker() {
		s.workContext.Add(1)
		defer s.workContext.Add(-1)
	}
	s.stats.workRun.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.stats.workPanics.Add(1)
			s.logPanic("work", r)
		}
	}()
	if w.handler != nil {
		w.handler(w)
	}
}

func (s *Scheduler) invokeTimer(t *Timer, fn func(*Timer)) {
	s.stats.timersFired.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.logPanic("timer", r)
		}
	}()
	if fn != nil {
		fn(t)
	}
}

// notify wakes anything that may be waiting for a resource to become
// available: a parked goroutine (via ch), the host event wait, and the
// suspended async waits.
func (s *Scheduler) notify(ch chan struct{}) {
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.host.Wake()
	if s.suspendedCount.Load() > 0 {
		s.ScheduleNow()
	}
}

// --- init phase ---

// EnterInitPhase marks the start of the synchronous startup handshake.
// While in the init phase the worker cannot be started, and work submitted
// to the init queue is left for RunInitWork.
func (s *Scheduler) EnterInitPhase() { s.initPhase.Store(true) }

// ExitInitPhase ends the init phase.
func (s *Scheduler) ExitInitPhase() { s.initPhase.Store(false) }

// InInitPhase reports whether the init phase is in progress.
func (s *Scheduler) InInitPhase() bool { return s.initPhase.Load() }

// NextInitWork dequeues the next item from the init queue, clearing its
// pending state, without running it.
func (s *Scheduler) NextInitWork() *Work {
	if !s.active.Load() {
		return nil
	}
	return s.initQueue.pop()
}

// RunInitWork dequeues one item from the init queue and runs it in the
// caller's frame, as though on the system work queue, so InWorkContext
// reports true for its duration. It returns false if the init queue was
// empty.
func (s *Scheduler) RunInitWork() bool {
	w := s.NextInitWork()
	if w == nil {
		return false
	}
	s.logger.Debug().Log("kemu: running init work")
	s.runWork(w)
	return true
}

// InWorkContext reports whether the caller is running a work handler,
// in the caller's goroutine if it is the worker, or otherwise anywhere on
// the scheduler context.
func (s *Scheduler) InWorkContext() bool {
	if s.onWorker() {
		return true
	}
	return s.workContext.Load() > 0
}
