package kemu

import (
	"fmt"
	"time"
)

// Mutex is a recursive mutex, owned by a goroutine. On the cooperative
// backend the scheduler context is a single goroutine, so locking never
// contends; with the hybrid worker running, the worker and the host
// goroutine exclude each other.
type Mutex struct {
	sched   *Scheduler
	signal  chan struct{}
	owner   uint64 // goroutine ID, guarded by sched.mu
	session uint64
	depth   int // guarded by sched.mu
}

// Init initialises the mutex, unlocked, for the current session of s.
func (m *Mutex) Init(s *Scheduler) error {
	if s == nil || !s.active.Load() {
		return fmt.Errorf("%w: mutex init: scheduler not initialised", ErrInvalidArgument)
	}
	s.mu.Lock()
	m.sched = s
	m.session = s.session.Load()
	m.owner, m.depth = 0, 0
	m.signal = make(chan struct{}, 1)
	s.mu.Unlock()
	return nil
}

func (m *Mutex) valid() bool {
	return m.sched.current(m.session)
}

func (m *Mutex) tryLock(gid uint64) bool {
	s := m.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.depth == 0 || m.owner == gid {
		m.owner = gid
		m.depth++
		return true
	}
	return false
}

// Lock acquires the mutex, recursively if the caller already holds it,
// waiting up to timeout. Contention with NoWait returns ErrWouldBlock;
// otherwise ErrTimedOut is returned when the timeout expires.
func (m *Mutex) Lock(timeout time.Duration) error {
	if !m.valid() {
		return fmt.Errorf("%w: mutex lock: not initialised", ErrInvalidArgument)
	}
	gid := getGoroutineID()
	try := func() bool { return m.tryLock(gid) }
	if try() {
		return nil
	}
	if timeout == NoWait {
		return ErrWouldBlock
	}
	w := m.sched.newWaiter("mutex", m, timeout, try)
	w.signal = m.signal
	return m.sched.wait(w)
}

// Unlock releases one level of ownership. It returns ErrNotOwner if the
// caller does not hold the mutex.
func (m *Mutex) Unlock() error {
	if !m.valid() {
		return fmt.Errorf("%w: mutex unlock: not initialised", ErrInvalidArgument)
	}
	gid := getGoroutineID()
	s := m.sched
	s.mu.Lock()
	if m.depth == 0 || m.owner != gid {
		s.mu.Unlock()
		return ErrNotOwner
	}
	m.depth--
	released := m.depth == 0
	if released {
		m.owner = 0
	}
	s.mu.Unlock()
	if released {
		s.notify(m.signal)
	}
	return nil
}

// Locked reports whether the mutex is held by any goroutine.
func (m *Mutex) Locked() bool {
	if !m.valid() {
		return false
	}
	m.sched.mu.Lock()
	defer m.sched.mu.Unlock()
	return m.depth > 0
}
