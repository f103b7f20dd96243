package kemu

import (
	"sync/atomic"
)

// DriverState is the state of the tick driver.
//
//	DriverIdle (0) → DriverScheduled (1)   [ScheduleNow() via CAS]
//	DriverScheduled (1) → DriverRunning (2) [Tick()]
//	DriverIdle (0) → DriverRunning (2)      [Tick() called directly]
//	DriverRunning (2) → DriverIdle (0)      [end of the outermost Tick()]
//
// A ScheduleNow observed while running sets a re-run request, honoured when
// the running tick completes, so at most one tick is ever outstanding.
type DriverState uint32

const (
	// DriverIdle indicates no tick is pending or running.
	DriverIdle DriverState = iota
	// DriverScheduled indicates a tick has been handed to the host.
	DriverScheduled
	// DriverRunning indicates a tick is executing.
	DriverRunning
)

// String returns a human-readable representation of the state.
func (s DriverState) String() string {
	switch s {
	case DriverIdle:
		return "Idle"
	case DriverScheduled:
		return "Scheduled"
	case DriverRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// driverState is a lock-free state cell.
type driverState struct {
	v atomic.Uint32
}

func (s *driverState) Load() DriverState {
	return DriverState(s.v.Load())
}

func (s *driverState) Store(state DriverState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *driverState) TryTransition(from, to DriverState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
