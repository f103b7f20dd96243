package kemu

import (
	"sync/atomic"
)

// Stats is a snapshot of scheduler counters, accumulated since New.
type Stats struct {
	// Ticks is the number of Tick invocations that ran (nested included).
	Ticks uint64
	// WorkRun is the number of work handlers invoked.
	WorkRun uint64
	// WorkPanics is the number of work handlers that panicked.
	WorkPanics uint64
	// TimersFired is the number of timer callbacks invoked.
	TimersFired uint64
	// Waits is the number of blocking waits that did not complete on the
	// fast path.
	Waits uint64
	// WaitTimeouts is the number of blocking waits that timed out.
	WaitTimeouts uint64
	// SkippedDrains counts ticks and wait iterations that did not drain
	// because work processing was already nested too deep.
	SkippedDrains uint64
	// TransportPackets is the total returned by Transport.Service.
	TransportPackets uint64
	// MaxWaitDepth is the deepest observed nesting of wait loops.
	MaxWaitDepth int32
}

type stats struct {
	ticks            atomic.Uint64
	workRun          atomic.Uint64
	workPanics       atomic.Uint64
	timersFired      atomic.Uint64
	waits            atomic.Uint64
	waitTimeouts     atomic.Uint64
	skippedDrains    atomic.Uint64
	transportPackets atomic.Uint64
	maxWaitDepth     atomic.Int32
}

func (x *stats) observeWaitDepth(depth int32) {
	for {
		cur := x.maxWaitDepth.Load()
		if depth <= cur || x.maxWaitDepth.CompareAndSwap(cur, depth) {
			return
		}
	}
}

func (x *stats) snapshot() Stats {
	return Stats{
		Ticks:            x.ticks.Load(),
		WorkRun:          x.workRun.Load(),
		WorkPanics:       x.workPanics.Load(),
		TimersFired:      x.timersFired.Load(),
		Waits:            x.waits.Load(),
		WaitTimeouts:     x.waitTimeouts.Load(),
		SkippedDrains:    x.skippedDrains.Load(),
		TransportPackets: x.transportPackets.Load(),
		MaxWaitDepth:     x.maxWaitDepth.Load(),
	}
}
