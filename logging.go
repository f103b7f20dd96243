package kemu

import (
	"io"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// NewLogger returns a JSON logger writing to w, at the given level, suitable
// for WithLogger and WithHostLogger.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func newWaitLimiter(rates map[time.Duration]int) *catrate.Limiter {
	if len(rates) == 0 {
		return nil
	}
	return catrate.NewLimiter(rates)
}

// logWaiting emits a rate limited debug event for a wait that is still
// pending, keyed by the primitive being waited on.
func (s *Scheduler) logWaiting(w *waiter) {
	b := s.logger.Debug()
	if b == nil {
		return
	}
	if s.waitLog != nil {
		if _, ok := s.waitLog.Allow(w.category); !ok {
			b.Release()
			return
		}
	}
	b.Str("kind", w.kind).
		Int("iterations", w.iterations).
		Uint64("elapsed_ms", uint64(elapsedMs(s.clock.Ticks(), w.start))).
		Int64("depth", int64(s.processingDepth.Load())).
		Log("kemu: still waiting")
}

func (s *Scheduler) logPanic(source string, r any) {
	s.logger.Err().
		Str("source", source).
		Err(PanicError{Value: r}).
		Log("kemu: callback panicked")
}
