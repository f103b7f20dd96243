package kemu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultStartupTimeout = 5 * time.Second

// StartupConfig configures Scheduler.Startup.
type StartupConfig struct {
	// Timeout bounds the whole handshake. Defaults to 5s.
	Timeout time.Duration
}

// Startup runs a synchronous startup handshake in the init phase.
//
// The enable function is called once, and is expected to submit the init
// work item to the init queue, and to arrange for ready to be called when
// initialisation completes (typically from the init work's handler). If
// enable returns ErrAlready, the handshake is skipped and Startup succeeds.
//
// Until ready is called, Startup dequeues the init work item (once it
// exists) and runs it in the caller's frame, via RunInitWork, then yields to
// the host for 1ms per iteration, so the responses the init work waits for
// are delivered. The init work runs at most once. The error passed to ready
// is returned. The init phase always ends before Startup returns.
func (s *Scheduler) Startup(ctx context.Context, cfg *StartupConfig, enable func(ready func(error)) error) error {
	if !s.active.Load() {
		return fmt.Errorf("%w: startup: scheduler not initialised", ErrInvalidArgument)
	}
	timeout := defaultStartupTimeout
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	var (
		mu     sync.Mutex
		done   bool
		result error
	)
	ready := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if !done {
			done, result = true, err
		}
		s.host.Wake()
	}
	finished := func() (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return done, result
	}

	s.EnterInitPhase()
	defer s.ExitInitPhase()

	if err := enable(ready); err != nil {
		if errors.Is(err, ErrAlready) {
			s.logger.Debug().Log("kemu: startup: already enabled")
			return nil
		}
		return err
	}

	start := s.clock.Ticks()
	limit := durationToMs(timeout)
	var ran bool
	for {
		if ok, err := finished(); ok {
			if err != nil {
				return fmt.Errorf("kemu: startup: %w", err)
			}
			s.logger.Debug().
				Uint64("elapsed_ms", uint64(elapsedMs(s.clock.Ticks(), start))).
				Log("kemu: startup complete")
			return nil
		}
		if elapsed := elapsedMs(s.clock.Ticks(), start); elapsed > limit {
			s.logger.Warning().
				Uint64("elapsed_ms", uint64(elapsed)).
				Log("kemu: startup timed out")
			return fmt.Errorf("kemu: startup: %w", ErrTimedOut)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !ran {
			ran = s.RunInitWork()
		}
		s.host.WaitEvent(time.Millisecond)
	}
}
