package kemu

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphore_InitValidation(t *testing.T) {
	h := newTestHost(t)
	s, err := New(h)
	require.NoError(t, err)

	var sem Semaphore
	require.ErrorIs(t, sem.Init(s, 0, 1), ErrInvalidArgument, "scheduler not initialised")

	require.NoError(t, s.Init())
	defer s.Deinit()

	require.ErrorIs(t, sem.Init(s, 0, 0), ErrInvalidArgument)
	require.ErrorIs(t, sem.Init(s, 3, 2), ErrInvalidArgument)
	require.NoError(t, sem.Init(s, 2, 2))
	assert.Equal(t, uint32(2), sem.Count())
	assert.Equal(t, uint32(2), sem.Limit())

	var zero Semaphore
	require.ErrorIs(t, zero.Take(NoWait), ErrInvalidArgument)
	zero.Give()
	zero.GiveFromISR()
	zero.Reset()
	assert.Zero(t, zero.Count())
}

func TestSemaphore_GiveSaturates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Scheduler) {
		sem := mustSemaphore(t, s, 0, 3)
		for i := range 10 {
			sem.Give()
			assert.LessOrEqual(t, sem.Count(), uint32(3), "give %d", i)
		}
		assert.Equal(t, uint32(3), sem.Count())
		sem.GiveFromISR()
		assert.Equal(t, uint32(3), sem.Count())

		for range 3 {
			require.NoError(t, sem.Take(NoWait))
		}
		require.ErrorIs(t, sem.Take(NoWait), ErrWouldBlock)
	})
}

func TestSemaphore_TakeNoWaitNeverWaits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Scheduler) {
		sem := mustSemaphore(t, s, 0, 1)
		before := s.Stats()
		start := time.Now()
		err := sem.Take(NoWait)
		elapsed := time.Since(start)
		require.ErrorIs(t, err, ErrWouldBlock)
		assert.Less(t, elapsed, 5*time.Millisecond)
		assert.Equal(t, before.Waits, s.Stats().Waits, "no wait loop entered")
		assert.Zero(t, sem.Count())
	})
}

func TestSemaphore_TakeTimesOut(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Scheduler) {
		sem := mustSemaphore(t, s, 0, 1)
		start := time.Now()
		err := sem.Take(30 * time.Millisecond)
		elapsed := time.Since(start)
		require.ErrorIs(t, err, ErrTimedOut)
		assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
		assert.Equal(t, uint64(1), s.Stats().WaitTimeouts)
		assert.Zero(t, s.ProcessingDepth())
		assert.False(t, s.InWait())
	})
}

// The give is only ever performed by work that the drain step runs, so
// the wait succeeding proves the wait loop advanced the scheduler.
func TestSemaphore_WaitRunsTheWorkThatGives(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Scheduler) {
		sem := mustSemaphore(t, s, 0, 1)
		var ran int
		w := mustWork(t, s, func(*Work) {
			ran++
			sem.Give()
		})
		ok, err := w.Submit()
		require.NoError(t, err)
		require.True(t, ok)

		start := time.Now()
		require.NoError(t, sem.Take(time.Second))
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 1, ran)
		assert.Zero(t, sem.Count())
		assert.Zero(t, s.ProcessingDepth())
	})
}

func TestSemaphore_NestedWaitInsideHandler(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Scheduler) {
		sem := mustSemaphore(t, s, 0, 1)
		giver := mustWork(t, s, func(*Work) { sem.Give() })
		var (
			result  = errors.New("not run")
			depthIn int
		)
		waiter := mustWork(t, s, func(*Work) {
			depthIn = s.ProcessingDepth()
			_, _ = giver.Submit()
			result = sem.Take(time.Second)
		})
		_, err := waiter.Submit()
		require.NoError(t, err)

		s.Tick()

		require.NoError(t, result)
		assert.Equal(t, 1, depthIn)
		assert.False(t, giver.IsPending())
		assert.Zero(t, s.ProcessingDepth())
		assert.GreaterOrEqual(t, s.Stats().MaxWaitDepth, int32(1))
	})
}

func TestSemaphore_NestingLimitStopsDraining(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.String(), func(t *testing.T) {
			s := newTestScheduler(t, newTestHost(t), WithBackend(backend), WithMaxNesting(1))
			sem := mustSemaphore(t, s, 0, 1)
			var giverRuns int
			giver := mustWork(t, s, func(*Work) {
				giverRuns++
				sem.Give()
			})
			var (
				result       error
				pendingAfter bool
				runsAfter    = -1
			)
			waiter := mustWork(t, s, func(*Work) {
				_, _ = giver.Submit()
				result = sem.Take(50 * time.Millisecond)
				pendingAfter = giver.IsPending()
				runsAfter = giverRuns
			})
			_, err := waiter.Submit()
			require.NoError(t, err)

			s.Tick()

			require.ErrorIs(t, result, ErrTimedOut)
			assert.True(t, pendingAfter, "the wait did not drain")
			assert.Zero(t, runsAfter)
			assert.Positive(t, s.Stats().SkippedDrains)

			// the outer drain pass picks it up once the waiter returns
			assert.Equal(t, 1, giverRuns)
			assert.False(t, giver.IsPending())
			assert.Equal(t, uint32(1), sem.Count())
		})
	}
}

func TestSemaphore_GiveFromAnotherGoroutine(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Scheduler) {
		sem := mustSemaphore(t, s, 0, 1)
		go func() {
			time.Sleep(20 * time.Millisecond)
			sem.GiveFromISR()
		}()
		start := time.Now()
		require.NoError(t, sem.Take(2*time.Second))
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	})
}

func TestSemaphore_GiveUsesCriticalSection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Scheduler) {
		sem := mustSemaphore(t, s, 0, 2)

		s.mu.Lock()
		gave := make(chan struct{})
		go func() {
			defer close(gave)
			sem.Give()
		}()
		sem.GiveFromISR()
		assert.Equal(t, uint32(1), sem.Count(), "the ISR form does not lock")
		select {
		case <-gave:
			t.Error("give completed inside another critical section")
		case <-time.After(20 * time.Millisecond):
		}
		s.mu.Unlock()

		select {
		case <-gave:
		case <-time.After(2 * time.Second):
			t.Fatal("give did not complete")
		}
		assert.Equal(t, uint32(2), sem.Count())
	})
}

func TestSemaphore_Reset(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Scheduler) {
		sem := mustSemaphore(t, s, 4, 4)
		sem.Reset()
		assert.Zero(t, sem.Count())
		require.ErrorIs(t, sem.Take(NoWait), ErrWouldBlock)
		sem.Give()
		assert.Equal(t, uint32(1), sem.Count())
	})
}

func TestSemaphore_TakeAsync(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Scheduler) {
		sem := mustSemaphore(t, s, 1, 1)

		var calls []error
		record := func(err error) { calls = append(calls, err) }

		sem.TakeAsync(time.Second, record)
		require.Len(t, calls, 1, "fast path resolves synchronously")
		require.NoError(t, calls[0])

		sem.TakeAsync(NoWait, record)
		require.Len(t, calls, 2)
		require.ErrorIs(t, calls[1], ErrWouldBlock)

		sem.TakeAsync(time.Second, record)
		s.Tick()
		require.Len(t, calls, 2, "still suspended")
		sem.Give()
		s.Tick()
		require.Len(t, calls, 3)
		require.NoError(t, calls[2])
		assert.Zero(t, sem.Count())

		sem.TakeAsync(20*time.Millisecond, record)
		time.Sleep(30 * time.Millisecond)
		s.Tick()
		require.Len(t, calls, 4)
		require.ErrorIs(t, calls[3], ErrTimedOut)
	})
}

func TestSemaphore_StaleAfterReinit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Scheduler) {
		sem := mustSemaphore(t, s, 1, 1)
		s.Deinit()
		require.NoError(t, s.Init())

		require.ErrorIs(t, sem.Take(NoWait), ErrInvalidArgument)
		sem.Give()
		sem.GiveFromISR()
		assert.Equal(t, uint32(1), sem.Count(), "stale semaphore is untouched")

		require.NoError(t, sem.Init(s, 0, 1))
		require.ErrorIs(t, sem.Take(NoWait), ErrWouldBlock)
	})
}

func TestSemaphore_HybridWorkerBlocks(t *testing.T) {
	s := newTestScheduler(t, newTestHost(t), WithBackend(BackendHybrid))
	require.NoError(t, s.StartWorker())
	require.True(t, s.WorkerActive())

	sem := mustSemaphore(t, s, 0, 1)
	w := mustWork(t, s, func(*Work) {
		assert.True(t, s.InWorkContext(), "work runs on the worker")
		sem.Give()
	})
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Submit()
	}()
	start := time.Now()
	require.NoError(t, sem.Take(2*time.Second))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, s.InWorkContext())

	require.ErrorIs(t, sem.Take(20*time.Millisecond), ErrTimedOut)
}

func TestSemaphore_HybridWorkerNestedWait(t *testing.T) {
	s := newTestScheduler(t, newTestHost(t), WithBackend(BackendHybrid))
	require.NoError(t, s.StartWorker())

	sem := mustSemaphore(t, s, 0, 1)
	done := mustSemaphore(t, s, 0, 1)
	giver := mustWork(t, s, func(*Work) { sem.Give() })
	var result = errors.New("not run")
	waiter := mustWork(t, s, func(*Work) {
		_, _ = giver.Submit()
		// on the worker, so the wait must keep draining rather than block
		result = sem.Take(time.Second)
		done.Give()
	})
	_, err := waiter.Submit()
	require.NoError(t, err)
	require.NoError(t, done.Take(2*time.Second))
	require.NoError(t, result)
}

func TestSemaphore_DeinitReleasesBlockedTake(t *testing.T) {
	s := newTestScheduler(t, newTestHost(t), WithBackend(BackendHybrid))
	require.NoError(t, s.StartWorker())
	sem := mustSemaphore(t, s, 0, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- sem.Take(Forever) }()
	time.Sleep(20 * time.Millisecond)
	s.Deinit()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrInvalidArgument)
	case <-time.After(2 * time.Second):
		t.Fatal("take did not return after deinit")
	}
	assert.False(t, s.WorkerActive())
}

func TestSemaphore_WaitDiagnosticsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	h := newTestHost(t, WithClock(newManualClock(0)))
	s := newTestScheduler(t, h,
		WithLogger(NewLogger(&buf, logiface.LevelDebug)),
		WithPollInterval(time.Millisecond),
		WithWaitLogRates(nil),
	)
	sem := mustSemaphore(t, s, 0, 1)
	var iterations int
	tick := mustWork(t, s, nil)
	// resubmitting work keeps the wait loop spinning until it gives
	require.NoError(t, tick.Init(s, func(w *Work) {
		iterations++
		if iterations > 3*waitLogEvery {
			sem.Give()
			return
		}
		_, _ = w.Submit()
	}))
	_, _ = tick.Submit()
	require.NoError(t, sem.Take(Forever))
	assert.Contains(t, buf.String(), `kemu: still waiting`)
	assert.Contains(t, buf.String(), `"kind":"semaphore"`)
}
