package kemu

import (
	"bytes"
	"sync"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWork_SubmitIsIdempotent(t *testing.T) {
	_, s := newManualScheduler(t, 0)
	var runs int
	w := mustWork(t, s, func(*Work) { runs++ })

	ok, err := w.Submit()
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = w.Submit()
	require.NoError(t, err)
	assert.False(t, ok, "already pending")
	assert.Equal(t, 1, s.SystemQueue().Len())

	assert.Equal(t, 1, s.SystemQueue().Drain())
	assert.Equal(t, 1, runs)
	assert.Zero(t, s.SystemQueue().Drain())
}

func TestWork_DrainOrder(t *testing.T) {
	_, s := newManualScheduler(t, 0)
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		w := mustWork(t, s, func(*Work) { order = append(order, name) })
		_, err := w.Submit()
		require.NoError(t, err)
	}
	s.Tick()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestWork_PendingClearedBeforeHandler(t *testing.T) {
	_, s := newManualScheduler(t, 0)
	var pendingInside = true
	var w *Work
	w = mustWork(t, s, func(*Work) { pendingInside = w.IsPending() })
	_, _ = w.Submit()
	assert.True(t, w.IsPending())
	s.SystemQueue().Drain()
	assert.False(t, pendingInside)
	assert.False(t, w.IsPending())
}

func TestWork_Cancel(t *testing.T) {
	_, s := newManualScheduler(t, 0)
	var ran []int
	a := mustWork(t, s, func(*Work) { ran = append(ran, 1) })
	b := mustWork(t, s, func(*Work) { ran = append(ran, 2) })
	c := mustWork(t, s, func(*Work) { ran = append(ran, 3) })
	for _, w := range []*Work{a, b, c} {
		_, _ = w.Submit()
	}
	assert.True(t, b.Cancel())
	assert.False(t, b.Cancel())
	assert.False(t, b.IsPending())
	assert.True(t, c.Cancel(), "tail")
	s.SystemQueue().Drain()
	assert.Equal(t, []int{1}, ran)

	// the queue is consistent after unlinking the tail
	_, _ = c.Submit()
	s.SystemQueue().Drain()
	assert.Equal(t, []int{1, 3}, ran)
}

func TestWork_SelfResubmitEndsPass(t *testing.T) {
	_, s := newManualScheduler(t, 0)
	var order []string
	var again bool
	a := mustWork(t, s, func(w *Work) {
		order = append(order, "a")
		if !again {
			again = true
			_, _ = w.Submit()
		}
	})
	b := mustWork(t, s, func(*Work) { order = append(order, "b") })
	_, _ = a.Submit()
	_, _ = b.Submit()

	assert.Equal(t, 1, s.SystemQueue().Drain())
	assert.Equal(t, []string{"a"}, order)
	assert.True(t, a.IsPending())
	assert.True(t, b.IsPending())

	assert.Equal(t, 2, s.SystemQueue().Drain())
	assert.Equal(t, []string{"a", "b", "a"}, order)
}

func TestWorkQueue_CustomQueueDrainedByTick(t *testing.T) {
	_, s := newManualScheduler(t, 0)
	var q WorkQueue
	require.NoError(t, q.Init(s, "custom"))
	assert.Equal(t, "custom", q.Name())

	var order []string
	sys := mustWork(t, s, func(*Work) { order = append(order, "sys") })
	custom := mustWork(t, s, func(*Work) { order = append(order, "custom") })
	_, err := custom.SubmitTo(&q)
	require.NoError(t, err)
	_, _ = sys.Submit()
	ok, err := sys.SubmitTo(&q)
	require.NoError(t, err)
	assert.False(t, ok, "pending on another queue")

	s.Tick()
	assert.Equal(t, []string{"sys", "custom"}, order)

	var foreign WorkQueue
	_, err = custom.SubmitTo(&foreign)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWork_InitQueueRunsInCallerFrame(t *testing.T) {
	_, s := newManualScheduler(t, 0)
	var (
		ran       bool
		inContext bool
	)
	w := mustWork(t, s, func(*Work) {
		ran = true
		inContext = s.InWorkContext()
	})
	s.EnterInitPhase()
	assert.True(t, s.InInitPhase())
	_, err := w.SubmitTo(s.InitQueue())
	require.NoError(t, err)

	s.Tick()
	assert.False(t, ran, "the tick never drains the init queue")
	assert.True(t, w.IsPending())

	assert.False(t, s.InWorkContext())
	require.True(t, s.RunInitWork())
	assert.True(t, ran)
	assert.True(t, inContext)
	assert.False(t, s.InWorkContext())
	assert.False(t, s.RunInitWork())

	s.ExitInitPhase()
	assert.False(t, s.InInitPhase())
}

func TestWork_PanicRecoveredAndLogged(t *testing.T) {
	var buf bytes.Buffer
	s := newTestScheduler(t, newTestHost(t, WithClock(newManualClock(0))),
		WithLogger(NewLogger(&buf, logiface.LevelError)))
	var after bool
	bad := mustWork(t, s, func(*Work) { panic("boom") })
	good := mustWork(t, s, func(*Work) { after = true })
	_, _ = bad.Submit()
	_, _ = good.Submit()

	assert.NotPanics(t, func() { s.Tick() })
	assert.True(t, after)
	assert.Zero(t, s.ProcessingDepth(), "depth restored after a panic")
	assert.Equal(t, uint64(1), s.Stats().WorkPanics)
	assert.Contains(t, buf.String(), `kemu: callback panicked`)
	assert.Contains(t, buf.String(), `boom`)
}

func TestWork_StaleAfterReinit(t *testing.T) {
	_, s := newManualScheduler(t, 0)
	var ran bool
	w := mustWork(t, s, func(*Work) { ran = true })
	_, _ = w.Submit()
	s.Deinit()
	require.NoError(t, s.Init())

	assert.False(t, w.IsPending())
	_, err := w.Submit()
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.False(t, w.Cancel())
	s.Tick()
	assert.False(t, ran, "work from the previous session is never run")

	require.NoError(t, w.Init(s, func(*Work) { ran = true }))
	_, err = w.Submit()
	require.NoError(t, err)
	s.Tick()
	assert.True(t, ran)
}

func TestWork_InitUninitialised(t *testing.T) {
	h := newTestHost(t)
	s, err := New(h)
	require.NoError(t, err)
	var w Work
	require.ErrorIs(t, w.Init(s, nil), ErrInvalidArgument)
	var q WorkQueue
	require.ErrorIs(t, q.Init(s, "q"), ErrInvalidArgument)
	assert.Zero(t, q.Drain())
	_, err = w.Submit()
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWork_SubmitConcurrentWithDeinit(t *testing.T) {
	for range 20 {
		_, s := newManualScheduler(t, 0)
		var q WorkQueue
		require.NoError(t, q.Init(s, "custom"))
		a, b := mustWork(t, s, nil), mustWork(t, s, nil)
		delayed := new(DelayableWork)
		require.NoError(t, delayed.Init(s, nil))

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range 200 {
				for _, err := range [...]error{
					func() error { _, err := a.Submit(); return err }(),
					func() error { _, err := b.SubmitTo(&q); return err }(),
					func() error { _, err := delayed.ScheduleFor(s.SystemQueue(), NoWait); return err }(),
				} {
					if err != nil {
						assert.ErrorIs(t, err, ErrInvalidArgument)
					}
				}
			}
		}()
		close(start)
		s.Deinit()
		wg.Wait()

		_, err := a.Submit()
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, err = b.SubmitTo(&q)
		require.ErrorIs(t, err, ErrInvalidArgument)
	}
}
