// Package kemu emulates the blocking primitives of a preemptive RTOS kernel
// (semaphores, FIFO/LIFO queues, timers, work items and delayable work) on
// top of a host that offers one logical thread of control, an event wait,
// and interrupt-style "run now" requests, optionally with one dedicated
// worker goroutine.
//
// # Architecture
//
// A [Host] models the embedding environment: deferred callbacks ([Node]),
// one-shot soft timers ([SoftTimer]), and an event wait ([Host.WaitEvent])
// backed by an eventfd on Linux. A [Scheduler] binds to a host and owns every
// list, counter, and phase flag of one subsystem session, between
// [Scheduler.Init] and [Scheduler.Deinit]. A host is serviced either by
// [Host.Run] on a goroutine of its own, or by an existing event loop (see
// [WithEventLoop]).
//
// The tick driver ([Scheduler.Tick]) runs, in order:
//  1. [Transport.Service], for raw input
//  2. [Scheduler.ProcessTimers]
//  3. a drain of every registered [WorkQueue], only when no drain is
//     already on the stack
//  4. any suspended [Semaphore.TakeAsync] or [Queue.GetAsync] waits
//
// then re-arms itself after the poll interval. [Scheduler.ScheduleNow]
// requests an immediate tick from any goroutine.
//
// # Blocking Without Threads
//
// A protocol stack written for a kernel blocks in [Semaphore.Take] or
// [Queue.Get] while the data that satisfies the wait is produced by the
// very processing the wait would otherwise stall. Every wait loop therefore
// services the transport and advances the tick driver between checks. The
// processing depth counter bounds how deeply drains may nest (see
// [WithMaxNesting]), so progress never turns into unbounded recursion.
//
// # Backends
//
// [BackendCooperative] waits by yielding to [Host.WaitEvent].
// [BackendHybrid] stores semaphore counts in channels: once
// [Scheduler.StartWorker] is running, the worker goroutine services the
// transport and drains work, and other goroutines block outright.
//
// # Init Phase
//
// During startup ([Scheduler.Startup]), the init work item is not drained
// automatically; the caller runs it in its own frame with
// [Scheduler.RunInitWork], so it may block on responses while the caller's
// loop keeps the host turning.
//
// # Usage
//
//	host, err := kemu.NewHost()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Close()
//
//	sched, err := kemu.New(host)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := sched.Init(); err != nil {
//	    log.Fatal(err)
//	}
//	defer sched.Deinit()
//
//	var sem kemu.Semaphore
//	_ = sem.Init(sched, 0, 1)
//
//	var work kemu.Work
//	_ = work.Init(sched, func(*kemu.Work) { sem.Give() })
//	_, _ = work.Submit()
//
//	// the wait drains the work queue, running the work that gives
//	if err := sem.Take(time.Second); err != nil {
//	    log.Fatal(err)
//	}
//
// # Errors
//
// Operations return [ErrWouldBlock], [ErrTimedOut], or [ErrInvalidArgument]
// (wrapped with context; use [errors.Is]). Handler panics are recovered and
// logged, never propagated out of a tick.
package kemu
