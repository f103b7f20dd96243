package kemu

import (
	"slices"
	"sync/atomic"
)

// Transport is the raw input source serviced by every tick and wait loop.
// Service must not block; it returns the number of packets handled.
type Transport interface {
	Service() int
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func() int

// Service implements Transport.
func (f TransportFunc) Service() int { return f() }

// transportAttacher is implemented by transports that request ticks.
type transportAttacher interface {
	attach(s *Scheduler)
}

// ChannelTransportConfig configures a ChannelTransport.
type ChannelTransportConfig[T any] struct {
	// Less, if set, orders each batch before delivery, stably. Packets
	// that compare equal keep their arrival order.
	Less func(a, b T) bool

	// Capacity is the number of packets buffered between Push and Service.
	// Defaults to 64.
	Capacity int

	// MaxBatch is the maximum number of packets delivered per Service.
	// Defaults to 16. A negative value disables the limit.
	MaxBatch int
}

// ChannelTransport buffers packets pushed from any goroutine (for example
// the completion callback of a device read), and delivers them to a handler
// on the scheduler context, in batches.
type ChannelTransport[T any] struct {
	ch       chan T
	handler  func(T) error
	less     func(a, b T) bool
	sched    atomic.Pointer[Scheduler]
	dropped  atomic.Uint64
	maxBatch int
}

// NewChannelTransport returns a transport delivering to handler, which
// must not be nil. Handler errors are logged, and do not stop the batch.
func NewChannelTransport[T any](cfg *ChannelTransportConfig[T], handler func(T) error) *ChannelTransport[T] {
	if handler == nil {
		panic(`kemu: nil transport handler`)
	}
	capacity := 64
	maxBatch := 16
	var less func(a, b T) bool
	if cfg != nil {
		if cfg.Capacity > 0 {
			capacity = cfg.Capacity
		}
		if cfg.MaxBatch != 0 {
			maxBatch = cfg.MaxBatch
		}
		less = cfg.Less
	}
	return &ChannelTransport[T]{
		ch:       make(chan T, capacity),
		handler:  handler,
		less:     less,
		maxBatch: maxBatch,
	}
}

func (x *ChannelTransport[T]) attach(s *Scheduler) {
	x.sched.Store(s)
}

// Push buffers v and requests a tick, without blocking. It returns false,
// dropping v, if the buffer is full.
func (x *ChannelTransport[T]) Push(v T) bool {
	select {
	case x.ch <- v:
	default:
		x.dropped.Add(1)
		return false
	}
	if s := x.sched.Load(); s != nil {
		s.ScheduleNow()
	}
	return true
}

// Len returns the number of buffered packets.
func (x *ChannelTransport[T]) Len() int { return len(x.ch) }

// Dropped returns the number of packets rejected by Push.
func (x *ChannelTransport[T]) Dropped() uint64 { return x.dropped.Load() }

// Service delivers up to MaxBatch buffered packets, implementing Transport.
func (x *ChannelTransport[T]) Service() int {
	var batch []T
BatchLoop:
	for x.maxBatch < 0 || len(batch) < x.maxBatch {
		select {
		case v := <-x.ch:
			batch = append(batch, v)
		default:
			break BatchLoop
		}
	}
	if len(batch) == 0 {
		return 0
	}

	if x.less != nil && len(batch) > 1 {
		slices.SortStableFunc(batch, func(a, b T) int {
			switch {
			case x.less(a, b):
				return -1
			case x.less(b, a):
				return 1
			default:
				return 0
			}
		})
	}

	s := x.sched.Load()
	for _, v := range batch {
		if err := x.deliver(v); err != nil && s != nil {
			s.logger.Warning().
				Err(err).
				Log("kemu: transport delivery failed")
		}
	}

	if len(x.ch) > 0 && s != nil {
		// more than one batch was buffered
		s.ScheduleNow()
	}
	return len(batch)
}

func (x *ChannelTransport[T]) deliver(v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	return x.handler(v)
}
