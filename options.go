package kemu

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// Backend selects how blocking primitives wait.
type Backend int

const (
	// BackendCooperative polls counts and yields to the host event wait.
	// It assumes a single logical thread of control.
	BackendCooperative Backend = iota

	// BackendHybrid uses channel-based blocking once the worker goroutine is
	// active, and a bounded polling loop before that.
	BackendHybrid
)

// String returns a human-readable representation of the backend.
func (b Backend) String() string {
	switch b {
	case BackendCooperative:
		return "cooperative"
	case BackendHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

const (
	defaultPollInterval       = 10 * time.Millisecond
	defaultHybridPollInterval = 10 * time.Millisecond
	defaultWorkerIdleTimeout  = 100 * time.Millisecond
	defaultMaxNesting         = 2
)

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger             *logiface.Logger[logiface.Event]
	transport          Transport
	waitLogRates       map[time.Duration]int
	backend            Backend
	pollInterval       time.Duration
	hybridPollInterval time.Duration
	workerIdleTimeout  time.Duration
	maxNesting         int
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithBackend selects the blocking backend. Defaults to BackendCooperative.
func WithBackend(backend Backend) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		switch backend {
		case BackendCooperative, BackendHybrid:
		default:
			return fmt.Errorf("%w: backend %d", ErrInvalidArgument, backend)
		}
		opts.backend = backend
		return nil
	}}
}

// WithTransport sets the transport serviced by every tick and wait loop.
func WithTransport(transport Transport) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.transport = transport
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger disables logging,
// which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPollInterval sets the period of the background tick. Defaults to 10ms.
func WithPollInterval(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: poll interval %s", ErrInvalidArgument, d)
		}
		opts.pollInterval = d
		return nil
	}}
}

// WithHybridPollInterval sets the bounded wait used by the hybrid backend
// before the worker is running. Defaults to 10ms.
func WithHybridPollInterval(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: hybrid poll interval %s", ErrInvalidArgument, d)
		}
		opts.hybridPollInterval = d
		return nil
	}}
}

// WithWorkerIdleTimeout sets how long the worker sleeps without a wake
// before servicing anyway. Defaults to 100ms.
func WithWorkerIdleTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: worker idle timeout %s", ErrInvalidArgument, d)
		}
		opts.workerIdleTimeout = d
		return nil
	}}
}

// WithMaxNesting bounds how deep work processing may nest. A wait loop only
// drains work queues while fewer than n drains are active on the stack.
// A value of 1 restricts draining to the outermost wait. Defaults to 2.
func WithMaxNesting(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n < 1 {
			return fmt.Errorf("%w: max nesting %d", ErrInvalidArgument, n)
		}
		opts.maxNesting = n
		return nil
	}}
}

// WithWaitLogRates sets the per-primitive rate limits (as accepted by
// catrate.NewLimiter) applied to "still waiting" debug logs. A nil map
// removes the limit. Defaults to one per second, ten per minute.
func WithWaitLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.waitLogRates = rates
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		backend:            BackendCooperative,
		pollInterval:       defaultPollInterval,
		hybridPollInterval: defaultHybridPollInterval,
		workerIdleTimeout:  defaultWorkerIdleTimeout,
		maxNesting:         defaultMaxNesting,
		waitLogRates: map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Host Options ---

type hostOptions struct {
	clock  Clock
	logger *logiface.Logger[logiface.Event]
	loop   EventLoop
}

// HostOption configures a Host instance.
type HostOption interface {
	applyHost(*hostOptions) error
}

type hostOptionImpl struct {
	applyHostFunc func(*hostOptions) error
}

func (o *hostOptionImpl) applyHost(opts *hostOptions) error {
	return o.applyHostFunc(opts)
}

// WithClock sets the host tick source. Defaults to SystemClock().
func WithClock(clock Clock) HostOption {
	return &hostOptionImpl{func(opts *hostOptions) error {
		if clock == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidArgument)
		}
		opts.clock = clock
		return nil
	}}
}

// WithHostLogger sets the logger used to report panicking callbacks.
func WithHostLogger(logger *logiface.Logger[logiface.Event]) HostOption {
	return &hostOptionImpl{func(opts *hostOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithEventLoop drives the host from an event loop, such as a go-eventloop
// Loop: due timers and queued nodes are dispatched by tasks submitted to the
// loop, so the loop goroutine owns the host, and Run must not be used.
func WithEventLoop(loop EventLoop) HostOption {
	return &hostOptionImpl{func(opts *hostOptions) error {
		if loop == nil {
			return fmt.Errorf("%w: nil event loop", ErrInvalidArgument)
		}
		opts.loop = loop
		return nil
	}}
}

func resolveHostOptions(opts []HostOption) (*hostOptions, error) {
	cfg := &hostOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyHost(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.clock == nil {
		cfg.clock = SystemClock()
	}
	return cfg, nil
}
