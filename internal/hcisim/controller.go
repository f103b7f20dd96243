// Package hcisim simulates a host controller on the far side of a raw
// transport: commands go in, completion events come back asynchronously,
// in batches, from a goroutine of its own.
package hcisim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the type of an event packet.
type Kind uint8

const (
	// KindCommandComplete acknowledges a command.
	KindCommandComplete Kind = iota + 1
	// KindConnected reports a new connection.
	KindConnected
	// KindDisconnected reports a closed connection.
	KindDisconnected
	// KindReport is an unsolicited report, such as an advertisement.
	KindReport
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindCommandComplete:
		return "CommandComplete"
	case KindConnected:
		return "Connected"
	case KindDisconnected:
		return "Disconnected"
	case KindReport:
		return "Report"
	default:
		return "Unknown"
	}
}

// Packet is an event delivered by the controller.
type Packet struct {
	Kind   Kind
	Opcode uint16
	Handle uint16
	Status uint8
	Seq    uint64
}

// ConnectionFirst orders connection events before everything else, so a
// batch holding both a connect and the matching disconnect is delivered in
// a consistent order. For use as a stable sort predicate.
func ConnectionFirst(a, b Packet) bool {
	return a.Kind == KindConnected && b.Kind != KindConnected
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("hcisim: controller closed")

// Config configures a Controller.
type Config struct {
	// Status, if set, determines the status of each command's completion.
	Status func(opcode uint16) uint8

	// Latency is added before each batch of responses is sent.
	Latency time.Duration

	// FlushInterval is how long the first command of a batch waits for
	// others. Defaults to 1ms. A negative value responds immediately.
	FlushInterval time.Duration

	// MaxBatch bounds the commands answered per batch. Defaults to 16.
	MaxBatch int
}

// Controller is a simulated controller. Responses are passed to deliver,
// which must not block (a transport's Push, typically).
type Controller struct {
	deliver       func(Packet) bool
	status        func(opcode uint16) uint8
	cmds          chan Packet
	stop          chan struct{}
	done          chan struct{}
	stopOnce      sync.Once
	seq           atomic.Uint64
	dropped       atomic.Uint64
	latency       time.Duration
	flushInterval time.Duration
	maxBatch      int
}

// New starts a controller.
func New(cfg *Config, deliver func(Packet) bool) *Controller {
	if deliver == nil {
		panic(`hcisim: nil deliver`)
	}
	c := &Controller{
		deliver:       deliver,
		cmds:          make(chan Packet, 64),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		flushInterval: time.Millisecond,
		maxBatch:      16,
	}
	if cfg != nil {
		c.status = cfg.Status
		c.latency = cfg.Latency
		if cfg.FlushInterval != 0 {
			c.flushInterval = cfg.FlushInterval
		}
		if cfg.MaxBatch > 0 {
			c.maxBatch = cfg.MaxBatch
		}
	}
	go c.run()
	return c
}

// Send queues a command. The matching completion event is delivered later.
func (c *Controller) Send(ctx context.Context, opcode uint16) error {
	return c.enqueue(ctx, Packet{Kind: KindCommandComplete, Opcode: opcode})
}

// Inject queues an unsolicited event, delivered in order with command
// completions.
func (c *Controller) Inject(ctx context.Context, p Packet) error {
	return c.enqueue(ctx, p)
}

func (c *Controller) enqueue(ctx context.Context, p Packet) error {
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrClosed
	case c.cmds <- p:
		return nil
	}
}

// Sent returns the number of events delivered.
func (c *Controller) Sent() uint64 { return c.seq.Load() }

// Dropped returns the number of events rejected by deliver.
func (c *Controller) Dropped() uint64 { return c.dropped.Load() }

// Close stops the controller, discarding queued commands.
func (c *Controller) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

func (c *Controller) run() {
	defer close(c.done)

	var (
		batch   []Packet
		flushCh <-chan time.Time
		timer   *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	flush := func() bool {
		flushCh = nil
		if len(batch) == 0 {
			return true
		}
		if c.latency > 0 {
			t := time.NewTimer(c.latency)
			select {
			case <-c.stop:
				t.Stop()
				return false
			case <-t.C:
			}
		}
		for _, p := range batch {
			if p.Kind == KindCommandComplete && c.status != nil {
				p.Status = c.status(p.Opcode)
			}
			p.Seq = c.seq.Add(1)
			if !c.deliver(p) {
				c.dropped.Add(1)
			}
		}
		batch = batch[:0]
		return true
	}

	for {
		select {
		case <-c.stop:
			return

		case <-flushCh:
			if !flush() {
				return
			}

		case p := <-c.cmds:
			batch = append(batch, p)
			switch {
			case len(batch) >= c.maxBatch || c.flushInterval < 0:
				if !flush() {
					return
				}
			case len(batch) == 1:
				// first command, start the flush timer
				if timer == nil {
					timer = time.NewTimer(c.flushInterval)
				} else {
					timer.Reset(c.flushInterval)
				}
				flushCh = timer.C
			}
		}
	}
}
