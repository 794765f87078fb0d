package faultq

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/memxchg/exchange"
)

// TailPolicy selects who advances the ring's tail.
type TailPolicy int

const (
	// TailAdvance makes the consumer advance tail after processing a slot.
	TailAdvance TailPolicy = iota
	// TailObserveOnly leaves tail to the producer. The consumer marks the slot
	// at tail processed and waits for the producer to move on.
	TailObserveOnly
)

func (p TailPolicy) String() string {
	if p == TailObserveOnly {
		return "observe-only"
	}
	return "advance"
}

// ParseTailPolicy converts "advance" or "observe-only" into a TailPolicy.
func ParseTailPolicy(s string) (TailPolicy, error) {
	switch s {
	case "", "advance":
		return TailAdvance, nil
	case "observe-only", "observe":
		return TailObserveOnly, nil
	default:
		return 0, fmt.Errorf("faultq: unknown tail policy %q", s)
	}
}

// Acknowledger tells the fault subsystem a reported fault was handled.
type Acknowledger interface {
	AcknowledgeFault() error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Offer hands a task to the dispatcher. It must not block; it reports
	// whether the task was accepted.
	Offer  func(Task) bool
	Ack    Acknowledger
	Policy TailPolicy
	// Yield is slept between polls; zero yields the processor only.
	Yield time.Duration

	Logger  exchange.StructuredLogger
	Metrics exchange.MetricHook
}

// ConsumerStats counts consumed slots.
type ConsumerStats struct {
	Processed uint64
	Offered   uint64
	Skipped   uint64
	AckErrors uint64
}

// Consumer is the dedicated polling loop over a Queue.
type Consumer struct {
	queue *Queue
	cfg   ConsumerConfig

	processed atomic.Uint64
	offered   atomic.Uint64
	skipped   atomic.Uint64
	ackErrors atomic.Uint64
}

// NewConsumer returns a consumer over q.
func NewConsumer(q *Queue, cfg ConsumerConfig) (*Consumer, error) {
	if q == nil {
		return nil, errors.New("faultq: queue required")
	}
	if cfg.Offer == nil {
		return nil, errors.New("faultq: offer function required")
	}
	return &Consumer{queue: q, cfg: cfg}, nil
}

// Stats returns consumption counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Processed: c.processed.Load(),
		Offered:   c.offered.Load(),
		Skipped:   c.skipped.Load(),
		AckErrors: c.ackErrors.Load(),
	}
}

// Run polls until ctx ends. It returns nil on cancellation and ErrCorrupt if
// the ring indices leave their range.
func (c *Consumer) Run(ctx context.Context) error {
	c.log("start", "policy", c.cfg.Policy.String())
	defer c.log("stop", "processed", c.processed.Load())
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := c.Step()
		if err != nil {
			c.log("corrupt", "error", err)
			return err
		}
		if !worked {
			c.yield(ctx)
		}
	}
}

// Step consumes at most one slot. It reports whether a slot was processed.
func (c *Consumer) Step() (bool, error) {
	head, tail, err := c.queue.indices()
	if err != nil {
		return false, err
	}
	if head == tail {
		return false, nil
	}
	slot := int(tail)
	if c.queue.Processed(slot) {
		if c.cfg.Policy == TailAdvance {
			c.queue.setTail((tail + 1) % Capacity)
			return true, nil
		}
		return false, nil
	}

	task := Task{Slot: slot, FaultVA: c.queue.FaultVA(slot)}
	if task.FaultVA == 0 {
		c.log("invalid_address", "slot", slot)
	}
	status := "offered"
	if c.cfg.Offer(task) {
		c.offered.Add(1)
	} else {
		c.skipped.Add(1)
		status = "skipped"
	}
	c.queue.markProcessed(slot)
	if c.cfg.Policy == TailAdvance {
		c.queue.setTail((tail + 1) % Capacity)
	}
	c.processed.Add(1)
	c.log("processed", "slot", slot, "fault_va", fmt.Sprintf("0x%x", task.FaultVA), "status", status)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.FaultProcessed(map[string]string{"status": status})
	}
	c.acknowledge()
	return true, nil
}

func (c *Consumer) acknowledge() {
	if c.cfg.Ack == nil {
		return
	}
	err := c.cfg.Ack.AcknowledgeFault()
	if err == nil {
		return
	}
	var ext *exchange.ExternalSubsystemError
	if !errors.As(err, &ext) {
		err = &exchange.ExternalSubsystemError{Call: "acknowledge_fault", Err: err}
	}
	c.ackErrors.Add(1)
	c.log("ack_failed", "error", err)
}

func (c *Consumer) yield(ctx context.Context) {
	if c.cfg.Yield <= 0 {
		runtime.Gosched()
		return
	}
	timer := time.NewTimer(c.cfg.Yield)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Consumer) log(event string, kv ...any) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Debugw("memxchg faultq", append([]any{"event", event}, kv...)...)
}
