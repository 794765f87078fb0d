package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Poller drains a transport's completion queue one entry at a time.
type Poller struct {
	transport Transport
	timeout   time.Duration
	tel       telemetry
}

// NewPoller returns a poller waiting at most timeout per completion. A
// timeout that is not positive waits until the context ends; Config.Validate
// turns a zero CompletionTimeout into DefaultCompletionTimeout first.
func NewPoller(transport Transport, timeout time.Duration) *Poller {
	return &Poller{transport: transport, timeout: timeout, tel: telemetry{component: "poller"}}
}

// PollOne blocks until one completion is available and classifies it. A
// non-success status is returned as *CompletionFailure.
func (p *Poller) PollOne(ctx context.Context) (Completion, error) {
	return p.poll(ctx, p.timeout)
}

func (p *Poller) poll(ctx context.Context, timeout time.Duration) (Completion, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}
		wait := time.Duration(-1)
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				p.tel.metricCompletionError("timeout", ErrTimeout)
				return Completion{}, ErrTimeout
			}
		}
		c, err := p.transport.WaitCompletion(ctx, wait)
		if err != nil {
			if errors.Is(err, ErrNoCompletion) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Completion{}, ctxErr
			}
			p.tel.metricCompletionError("cq_read_error", err)
			return Completion{}, fmt.Errorf("completion wait: %w", err)
		}
		if c.Failed() {
			cause := c.Err
			if cause == nil {
				cause = fmt.Errorf("status %d", c.Status)
			}
			failure := &CompletionFailure{Opcode: c.Opcode, Tag: c.Tag, Status: c.Status, Err: cause}
			p.tel.logEvent("completion_error", logKV("opcode", c.Opcode), logKV("tag", c.Tag), logKV("status", c.Status), logKV("error", cause))
			p.tel.metricCompletionError("status", failure, logKV(labelOpcode, c.Opcode))
			return c, failure
		}
		p.tel.logEvent("completion", logKV("opcode", c.Opcode), logKV("tag", c.Tag), logKV("length", c.Length))
		return c, nil
	}
}

// Expect polls one completion and checks that it carries tag and op.
func (p *Poller) Expect(ctx context.Context, tag uint64, op Opcode) (Completion, error) {
	return p.expect(ctx, tag, op, p.timeout)
}

func (p *Poller) expect(ctx context.Context, tag uint64, op Opcode, timeout time.Duration) (Completion, error) {
	c, err := p.poll(ctx, timeout)
	if err != nil {
		return c, err
	}
	if c.Tag != tag || c.Opcode != op {
		failure := &CompletionFailure{
			Opcode: c.Opcode,
			Tag:    c.Tag,
			Err:    fmt.Errorf("%w: want %s tag=%d", ErrUnmatchedCompletion, op, tag),
		}
		p.tel.metricCompletionError("unmatched", failure, logKV(labelOpcode, c.Opcode))
		return c, failure
	}
	return c, nil
}
