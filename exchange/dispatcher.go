package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Direction records how the request half of an exchange leaves this side.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionWrite
)

func (d Direction) String() string {
	if d == DirectionWrite {
		return "write"
	}
	return "send"
}

// PendingExchange is the single outstanding exchange of a connection.
type PendingExchange struct {
	ID        uint64
	Tag       uint64
	Direction Direction
	StartedAt time.Time
}

// DispatchStats counts exchange lifecycles. Created always equals Completed
// plus Failed once no exchange is pending.
type DispatchStats struct {
	Created   uint64
	Completed uint64
	Failed    uint64
}

// Handler produces the reply for a request received by the responder side.
type Handler func(request []byte) []byte

type tagKind uint64

const (
	tagSend tagKind = iota + 1
	tagRecv
	tagWrite
)

func makeTag(id uint64, kind tagKind) uint64 {
	return id<<2 | uint64(kind)
}

// Dispatcher runs one exchange at a time over a transport using the strategy
// selected by the configured DispatchMode. Callers serialise Dispatch; the
// Arbiter does so for sessions.
type Dispatcher struct {
	transport Transport
	registry  *Registry
	poller    *Poller
	strategy  Strategy
	signal    uint32
	tel       telemetry

	mu          sync.Mutex
	pending     *PendingExchange
	pendingSpan Span
	nextID      atomic.Uint64
	failure     atomic.Pointer[errorHolder]

	created   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher constructs a dispatcher for the registry's local region.
func NewDispatcher(cfg Config, registry *Registry, transport Transport) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil || transport == nil {
		return nil, errors.New("exchange: dispatcher requires registry and transport")
	}
	tel := newTelemetry("dispatcher", cfg)
	poller := NewPoller(transport, cfg.CompletionTimeout)
	poller.tel = newTelemetry("poller", cfg)
	return &Dispatcher{
		transport: transport,
		registry:  registry,
		poller:    poller,
		strategy:  strategyFor(cfg.Mode),
		signal:    cfg.Signal,
		tel:       tel,
	}, nil
}

func (d *Dispatcher) setSession(id string) {
	d.tel = d.tel.withSession(id)
	d.poller.tel = d.poller.tel.withSession(id)
}

// Mode reports the dispatch mode.
func (d *Dispatcher) Mode() DispatchMode {
	return d.strategy.Mode()
}

// Poller exposes the completion poller.
func (d *Dispatcher) Poller() *Poller {
	return d.poller
}

// Pending returns the outstanding exchange, if any.
func (d *Dispatcher) Pending() (PendingExchange, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return PendingExchange{}, false
	}
	return *d.pending, true
}

// Err returns the error that latched the dispatcher, if any.
func (d *Dispatcher) Err() error {
	if holder := d.failure.Load(); holder != nil {
		return holder.err
	}
	return nil
}

// Stats returns exchange counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Created:   d.created.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
	}
}

// Dispatch places payload at the front of the local buffer and runs the
// request half of an exchange. In two-sided mode the returned slice is the
// reply. In one-sided mode Dispatch returns once the local write completed
// and the exchange stays pending until AwaitReply.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) ([]byte, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	region := d.registry.Local()
	if region == nil {
		return nil, ErrNotRegistered
	}
	if len(payload) > region.Length {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), region.Length)
	}

	dir := d.strategy.Direction()
	kind := tagSend
	if dir == DirectionWrite {
		kind = tagWrite
	}
	x, span, err := d.begin(dir, kind)
	if err != nil {
		return nil, err
	}
	copy(region.Bytes(), payload)
	resp, done, err := d.strategy.Request(ensureContext(ctx), d, x, region, len(payload))
	if err != nil {
		err = abandoned(err)
		d.fail(x, span, err)
		return nil, err
	}
	if done {
		d.complete(x, span, len(resp))
	}
	return resp, nil
}

// AwaitReply waits for the peer's reply to a one-sided exchange and completes
// it. It returns nil when no exchange is pending.
func (d *Dispatcher) AwaitReply(ctx context.Context) ([]byte, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.pending == nil {
		d.mu.Unlock()
		return nil, nil
	}
	x, span := *d.pending, d.pendingSpan
	d.mu.Unlock()

	resp, err := d.strategy.AwaitReply(ensureContext(ctx), d, x, d.registry.Local())
	if err != nil {
		err = abandoned(err)
		d.fail(x, span, err)
		return nil, err
	}
	d.complete(x, span, len(resp))
	return resp, nil
}

// Respond serves a single request from the peer with handler.
func (d *Dispatcher) Respond(ctx context.Context, handler Handler) error {
	if err := d.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("exchange: handler required")
	}
	region := d.registry.Local()
	if region == nil {
		return ErrNotRegistered
	}
	return d.strategy.Respond(ensureContext(ctx), d, region, handler)
}

func (d *Dispatcher) begin(dir Direction, kind tagKind) (PendingExchange, Span, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		return PendingExchange{}, nil, ErrExchangePending
	}
	id := d.nextID.Add(1)
	x := PendingExchange{ID: id, Tag: makeTag(id, kind), Direction: dir, StartedAt: time.Now()}
	d.pending = &x
	d.created.Add(1)
	span := d.tel.startSpan("memxchg-exchange", logKV("exchange_id", id), logKV("direction", dir))
	d.pendingSpan = span
	d.tel.logEvent("exchange_start", logKV("exchange_id", id), logKV("direction", dir))
	return x, span, nil
}

func (d *Dispatcher) complete(x PendingExchange, span Span, length int) {
	d.mu.Lock()
	if d.pending != nil && d.pending.ID == x.ID {
		d.pending = nil
		d.pendingSpan = nil
	}
	d.mu.Unlock()
	d.completed.Add(1)
	fields := []logField{
		logKV("exchange_id", x.ID),
		logKV("direction", x.Direction),
		logKV("length", length),
		logKV("elapsed", time.Since(x.StartedAt)),
	}
	d.tel.logEvent("exchange_complete", fields...)
	spanAddEvent(span, "exchange_complete", fields...)
	d.tel.metricExchangeCompleted(logKV(labelStatus, "ok"))
	finishSpan(span, nil)
}

func (d *Dispatcher) fail(x PendingExchange, span Span, err error) {
	d.mu.Lock()
	if d.pending != nil && d.pending.ID == x.ID {
		d.pending = nil
		d.pendingSpan = nil
	}
	d.mu.Unlock()
	d.failed.Add(1)
	d.latch(err)
	fields := []logField{logKV("exchange_id", x.ID), logKV("direction", x.Direction), logKV("error", err)}
	d.tel.logEvent("exchange_failed", fields...)
	spanRecordError(span, err)
	d.tel.metricExchangeFailed(err, logKV(labelStatus, "error"))
	finishSpan(span, err)
}

// abandon fails the pending exchange, if any, with err.
func (d *Dispatcher) abandon(err error) {
	d.mu.Lock()
	x, span, pending := d.pending, d.pendingSpan, d.pending != nil
	d.mu.Unlock()
	if !pending {
		d.latch(err)
		return
	}
	d.fail(*x, span, err)
}

// latch records the first fatal error; later operations return it.
func (d *Dispatcher) latch(err error) {
	if !IsFatal(err) {
		return
	}
	d.failure.CompareAndSwap(nil, &errorHolder{err: err})
}

// abandoned marks a context error raised while posted work is outstanding, so
// that it latches the dispatcher like any other lost completion.
func abandoned(err error) error {
	if errors.Is(err, ErrAbandoned) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAbandoned, err)
	}
	return err
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
