package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TriggerSource identifies where a dispatch request came from.
type TriggerSource int

const (
	SourceManual TriggerSource = iota
	SourceFault
	SourceSignal
)

func (s TriggerSource) String() string {
	switch s {
	case SourceManual:
		return "manual"
	case SourceFault:
		return "fault"
	case SourceSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Result is the outcome of one arbitrated dispatch.
type Result struct {
	ExchangeID uint64
	// Response is the reply observed for the exchange: the received bytes in
	// two-sided mode, the local buffer after the peer's write in one-sided mode.
	Response []byte
	Elapsed  time.Duration
}

// ArbiterStats counts trigger outcomes.
type ArbiterStats struct {
	Dispatched uint64
	Skipped    uint64
	Failed     uint64
}

type request struct {
	ctx     context.Context
	source  TriggerSource
	payload []byte
	queued  time.Time
	timing  *Timeline
	done    chan requestResult
}

type requestResult struct {
	res Result
	err error
}

// Arbiter serialises dispatches from independent trigger sources. A single
// goroutine owns the dispatcher; sources hand it requests over an unbuffered
// channel, so an asynchronous source that cannot hand off immediately is
// dispatching concurrently with an active exchange and is skipped.
type Arbiter struct {
	dispatcher *Dispatcher
	profiler   *Profiler
	tel        telemetry

	requests chan *request
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	closed   atomic.Bool

	// mu is held for the duration of each dispatch; busy mirrors it for
	// sources that must not block.
	mu   sync.Mutex
	busy atomic.Bool

	dispatched atomic.Uint64
	skipped    atomic.Uint64
	failed     atomic.Uint64
}

// NewArbiter returns an arbiter over dispatcher. Start launches its goroutine.
func NewArbiter(cfg Config, dispatcher *Dispatcher) *Arbiter {
	return &Arbiter{
		dispatcher: dispatcher,
		profiler:   cfg.Profiler,
		tel:        newTelemetry("arbiter", cfg),
		requests:   make(chan *request),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine. It is safe to call once.
func (a *Arbiter) Start() {
	a.once.Do(func() {
		a.wg.Add(1)
		go a.run()
	})
}

// Close stops the dispatcher goroutine after any in-flight dispatch returns.
func (a *Arbiter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(a.stopCh)
	a.wg.Wait()
	return nil
}

// Busy reports whether a dispatch is in progress.
func (a *Arbiter) Busy() bool {
	return a.busy.Load()
}

// Stats returns trigger counters.
func (a *Arbiter) Stats() ArbiterStats {
	return ArbiterStats{
		Dispatched: a.dispatched.Load(),
		Skipped:    a.skipped.Load(),
		Failed:     a.failed.Load(),
	}
}

// Trigger is the manual source: it waits for the in-flight dispatch, if any,
// then runs one exchange with payload and returns its result.
func (a *Arbiter) Trigger(ctx context.Context, payload []byte) (Result, error) {
	ctx = ensureContext(ctx)
	if a.closed.Load() {
		return Result{}, ErrClosed
	}
	if err := a.dispatcher.Err(); err != nil {
		return Result{}, err
	}
	req := &request{
		ctx:     ctx,
		source:  SourceManual,
		payload: payload,
		queued:  time.Now(),
		timing:  a.profiler.Start(),
		done:    make(chan requestResult, 1),
	}
	select {
	case a.requests <- req:
	case <-a.stopCh:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	out := <-req.done
	return out.res, out.err
}

// TryTrigger is the asynchronous source path. It never blocks: when a
// dispatch is in progress, or the dispatcher goroutine cannot take the
// request immediately, the trigger is dropped and false is returned.
func (a *Arbiter) TryTrigger(source TriggerSource, payload []byte) bool {
	if a.closed.Load() || a.dispatcher.Err() != nil {
		a.skip(source, "closed")
		return false
	}
	if a.busy.Load() {
		a.skip(source, "busy")
		return false
	}
	req := &request{
		ctx:     context.Background(),
		source:  source,
		payload: payload,
		queued:  time.Now(),
		timing:  a.profiler.Start(),
	}
	select {
	case a.requests <- req:
		return true
	default:
		a.skip(source, "busy")
		return false
	}
}

func (a *Arbiter) skip(source TriggerSource, reason string) {
	a.skipped.Add(1)
	a.tel.logEvent("trigger_skipped", logKV("source", source), logKV("reason", reason))
	a.tel.metricTriggerSkipped(logKV(labelSource, source))
}

func (a *Arbiter) run() {
	defer a.wg.Done()

	span := a.tel.startSpan("memxchg-arbiter")
	a.tel.logEvent("start")
	spanAddEvent(span, "start")
	a.tel.metricArbiterStarted()

	defer func() {
		err := a.dispatcher.Err()
		status := logKV(labelStatus, "ok")
		if err != nil {
			status = logKV(labelStatus, "error")
			spanRecordError(span, err)
		}
		a.tel.logEvent("stop", status, logKV("error", err))
		spanAddEvent(span, "stop", status)
		a.tel.metricArbiterStopped(status)
		finishSpan(span, err)
	}()

	for {
		select {
		case <-a.stopCh:
			return
		case req := <-a.requests:
			res, err := a.handle(req)
			if req.done != nil {
				req.done <- requestResult{res: res, err: err}
			}
		}
	}
}

// handle runs one dispatch in the order lock, set busy, dispatch, clear busy,
// unlock. busy is cleared even if the dispatch panics.
func (a *Arbiter) handle(req *request) (res Result, err error) {
	tl := req.timing
	a.mu.Lock()
	a.busy.Store(true)
	tl.Mark(PhaseLock)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("exchange: dispatch panicked: %v", rec)
			a.dispatcher.abandon(err)
		}
		a.busy.Store(false)
		a.mu.Unlock()
		tl.Mark(PhaseUnlock)
		if ferr := tl.Finish(); ferr != nil {
			a.tel.logEvent("profile_write_failed", logKV("error", ferr))
		}
		res.Elapsed = time.Since(start)
		if err != nil {
			a.failed.Add(1)
		} else {
			a.dispatched.Add(1)
		}
		a.tel.logEvent("dispatch",
			logKV("source", req.source),
			logKV("queue_wait", start.Sub(req.queued)),
			logKV("elapsed", res.Elapsed),
			logKV("error", err),
		)
	}()

	ctx := WithTimeline(req.ctx, tl)
	if err := a.dispatcher.Err(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	resp, err := a.dispatcher.Dispatch(ctx, req.payload)
	if err != nil {
		return Result{}, err
	}
	if x, pending := a.dispatcher.Pending(); pending {
		res.ExchangeID = x.ID
		resp, err = a.dispatcher.AwaitReply(ctx)
		if err != nil {
			return Result{}, err
		}
	} else {
		res.ExchangeID = a.dispatcher.Stats().Created
	}
	res.Response = resp
	return res, nil
}
