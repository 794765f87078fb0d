package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
)

// Phase names a profiled segment of a dispatch.
type Phase string

const (
	PhaseLock     Phase = "lock_time"
	PhasePostSend Phase = "ps_time"
	PhaseWaitSend Phase = "ws_time"
	PhasePostRecv Phase = "pr_time"
	PhaseWaitRecv Phase = "wr_time"
	PhaseUnlock   Phase = "unlock_time"
	PhaseTotal    Phase = "total_time"
)

// Profiler appends per-dispatch phase durations to a sink as "name value"
// lines, values in nanoseconds, total_time first. A nil *Profiler records
// nothing.
type Profiler struct {
	mu   sync.Mutex
	sink io.Writer
	tel  telemetry
	now  func() time.Time
}

// NewProfiler returns a profiler writing to sink. Phase durations are also
// reported to metrics when non-nil.
func NewProfiler(sink io.Writer, metrics MetricHook) *Profiler {
	return &Profiler{
		sink: sink,
		tel:  telemetry{component: "profiler", metrics: metrics},
		now:  time.Now,
	}
}

// Start begins a timeline for one dispatch.
func (p *Profiler) Start() *Timeline {
	if p == nil {
		return nil
	}
	start := p.now()
	return &Timeline{profiler: p, start: start, last: start}
}

// Close closes the sink when it implements io.Closer.
func (p *Profiler) Close() error {
	if p == nil {
		return nil
	}
	if closer, ok := p.sink.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (p *Profiler) write(t *Timeline, total time.Duration) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d\n", PhaseTotal, total.Nanoseconds())
	p.tel.metricPhase(PhaseTotal, total)
	for _, m := range t.marks {
		fmt.Fprintf(&buf, "%s %d\n", m.phase, m.d.Nanoseconds())
		p.tel.metricPhase(m.phase, m.d)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink == nil {
		return nil
	}
	_, err := p.sink.Write(buf.Bytes())
	return err
}

type phaseMark struct {
	phase Phase
	d     time.Duration
}

// Timeline collects phase marks for one dispatch. Methods are nil-safe.
type Timeline struct {
	profiler *Profiler
	start    time.Time
	last     time.Time
	marks    []phaseMark
	done     bool
}

// Mark records the time elapsed since the previous mark as phase.
func (t *Timeline) Mark(phase Phase) {
	if t == nil || t.done {
		return
	}
	now := t.profiler.now()
	t.marks = append(t.marks, phaseMark{phase: phase, d: now.Sub(t.last)})
	t.last = now
}

// Durations returns the recorded marks in order.
func (t *Timeline) Durations() map[Phase]time.Duration {
	if t == nil {
		return nil
	}
	out := make(map[Phase]time.Duration, len(t.marks))
	for _, m := range t.marks {
		out[m.phase] += m.d
	}
	return out
}

// Finish writes the timeline to the profiler sink. Later calls are no-ops.
func (t *Timeline) Finish() error {
	if t == nil || t.done {
		return nil
	}
	t.done = true
	return t.profiler.write(t, t.profiler.now().Sub(t.start))
}

type timelineKey struct{}

// WithTimeline attaches t to ctx so the dispatcher can mark its phases.
func WithTimeline(ctx context.Context, t *Timeline) context.Context {
	if t == nil {
		return ctx
	}
	return context.WithValue(ctx, timelineKey{}, t)
}

func timelineFrom(ctx context.Context) *Timeline {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(timelineKey{}).(*Timeline)
	return t
}

// ProfileLog is an append-only file sink. Each record is written under an
// advisory lock on path+".lock" so processes on one host may share the file.
type ProfileLog struct {
	file *os.File
	lock *flock.Flock
}

// OpenProfileLog opens (or creates) path for appending.
func OpenProfileLog(path string) (*ProfileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open profile log: %w", err)
	}
	return &ProfileLog{file: f, lock: flock.New(path + ".lock")}, nil
}

// Write appends p as a single record.
func (l *ProfileLog) Write(p []byte) (int, error) {
	if err := l.lock.Lock(); err != nil {
		return 0, fmt.Errorf("lock profile log: %w", err)
	}
	n, err := l.file.Write(p)
	if uerr := l.lock.Unlock(); err == nil && uerr != nil {
		err = uerr
	}
	return n, err
}

// Close closes the file and releases the lock handle.
func (l *ProfileLog) Close() error {
	return multierr.Combine(l.file.Close(), l.lock.Close())
}
