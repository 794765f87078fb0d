package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakePost struct {
	op     Opcode
	tag    uint64
	length int
	signal uint32
}

// fakeTransport records posts and hands out completions pushed by the test
// or produced by onPost.
type fakeTransport struct {
	mu     sync.Mutex
	posts  []fakePost
	cq     chan Completion
	onPost func(*fakeTransport, fakePost)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{cq: make(chan Completion, 64)}
}

// autoComplete completes every post successfully. Receives report length.
func autoComplete(length int) func(*fakeTransport, fakePost) {
	return func(f *fakeTransport, p fakePost) {
		c := Completion{Tag: p.tag, Opcode: p.op, Length: p.length}
		if p.op == OpRecv {
			c.Length = length
		}
		f.cq <- c
	}
}

func (f *fakeTransport) record(p fakePost) error {
	f.mu.Lock()
	f.posts = append(f.posts, p)
	hook := f.onPost
	f.mu.Unlock()
	if hook != nil {
		hook(f, p)
	}
	return nil
}

func (f *fakeTransport) Posts() []fakePost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakePost(nil), f.posts...)
}

func (f *fakeTransport) PostSend(tag uint64, _ *MemoryRegion, length int) error {
	return f.record(fakePost{op: OpSend, tag: tag, length: length})
}

func (f *fakeTransport) PostRecv(tag uint64, _ *MemoryRegion, length int) error {
	return f.record(fakePost{op: OpRecv, tag: tag, length: length})
}

func (f *fakeTransport) PostWriteSignal(tag uint64, _ *MemoryRegion, length int, _ PeerDescriptor, signal uint32) error {
	return f.record(fakePost{op: OpWrite, tag: tag, length: length, signal: signal})
}

func (f *fakeTransport) WaitCompletion(ctx context.Context, timeout time.Duration) (Completion, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case c := <-f.cq:
		return c, nil
	case <-expired:
		return Completion{}, ErrNoCompletion
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

type fakeRegistrar struct {
	err error
}

func (r fakeRegistrar) RegisterMemory(buf []byte) (*MemoryRegion, error) {
	if r.err != nil {
		return nil, r.err
	}
	return NewMemoryRegion(buf, 7, 7, nil), nil
}

func newTestRegistry(t *testing.T, size int) *Registry {
	t.Helper()
	reg := NewRegistry(LayoutCompact)
	_, err := reg.RegisterLocal(fakeRegistrar{}, make([]byte, size))
	require.NoError(t, err)
	return reg
}

func newTestSession(t *testing.T, cfg Config, transport Transport) *Session {
	t.Helper()
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 4096
	}
	s, err := NewSession(cfg, newTestRegistry(t, cfg.BufferSize), transport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	return tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder)), recorder
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

func spanHasEvent(recorder *tracetest.SpanRecorder, spanName, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != spanName {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

// metricRecorder is an in-memory MetricHook.
type metricRecorder struct {
	mu        sync.Mutex
	started   int
	stopped   int
	completed int
	failed    int
	skipped   []string
	cqErrors  []string
	faults    int
	phases    map[string]int
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{phases: make(map[string]int)}
}

func (m *metricRecorder) ArbiterStarted(map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *metricRecorder) ArbiterStopped(map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
}

func (m *metricRecorder) ExchangeCompleted(map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *metricRecorder) ExchangeFailed(error, map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *metricRecorder) TriggerSkipped(attrs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped = append(m.skipped, attrs[labelSource])
}

func (m *metricRecorder) CompletionError(kind string, _ error, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cqErrors = append(m.cqErrors, kind)
}

func (m *metricRecorder) FaultProcessed(map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults++
}

func (m *metricRecorder) PhaseObserved(phase string, _ time.Duration, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases[phase]++
}
