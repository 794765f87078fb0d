package exchange

import (
	"fmt"
	"strings"
	"time"
)

// Logger provides debug logging hooks. *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute is a key/value pair attached to spans and span events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans around exchanges and dispatcher lifetimes.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle, events and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures engine telemetry events.
type MetricHook interface {
	ArbiterStarted(attrs map[string]string)
	ArbiterStopped(attrs map[string]string)
	ExchangeCompleted(attrs map[string]string)
	ExchangeFailed(err error, attrs map[string]string)
	TriggerSkipped(attrs map[string]string)
	CompletionError(kind string, err error, attrs map[string]string)
	FaultProcessed(attrs map[string]string)
	PhaseObserved(phase string, d time.Duration, attrs map[string]string)
}

const (
	labelSession = "session"
	labelMode    = "mode"
	labelSource  = "source"
	labelKind    = "kind"
	labelOpcode  = "opcode"
	labelStatus  = "status"
	labelPhase   = "phase"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// telemetry bundles the optional observability hooks shared by the engine's
// components. The zero value discards everything.
type telemetry struct {
	component  string
	session    string
	mode       DispatchMode
	logger     Logger
	structured StructuredLogger
	tracer     Tracer
	metrics    MetricHook
}

func newTelemetry(component string, cfg Config) telemetry {
	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}
	return telemetry{
		component:  component,
		mode:       cfg.Mode,
		logger:     cfg.Logger,
		structured: structured,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
	}
}

func (t telemetry) withSession(id string) telemetry {
	t.session = id
	return t
}

func (t telemetry) logEvent(event string, fields ...logField) {
	if t.structured != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event)
		if t.session != "" {
			kv = append(kv, labelSession, t.session)
		}
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		t.structured.Debugw("memxchg "+t.component, kv...)
		return
	}
	if t.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	t.logger.Debugf("%s %s", t.component, b.String())
}

func (t telemetry) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelMode] = t.mode.String()
	if t.session != "" {
		attrs[labelSession] = t.session
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (t telemetry) startSpan(name string, fields ...logField) Span {
	if t.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: t.component},
		{Key: labelMode, Value: t.mode.String()},
	}
	if t.session != "" {
		attrs = append(attrs, TraceAttribute{Key: labelSession, Value: t.session})
	}
	attrs = append(attrs, attributesFromFields(fields...)...)
	return t.tracer.StartSpan(name, attrs...)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func (t telemetry) metricArbiterStarted(fields ...logField) {
	if t.metrics == nil {
		return
	}
	t.metrics.ArbiterStarted(t.metricAttrs(fields...))
}

func (t telemetry) metricArbiterStopped(fields ...logField) {
	if t.metrics == nil {
		return
	}
	t.metrics.ArbiterStopped(t.metricAttrs(fields...))
}

func (t telemetry) metricExchangeCompleted(fields ...logField) {
	if t.metrics == nil {
		return
	}
	t.metrics.ExchangeCompleted(t.metricAttrs(fields...))
}

func (t telemetry) metricExchangeFailed(err error, fields ...logField) {
	if t.metrics == nil {
		return
	}
	t.metrics.ExchangeFailed(err, t.metricAttrs(fields...))
}

func (t telemetry) metricTriggerSkipped(fields ...logField) {
	if t.metrics == nil {
		return
	}
	t.metrics.TriggerSkipped(t.metricAttrs(fields...))
}

func (t telemetry) metricCompletionError(kind string, err error, fields ...logField) {
	if t.metrics == nil {
		return
	}
	t.metrics.CompletionError(kind, err, t.metricAttrs(fields...))
}

func (t telemetry) metricPhase(phase Phase, d time.Duration) {
	if t.metrics == nil {
		return
	}
	t.metrics.PhaseObserved(string(phase), d, t.metricAttrs(logKV(labelPhase, string(phase))))
}
