package exchange

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry instruments.
type OTelMetrics struct {
	meter             metric.Meter
	arbiterStarted    metric.Int64Counter
	arbiterStopped    metric.Int64Counter
	exchangeCompleted metric.Int64Counter
	exchangeFailed    metric.Int64Counter
	triggerSkipped    metric.Int64Counter
	completionError   metric.Int64Counter
	faultProcessed    metric.Int64Counter
	phaseDuration     metric.Float64Histogram
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/memxchg/exchange"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.arbiterStarted, "memxchg.arbiter.started"},
		{&o.arbiterStopped, "memxchg.arbiter.stopped"},
		{&o.exchangeCompleted, "memxchg.exchange.completed"},
		{&o.exchangeFailed, "memxchg.exchange.failed"},
		{&o.triggerSkipped, "memxchg.trigger.skipped"},
		{&o.completionError, "memxchg.completion.errors"},
		{&o.faultProcessed, "memxchg.fault.processed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	phase, err := meter.Float64Histogram("memxchg.phase.duration", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	o.phaseDuration = phase
	return o, nil
}

// ArbiterStarted records that the arbiter loop has started.
func (o *OTelMetrics) ArbiterStarted(attrs map[string]string) {
	o.arbiterStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ArbiterStopped records that the arbiter loop has exited.
func (o *OTelMetrics) ArbiterStopped(attrs map[string]string) {
	o.arbiterStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelStatus)...))
}

// ExchangeCompleted records a finished exchange.
func (o *OTelMetrics) ExchangeCompleted(attrs map[string]string) {
	o.exchangeCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelStatus)...))
}

// ExchangeFailed records a failed exchange.
func (o *OTelMetrics) ExchangeFailed(_ error, attrs map[string]string) {
	o.exchangeFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// TriggerSkipped records an asynchronous trigger dropped by the arbiter.
func (o *OTelMetrics) TriggerSkipped(attrs map[string]string) {
	o.triggerSkipped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelSource)...))
}

// CompletionError counts completion wait errors by kind.
func (o *OTelMetrics) CompletionError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs, labelOpcode), attribute.String(labelKind, kind))
	o.completionError.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// FaultProcessed counts consumed fault queue entries.
func (o *OTelMetrics) FaultProcessed(attrs map[string]string) {
	o.faultProcessed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelStatus)...))
}

// PhaseObserved records one profiled phase duration.
func (o *OTelMetrics) PhaseObserved(phase string, d time.Duration, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelPhase, phase))
	o.phaseDuration.Record(context.Background(), d.Seconds(), metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string, optional ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{attribute.String(labelMode, attrs[labelMode])}
	if v := attrs[labelSession]; v != "" {
		kvs = append(kvs, attribute.String(labelSession, v))
	}
	for _, key := range optional {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
