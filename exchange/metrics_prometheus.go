package exchange

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	// Buckets for the phase histogram, in seconds. Defaults cover 1µs to ~1s.
	Buckets []float64
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters and a
// phase latency histogram.
type PrometheusMetrics struct {
	arbiterStarted    *prometheus.CounterVec
	arbiterStopped    *prometheus.CounterVec
	exchangeCompleted *prometheus.CounterVec
	exchangeFailed    *prometheus.CounterVec
	triggerSkipped    *prometheus.CounterVec
	completionError   *prometheus.CounterVec
	faultProcessed    *prometheus.CounterVec
	phaseSeconds      *prometheus.HistogramVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus collectors.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.ExponentialBuckets(1e-6, 4, 11)
	}

	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		arbiterStarted:    counter("memxchg_arbiter_started_total", "Number of times the arbiter loop started", baseLabelKeys),
		arbiterStopped:    counter("memxchg_arbiter_stopped_total", "Number of times the arbiter loop stopped", statusLabelKeys),
		exchangeCompleted: counter("memxchg_exchange_completed_total", "Number of exchanges that completed", statusLabelKeys),
		exchangeFailed:    counter("memxchg_exchange_failed_total", "Number of exchanges that failed", baseLabelKeys),
		triggerSkipped:    counter("memxchg_trigger_skipped_total", "Number of asynchronous triggers dropped while a dispatch was in progress", sourceLabelKeys),
		completionError:   counter("memxchg_completion_errors_total", "Number of completion wait errors", completionErrorLabelKeys),
		faultProcessed:    counter("memxchg_fault_processed_total", "Number of fault queue entries consumed", statusLabelKeys),
		phaseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "memxchg_phase_seconds",
			Help:        "Duration of profiled dispatch phases",
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}, phaseLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{
		&p.arbiterStarted,
		&p.arbiterStopped,
		&p.exchangeCompleted,
		&p.exchangeFailed,
		&p.triggerSkipped,
		&p.completionError,
		&p.faultProcessed,
	} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	if err := reg.Register(p.phaseSeconds); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		p.phaseSeconds = existing
	}
	return p, nil
}

var (
	baseLabelKeys            = []string{labelMode, labelSession}
	statusLabelKeys          = []string{labelMode, labelSession, labelStatus}
	sourceLabelKeys          = []string{labelMode, labelSession, labelSource}
	completionErrorLabelKeys = []string{labelMode, labelSession, labelKind, labelOpcode}
	phaseLabelKeys           = []string{labelMode, labelSession, labelPhase}
)

func (p *PrometheusMetrics) ArbiterStarted(attrs map[string]string) {
	p.arbiterStarted.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ArbiterStopped(attrs map[string]string) {
	p.arbiterStopped.With(labels(attrs, statusLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ExchangeCompleted(attrs map[string]string) {
	p.exchangeCompleted.With(labels(attrs, statusLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ExchangeFailed(_ error, attrs map[string]string) {
	p.exchangeFailed.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TriggerSkipped(attrs map[string]string) {
	p.triggerSkipped.With(labels(attrs, sourceLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, completionErrorLabelKeys...)
	labs[labelKind] = kind
	p.completionError.With(labs).Inc()
}

func (p *PrometheusMetrics) FaultProcessed(attrs map[string]string) {
	p.faultProcessed.With(labels(attrs, statusLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) PhaseObserved(phase string, d time.Duration, attrs map[string]string) {
	labs := labels(attrs, phaseLabelKeys...)
	labs[labelPhase] = phase
	p.phaseSeconds.With(labs).Observe(d.Seconds())
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
