package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func emitAll(hook MetricHook) {
	base := map[string]string{labelMode: "two-sided", labelSession: "s1"}
	withStatus := map[string]string{labelMode: "two-sided", labelSession: "s1", labelStatus: "ok"}
	hook.ArbiterStarted(base)
	hook.ArbiterStopped(withStatus)
	hook.ExchangeCompleted(withStatus)
	hook.ExchangeFailed(errors.New("boom"), base)
	hook.TriggerSkipped(map[string]string{labelMode: "two-sided", labelSession: "s1", labelSource: "fault"})
	hook.CompletionError("timeout", ErrTimeout, base)
	hook.FaultProcessed(withStatus)
	hook.PhaseObserved("ws_time", 3*time.Microsecond, base)
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	require.NoError(t, err)
	emitAll(metrics)

	again, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	require.NoError(t, err)
	again.ArbiterStarted(map[string]string{labelMode: "two-sided", labelSession: "s1"})

	mfs, err := reg.Gather()
	require.NoError(t, err)

	cases := map[string]float64{
		"memxchg_arbiter_started_total":    2,
		"memxchg_arbiter_stopped_total":    1,
		"memxchg_exchange_completed_total": 1,
		"memxchg_exchange_failed_total":    1,
		"memxchg_trigger_skipped_total":    1,
		"memxchg_completion_errors_total":  1,
		"memxchg_fault_processed_total":    1,
	}
	for name, want := range cases {
		require.Equal(t, want, findCounterValue(mfs, name), name)
	}
	require.Equal(t, uint64(1), findHistogramCount(mfs, "memxchg_phase_seconds"))
}

func TestOTelMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	require.NoError(t, err)
	emitAll(metrics)

	ctx := context.Background()
	require.NoError(t, provider.ForceFlush(ctx))
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	for _, name := range []string{
		"memxchg.arbiter.started",
		"memxchg.arbiter.stopped",
		"memxchg.exchange.completed",
		"memxchg.exchange.failed",
		"memxchg.trigger.skipped",
		"memxchg.completion.errors",
		"memxchg.fault.processed",
	} {
		require.Equal(t, float64(1), otelCounterValue(rm, name), name)
	}
	require.Equal(t, uint64(1), otelHistogramCount(rm, "memxchg.phase.duration"))
	require.NoError(t, provider.Shutdown(ctx))
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func findHistogramCount(mfs []*dto.MetricFamily, name string) uint64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var n uint64
		for _, m := range mf.Metric {
			n += m.GetHistogram().GetSampleCount()
		}
		return n
	}
	return 0
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}

func otelHistogramCount(rm metricdata.ResourceMetrics, name string) uint64 {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if data, ok := m.Data.(metricdata.Histogram[float64]); ok {
				var n uint64
				for _, dp := range data.DataPoints {
					n += dp.Count
				}
				return n
			}
		}
	}
	return 0
}
