package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestProviderRecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p, err := NewWithProviders(tracenoop.NewTracerProvider(), mp)
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordSubmission(ctx, "ingest_file", OutcomeAccepted, "")
	p.RecordSubmission(ctx, "ingest_file", OutcomeDeduplicated, "")
	p.RecordSubmission(ctx, "ingest_file", OutcomeRejected, "INVALID_PARAMETERS")
	_, done := p.StartExecution(ctx, "exec-1", "ingest_file")
	done("COMPLETED", "")
	_, done = p.StartExecution(ctx, "exec-2", "ingest_file")
	done("FAILED", "ADAPTER_TIMEOUT")
	p.RecordSweep(ctx, "timeout", 2)
	p.RecordSweep(ctx, "requeue", 0)

	metrics := collect(t, reader)
	assert.Equal(t, int64(3), sumOf(t, metrics["intentline.submissions"]))
	assert.Equal(t, int64(2), sumOf(t, metrics["intentline.executions.terminal"]))
	assert.Equal(t, int64(2), sumOf(t, metrics["intentline.sweeper.actions"]))
	assert.Equal(t, int64(0), sumOf(t, metrics["intentline.executions.running"]))

	hist, ok := metrics["intentline.execution.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	ctx := context.Background()
	p.RecordSubmission(ctx, "x", OutcomeAccepted, "")
	p.RecordSweep(ctx, "timeout", 1)
	got, done := p.StartExecution(ctx, "e", "x")
	done("COMPLETED", "")
	assert.Equal(t, ctx, got)
	assert.NoError(t, p.Shutdown(ctx))
}

func TestNewWithoutEndpointUsesGlobalProviders(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)
	p.RecordSubmission(context.Background(), "x", OutcomeAccepted, "")
	assert.NoError(t, p.Shutdown(context.Background()))
}
