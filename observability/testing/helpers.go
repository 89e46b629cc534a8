// Package testing provides in-memory trace and metric providers for asserting
// the telemetry emitted by DVID client calls.
//
//	tp := NewTestTraceProvider()
//	defer tp.Shutdown(context.Background())
//
//	conn, _ := connection.NewBuilder(addr).WithTracerProvider(tp).Build()
//	// ... issue requests ...
//	NewSpanCollector(t, tp.Exporter).WithName("dvid GET").AssertCount(1)
package testing

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const metricNotFoundErrMsg = "metric %s not found"

// TestTraceProvider wraps the SDK TracerProvider and in-memory exporter for testing.
type TestTraceProvider struct {
	*sdktrace.TracerProvider
	Exporter *tracetest.InMemoryExporter
}

// NewTestTraceProvider creates a TracerProvider that exports synchronously
// into memory.
func NewTestTraceProvider() *TestTraceProvider {
	exporter := tracetest.NewInMemoryExporter()
	return &TestTraceProvider{
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)),
		Exporter:       exporter,
	}
}

// TestMeterProvider wraps the SDK MeterProvider and manual reader for testing.
type TestMeterProvider struct {
	*sdkmetric.MeterProvider
	Reader *sdkmetric.ManualReader
}

// NewTestMeterProvider creates a MeterProvider whose metrics are collected on demand.
func NewTestMeterProvider() *TestMeterProvider {
	reader := sdkmetric.NewManualReader()
	return &TestMeterProvider{
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		Reader:        reader,
	}
}

// Collect reads all metrics recorded so far.
func (tmp *TestMeterProvider) Collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, tmp.Reader.Collect(context.Background(), &rm), "failed to collect metrics")
	return rm
}

// SpanCollector filters exported spans for assertions.
type SpanCollector struct {
	t     *testing.T
	spans tracetest.SpanStubs
}

// NewSpanCollector snapshots the spans held by exporter.
func NewSpanCollector(t *testing.T, exporter *tracetest.InMemoryExporter) *SpanCollector {
	t.Helper()
	return &SpanCollector{t: t, spans: exporter.GetSpans()}
}

// Len returns the number of collected spans.
func (sc *SpanCollector) Len() int {
	return len(sc.spans)
}

// First returns the first collected span, failing the test when there is none.
func (sc *SpanCollector) First() tracetest.SpanStub {
	sc.t.Helper()
	require.NotEmpty(sc.t, sc.spans, "no spans collected")
	return sc.spans[0]
}

// WithName keeps the spans called name.
func (sc *SpanCollector) WithName(name string) *SpanCollector {
	var out tracetest.SpanStubs
	for i := range sc.spans {
		if sc.spans[i].Name == name {
			out = append(out, sc.spans[i])
		}
	}
	return &SpanCollector{t: sc.t, spans: out}
}

// WithAttribute keeps the spans carrying key with the given value.
func (sc *SpanCollector) WithAttribute(key string, value any) *SpanCollector {
	var out tracetest.SpanStubs
	for i := range sc.spans {
		for _, attr := range sc.spans[i].Attributes {
			if string(attr.Key) == key && matchesValue(attr.Value, value) {
				out = append(out, sc.spans[i])
				break
			}
		}
	}
	return &SpanCollector{t: sc.t, spans: out}
}

// AssertCount fails the test unless exactly expected spans were collected.
func (sc *SpanCollector) AssertCount(expected int) *SpanCollector {
	sc.t.Helper()
	assert.Len(sc.t, sc.spans, expected, "unexpected span count")
	return sc
}

func matchesValue(v attribute.Value, expected any) bool {
	switch e := expected.(type) {
	case string:
		return v.Type() == attribute.STRING && v.AsString() == e
	case int:
		return v.Type() == attribute.INT64 && v.AsInt64() == int64(e)
	case int64:
		return v.Type() == attribute.INT64 && v.AsInt64() == e
	case bool:
		return v.Type() == attribute.BOOL && v.AsBool() == e
	default:
		return false
	}
}

// FindMetric returns the metric called name, or nil.
func FindMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// GetMetricSumValue totals the data points of an int64 sum metric.
func GetMetricSumValue(rm metricdata.ResourceMetrics, name string) (int64, error) {
	m := FindMetric(rm, name)
	if m == nil {
		return 0, fmt.Errorf(metricNotFoundErrMsg, name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0, fmt.Errorf("metric %s is not an int64 sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total, nil
}

// GetMetricHistogramCount totals the recordings of a float64 histogram metric.
func GetMetricHistogramCount(rm metricdata.ResourceMetrics, name string) (uint64, error) {
	m := FindMetric(rm, name)
	if m == nil {
		return 0, fmt.Errorf(metricNotFoundErrMsg, name)
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		return 0, fmt.Errorf("metric %s is not a float64 histogram", name)
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	return total, nil
}
