package tracking

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

const testHost = "localhost:8000"

func newTestTracker(t *testing.T) (*Tracker, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	return New(testHost, tp, mp), exporter, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name != InstrumentationName {
			continue
		}
		for _, m := range sm.Metrics {
			found[m.Name] = m
		}
	}
	return found
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStartAndEndRequestSpan(t *testing.T) {
	tracker, exporter, _ := newTestTracker(t)

	ctx, span := tracker.StartRequest(context.Background(), http.MethodGet, "http://localhost:8000/api/server/info")
	assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
	EndRequest(span, http.StatusOK, 1, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "dvid GET", spans[0].Name)
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)

	status, ok := attrValue(spans[0].Attributes, AttrHTTPResponseStatus)
	require.True(t, ok)
	assert.EqualValues(t, http.StatusOK, status.AsInt64())

	host, ok := attrValue(spans[0].Attributes, AttrServerAddress)
	require.True(t, ok)
	assert.Equal(t, testHost, host.AsString())
}

func TestEndRequestRecordsError(t *testing.T) {
	tracker, exporter, _ := newTestTracker(t)

	_, span := tracker.StartRequest(context.Background(), http.MethodPost, "http://localhost:8000/api/repos")
	EndRequest(span, 0, 3, errors.New("connection refused"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "connection refused", spans[0].Status.Description)

	attempts, ok := attrValue(spans[0].Attributes, AttrAttempts)
	require.True(t, ok)
	assert.EqualValues(t, 3, attempts.AsInt64())

	_, hasStatus := attrValue(spans[0].Attributes, AttrHTTPResponseStatus)
	assert.False(t, hasStatus)
}

func TestInjectWritesTraceParent(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	header := http.Header{}
	assert.False(t, tracker.Inject(context.Background(), header))

	ctx, span := tracker.StartRequest(context.Background(), http.MethodGet, "http://localhost:8000/api/repos")
	defer span.End()

	assert.True(t, tracker.Inject(ctx, header))
	sc := trace.SpanContextFromContext(ctx)
	assert.Contains(t, header.Get("traceparent"), sc.TraceID().String())
}

func TestRecordAttemptAndRetry(t *testing.T) {
	tracker, _, reader := newTestTracker(t)
	ctx := context.Background()

	tracker.RecordAttempt(ctx, http.MethodGet, http.StatusServiceUnavailable, "", 20*time.Millisecond)
	tracker.RecordAttempt(ctx, http.MethodGet, 0, "timeout", 5*time.Millisecond)
	tracker.RecordRetry(ctx, http.MethodGet)
	tracker.RecordRetry(ctx, http.MethodGet)

	metrics := collect(t, reader)

	durations, ok := metrics[MetricRequestDuration]
	require.True(t, ok, "duration histogram not recorded")
	hist, ok := durations.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 2)

	errorTypes := map[string]bool{}
	for _, dp := range hist.DataPoints {
		v, ok := dp.Attributes.Value(attribute.Key(AttrErrorType))
		require.True(t, ok)
		errorTypes[v.AsString()] = true
	}
	assert.Equal(t, map[string]bool{"503": true, "timeout": true}, errorTypes)

	retries, ok := metrics[MetricRetries]
	require.True(t, ok, "retry counter not recorded")
	sum, ok := retries.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.EqualValues(t, 2, sum.DataPoints[0].Value)
}

func TestAttemptAttributes(t *testing.T) {
	ok := attemptAttributes(http.MethodGet, testHost, http.StatusOK, "")
	_, hasErr := attrValue(ok, AttrErrorType)
	assert.False(t, hasErr)

	notFound := attemptAttributes(http.MethodGet, testHost, http.StatusNotFound, "")
	v, hasErr := attrValue(notFound, AttrErrorType)
	require.True(t, hasErr)
	assert.Equal(t, "404", v.AsString())

	transport := attemptAttributes(http.MethodGet, testHost, 0, "transport")
	_, hasStatus := attrValue(transport, AttrHTTPResponseStatus)
	assert.False(t, hasStatus)
}

func TestNewWithGlobalProviders(t *testing.T) {
	tracker := New(testHost, nil, nil)
	require.NotNil(t, tracker)

	assert.NotPanics(t, func() {
		ctx, span := tracker.StartRequest(context.Background(), http.MethodHead, "http://localhost:8000/api/repos")
		tracker.RecordAttempt(ctx, http.MethodHead, http.StatusOK, "", time.Millisecond)
		tracker.RecordRetry(ctx, http.MethodHead)
		EndRequest(span, http.StatusOK, 1, nil)
	})
}
