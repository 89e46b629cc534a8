// Package tracking records OpenTelemetry spans and metrics for outbound DVID
// requests issued by a connection.
package tracking

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InstrumentationName is the tracer and meter name used for DVID client telemetry
	InstrumentationName = "github.com/gaborage/go-dvid/connection"

	// MetricRequestDuration follows the OTel HTTP client semantic conventions
	MetricRequestDuration = "http.client.request.duration"
	// MetricRetries counts retry attempts after the first try
	MetricRetries = "dvid.client.retries"

	// Attribute keys per OTel semantic conventions
	AttrHTTPRequestMethod  = "http.request.method"
	AttrHTTPResponseStatus = "http.response.status_code"
	AttrServerAddress      = "server.address"
	AttrURLFull            = "url.full"
	AttrErrorType          = "error.type"
	AttrAttempts           = "dvid.client.attempts"
)

// HTTP request duration histogram buckets per OTel semantic conventions
var durationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// Tracker owns the tracer and metric instruments for one connection.
type Tracker struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	duration   metric.Float64Histogram
	retries    metric.Int64Counter
	host       string
}

// logMetricError logs a metric initialization error to stderr.
// Metrics failures never fail a request.
func logMetricError(metricName string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize DVID client metric %s: %v\n", metricName, err)
	}
}

// New creates a Tracker for requests against host. Nil providers select the
// global OpenTelemetry providers.
func New(host string, tp trace.TracerProvider, mp metric.MeterProvider) *Tracker {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(InstrumentationName)

	duration, err := meter.Float64Histogram(
		MetricRequestDuration,
		metric.WithDescription("Duration of DVID client request attempts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	logMetricError(MetricRequestDuration, err)

	retries, err := meter.Int64Counter(
		MetricRetries,
		metric.WithDescription("Number of DVID client request retries"),
		metric.WithUnit("{retry}"),
	)
	logMetricError(MetricRetries, err)

	return &Tracker{
		tracer:     tp.Tracer(InstrumentationName),
		propagator: propagation.TraceContext{},
		duration:   duration,
		retries:    retries,
		host:       host,
	}
}

// StartRequest opens the client span covering every attempt of one call.
func (t *Tracker) StartRequest(ctx context.Context, method, url string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "dvid "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrHTTPRequestMethod, method),
			attribute.String(AttrURLFull, url),
			attribute.String(AttrServerAddress, t.host),
		),
	)
}

// Inject writes the W3C trace context of ctx into header. It reports whether a
// traceparent was written.
func (t *Tracker) Inject(ctx context.Context, header http.Header) bool {
	t.propagator.Inject(ctx, propagation.HeaderCarrier(header))
	return header.Get("traceparent") != ""
}

// RecordAttempt records the duration of one attempt. A zero status means no
// response was received.
func (t *Tracker) RecordAttempt(ctx context.Context, method string, status int, errType string, d time.Duration) {
	if t.duration == nil {
		return
	}
	t.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attemptAttributes(method, t.host, status, errType)...))
}

// RecordRetry increments the retry counter.
func (t *Tracker) RecordRetry(ctx context.Context, method string) {
	if t.retries == nil {
		return
	}
	t.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHTTPRequestMethod, method),
		attribute.String(AttrServerAddress, t.host),
	))
}

// EndRequest closes span with the final outcome of the call.
func EndRequest(span trace.Span, status, attempts int, err error) {
	span.SetAttributes(attribute.Int(AttrAttempts, attempts))
	if status > 0 {
		span.SetAttributes(attribute.Int(AttrHTTPResponseStatus, status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func attemptAttributes(method, host string, status int, errType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrHTTPRequestMethod, method),
		attribute.String(AttrServerAddress, host),
	}
	if status > 0 {
		attrs = append(attrs, attribute.Int(AttrHTTPResponseStatus, status))
	}
	if errType == "" && status >= 400 {
		errType = strconv.Itoa(status)
	}
	if errType != "" {
		attrs = append(attrs, attribute.String(AttrErrorType, errType))
	}
	return attrs
}
