package connection

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	dvidtrace "github.com/gaborage/go-dvid/trace"
)

const (
	// HeaderXRequestID is the standard header name for request tracing
	HeaderXRequestID = dvidtrace.HeaderXRequestID
	// HeaderTraceParent is the W3C trace context header name
	HeaderTraceParent = dvidtrace.HeaderTraceParent
	// HeaderTraceState is the W3C trace context "tracestate" header name
	HeaderTraceState = dvidtrace.HeaderTraceState

	// ContentTypeJSON is the default content type for request bodies
	ContentTypeJSON = "application/json"
	// ContentTypeOctetStream is used for raw key-value payloads
	ContentTypeOctetStream = "application/octet-stream"
)

// Connection issues HTTP requests against one DVID server. Implementations are
// safe for concurrent use.
type Connection interface {
	// URIRoot returns the normalized scheme://host[:port]/api root.
	URIRoot() string
	// MakeRequest runs one request/response cycle for method and path relative
	// to the URI root. Non-2xx responses are returned together with a RemoteError.
	MakeRequest(ctx context.Context, method, path string, body []byte, opts ...RequestOption) (*Response, error)
	Do(ctx context.Context, req *Request) (*Response, error)
	Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error)
	Post(ctx context.Context, path string, body []byte, opts ...RequestOption) (*Response, error)
	Put(ctx context.Context, path string, body []byte, opts ...RequestOption) (*Response, error)
	Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error)
	Head(ctx context.Context, path string, opts ...RequestOption) (*Response, error)
}

// Request describes one logical call. Its body is immutable and every attempt
// is rebuilt from it.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
	Auth    *BasicAuth
	// Timeout overrides the connection timeout for each attempt
	Timeout time.Duration
	// Retries overrides the connection MaxRetries when non-nil
	Retries *int
	// Idempotent opts a POST into retries
	Idempotent bool
}

// Response represents an HTTP response with tracking information
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	// Message is the body text of a non-2xx response
	Message string
	Stats   Stats
}

// Stats contains request execution statistics
type Stats struct {
	ElapsedTime time.Duration
	CallCount   int64
	Attempts    int
}

// BasicAuth contains basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// RequestInterceptor is called before sending the request
type RequestInterceptor func(ctx context.Context, req *http.Request) error

// ResponseInterceptor is called after receiving the response
type ResponseInterceptor func(ctx context.Context, req *http.Request, resp *http.Response) error

// Config holds the connection configuration
type Config struct {
	Timeout              time.Duration
	MaxRetries           int
	RetryDelay           time.Duration
	RequestInterceptors  []RequestInterceptor
	ResponseInterceptors []ResponseInterceptor
	BasicAuth            *BasicAuth
	DefaultHeaders       map[string]string
	// LogPayloads enables debug-level logging of headers and body payloads
	LogPayloads bool
	// MaxPayloadLogBytes caps the number of body bytes logged when LogPayloads is enabled
	MaxPayloadLogBytes int
	// TraceIDHeader configures the header name used for request ID propagation (default: X-Request-ID)
	TraceIDHeader string
	// NewTraceID generates a request ID when the context carries none (default: uuid)
	NewTraceID func() string
	// RateLimit is the sustained requests per second; zero disables limiting
	RateLimit float64
	// RateBurst is the limiter bucket size
	RateBurst int
	// Coalesce shares one in-flight request among identical concurrent GET/HEAD calls
	Coalesce       bool
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// RequestOption customizes a single request
type RequestOption func(*Request)

// NewRequest builds a Request and applies opts to it.
func NewRequest(method, path string, body []byte, opts ...RequestOption) *Request {
	req := &Request{Method: method, Path: path, Body: body}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

// WithTimeout overrides the per-attempt timeout
func WithTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.Timeout = d }
}

// WithRetries overrides the number of retries after the first attempt
func WithRetries(n int) RequestOption {
	return func(r *Request) { r.Retries = &n }
}

// WithIdempotent marks a POST as safe to resend
func WithIdempotent() RequestOption {
	return func(r *Request) { r.Idempotent = true }
}

// WithQuery sets the query string values
func WithQuery(q url.Values) RequestOption {
	return func(r *Request) { r.Query = q }
}

// WithHeader adds a request header, overriding connection defaults
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		if r.Headers == nil {
			r.Headers = make(map[string]string)
		}
		r.Headers[key] = value
	}
}

// WithContentType sets the Content-Type header
func WithContentType(contentType string) RequestOption {
	return WithHeader("Content-Type", contentType)
}

// WithAuth overrides the connection credentials for one request
func WithAuth(username, password string) RequestOption {
	return func(r *Request) { r.Auth = &BasicAuth{Username: username, Password: password} }
}
