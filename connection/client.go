package connection

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"maps"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/gaborage/go-dvid/connection/internal/tracking"
	"github.com/gaborage/go-dvid/logger"
	dvidtrace "github.com/gaborage/go-dvid/trace"
	"github.com/gaborage/go-dvid/uri"
)

const (
	// DefaultTimeout is the default per-attempt timeout
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the default maximum number of retries for failed requests
	DefaultMaxRetries = 0

	// DefaultRetryDelay is the default base delay between retries
	DefaultRetryDelay = 1 * time.Second

	// DefaultMaxPayloadLogBytes caps logged body previews
	DefaultMaxPayloadLogBytes = 1024

	maxBackoff = 30 * time.Second
)

// conn implements the Connection interface
type conn struct {
	httpClient           *http.Client
	uris                 *uri.Builder
	logger               logger.Logger
	config               *Config
	requestInterceptors  []RequestInterceptor
	responseInterceptors []ResponseInterceptor
	limiter              *rate.Limiter
	group                *singleflight.Group
	tracker              *tracking.Tracker
	callCount            int64
}

var _ Connection = (*conn)(nil)

// NewConnection creates a connection to address with default configuration
func NewConnection(address string, log logger.Logger) (Connection, error) {
	return NewBuilder(address, log).Build()
}

// Builder provides a fluent interface for configuring a connection
type Builder struct {
	address    string
	config     *Config
	logger     logger.Logger
	httpClient *http.Client
	transport  http.RoundTripper
}

// NewBuilder creates a new connection builder for address
func NewBuilder(address string, log logger.Logger) *Builder {
	return &Builder{
		address: address,
		config: &Config{
			Timeout:              DefaultTimeout,
			MaxRetries:           DefaultMaxRetries,
			RetryDelay:           DefaultRetryDelay,
			RequestInterceptors:  []RequestInterceptor{},
			ResponseInterceptors: []ResponseInterceptor{},
			DefaultHeaders:       make(map[string]string),
			MaxPayloadLogBytes:   DefaultMaxPayloadLogBytes,
			TraceIDHeader:        HeaderXRequestID,
		},
		logger: log,
	}
}

// WithTimeout sets the per-attempt timeout
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.config.Timeout = timeout
	return b
}

// WithRetries sets the retry configuration
func (b *Builder) WithRetries(maxRetries int, retryDelay time.Duration) *Builder {
	b.config.MaxRetries = maxRetries
	b.config.RetryDelay = retryDelay
	return b
}

// WithBasicAuth sets basic authentication credentials
func (b *Builder) WithBasicAuth(username, password string) *Builder {
	b.config.BasicAuth = &BasicAuth{
		Username: username,
		Password: password,
	}
	return b
}

// WithDefaultHeader adds a default header that will be sent with all requests
func (b *Builder) WithDefaultHeader(key, value string) *Builder {
	b.config.DefaultHeaders[key] = value
	return b
}

// WithRequestInterceptor adds a request interceptor
func (b *Builder) WithRequestInterceptor(interceptor RequestInterceptor) *Builder {
	b.config.RequestInterceptors = append(b.config.RequestInterceptors, interceptor)
	return b
}

// WithResponseInterceptor adds a response interceptor
func (b *Builder) WithResponseInterceptor(interceptor ResponseInterceptor) *Builder {
	b.config.ResponseInterceptors = append(b.config.ResponseInterceptors, interceptor)
	return b
}

// WithHTTPClient uses client as is. Transport settings are ignored.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// WithTransport replaces the default pooled transport
func (b *Builder) WithTransport(rt http.RoundTripper) *Builder {
	b.transport = rt
	return b
}

// WithRateLimit limits attempts to rps per second with the given burst
func (b *Builder) WithRateLimit(rps float64, burst int) *Builder {
	b.config.RateLimit = rps
	b.config.RateBurst = burst
	return b
}

// WithRequestCoalescing shares identical concurrent GET/HEAD requests
func (b *Builder) WithRequestCoalescing() *Builder {
	b.config.Coalesce = true
	return b
}

// WithLogPayloads enables debug logging of headers and body previews up to maxBytes
func (b *Builder) WithLogPayloads(maxBytes int) *Builder {
	b.config.LogPayloads = true
	b.config.MaxPayloadLogBytes = maxBytes
	return b
}

// WithTraceIDHeader sets the header carrying the request ID
func (b *Builder) WithTraceIDHeader(header string) *Builder {
	b.config.TraceIDHeader = header
	return b
}

// WithTraceIDGenerator sets the generator used when the context has no request ID
func (b *Builder) WithTraceIDGenerator(gen func() string) *Builder {
	b.config.NewTraceID = gen
	return b
}

// WithTracerProvider sets the tracer provider for request spans
func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.config.TracerProvider = tp
	return b
}

// WithMeterProvider sets the meter provider for request metrics
func (b *Builder) WithMeterProvider(mp metric.MeterProvider) *Builder {
	b.config.MeterProvider = mp
	return b
}

// Build creates the connection. It fails only when the address cannot be
// normalized into a URI root.
func (b *Builder) Build() (Connection, error) {
	uris, err := uri.NewBuilder(b.address)
	if err != nil {
		return nil, NewInvalidPathError(err)
	}

	log := b.logger
	if log == nil {
		log = logger.Nop()
	}

	// Later builder calls must not reach connections already built.
	cfg := *b.config
	cfg.RequestInterceptors = slices.Clone(b.config.RequestInterceptors)
	cfg.ResponseInterceptors = slices.Clone(b.config.ResponseInterceptors)
	cfg.DefaultHeaders = maps.Clone(b.config.DefaultHeaders)
	if cfg.BasicAuth != nil {
		auth := *cfg.BasicAuth
		cfg.BasicAuth = &auth
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxPayloadLogBytes <= 0 {
		cfg.MaxPayloadLogBytes = DefaultMaxPayloadLogBytes
	}
	if cfg.TraceIDHeader == "" {
		cfg.TraceIDHeader = HeaderXRequestID
	}

	httpClient := b.httpClient
	if httpClient == nil {
		transport := b.transport
		if transport == nil {
			transport = newTransport()
		}
		httpClient = &http.Client{Transport: transport}
	}

	c := &conn{
		httpClient:           httpClient,
		uris:                 uris,
		logger:               log,
		config:               &cfg,
		requestInterceptors:  cfg.RequestInterceptors,
		responseInterceptors: cfg.ResponseInterceptors,
		tracker:              tracking.New(hostOf(uris.Root()), cfg.TracerProvider, cfg.MeterProvider),
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.Coalesce {
		c.group = &singleflight.Group{}
	}

	return c, nil
}

// newTransport returns a pooled transport tuned for many requests to one host
func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxIdleConnsPerHost = 10
	t.IdleConnTimeout = 90 * time.Second
	return t
}

func hostOf(root string) string {
	u, err := url.Parse(root)
	if err != nil {
		return ""
	}
	return u.Host
}

// URIRoot returns the normalized URI root
func (c *conn) URIRoot() string {
	return c.uris.Root()
}

// MakeRequest performs one request/response cycle
func (c *conn) MakeRequest(ctx context.Context, method, path string, body []byte, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(method, path, body, opts...))
}

// Get performs a GET request
func (c *conn) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.MakeRequest(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs a POST request
func (c *conn) Post(ctx context.Context, path string, body []byte, opts ...RequestOption) (*Response, error) {
	return c.MakeRequest(ctx, http.MethodPost, path, body, opts...)
}

// Put performs a PUT request
func (c *conn) Put(ctx context.Context, path string, body []byte, opts ...RequestOption) (*Response, error) {
	return c.MakeRequest(ctx, http.MethodPut, path, body, opts...)
}

// Delete performs a DELETE request
func (c *conn) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.MakeRequest(ctx, http.MethodDelete, path, nil, opts...)
}

// Head performs a HEAD request
func (c *conn) Head(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.MakeRequest(ctx, http.MethodHead, path, nil, opts...)
}

// Do validates req, resolves its URI and runs it with retries
func (c *conn) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	target, err := c.uris.Build(req.Path, req.Query)
	if err != nil {
		return nil, NewInvalidPathError(err)
	}

	if c.group != nil && coalescable(method, req) {
		return c.doShared(ctx, method, target, req)
	}
	return c.execute(ctx, method, target, req)
}

// coalescable reports whether req may share an in-flight call keyed by method and URL
func coalescable(method string, req *Request) bool {
	return (method == http.MethodGet || method == http.MethodHead) &&
		len(req.Body) == 0 && len(req.Headers) == 0 && req.Auth == nil
}

// sharedKey identifies calls that may share one in-flight request. Calls with
// a different per-attempt timeout or attempt budget never share.
func (c *conn) sharedKey(method, target string, req *Request) string {
	return fmt.Sprintf("%s %s timeout=%s attempts=%d",
		method, target, c.attemptTimeout(req), c.maxAttempts(method, req))
}

// doShared runs req through the singleflight group. The shared call is detached
// from any single caller's cancellation; each caller still stops waiting when
// its own context is done.
func (c *conn) doShared(ctx context.Context, method, target string, req *Request) (*Response, error) {
	ch := c.group.DoChan(c.sharedKey(method, target, req), func() (any, error) {
		return c.execute(context.WithoutCancel(ctx), method, target, req)
	})

	select {
	case <-ctx.Done():
		return nil, newCancelledError(ctx.Err())
	case res := <-ch:
		resp, _ := res.Val.(*Response)
		if res.Shared && resp != nil {
			resp = resp.clone()
		}
		return resp, res.Err
	}
}

// execute runs the attempt loop for one logical call
func (c *conn) execute(ctx context.Context, method, target string, req *Request) (*Response, error) {
	start := time.Now()
	callCount := atomic.AddInt64(&c.callCount, 1)
	logger.IncrementDVIDCounter(ctx)
	defer func() { logger.AddDVIDElapsed(ctx, time.Since(start).Nanoseconds()) }()

	requestID := c.requestID(ctx)
	ctx, span := c.tracker.StartRequest(ctx, method, target)

	maxAttempts := c.maxAttempts(method, req)

	var (
		resp    *Response
		err     error
		attempt int
	)
	for attempt = 1; ; attempt++ {
		var retryable bool
		resp, retryable, err = c.attempt(ctx, method, target, req, requestID, attempt, start, callCount)
		if err == nil || !retryable || attempt >= maxAttempts {
			break
		}

		delay := c.backoffDelay(attempt - 1)
		c.logRetry(method, target, requestID, attempt, delay, err)
		c.tracker.RecordRetry(ctx, method)
		if waitErr := c.wait(ctx, delay); waitErr != nil {
			resp, err = nil, waitErr
			break
		}
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	tracking.EndRequest(span, status, attempt, err)
	return resp, err
}

// attempt performs a single try. The boolean reports whether the failure may
// be retried.
func (c *conn) attempt(ctx context.Context, method, target string, req *Request, requestID string, attempt int, start time.Time, callCount int64) (*Response, bool, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, false, newCancelledError(ctx.Err())
			}
			return nil, false, NewTransportError("rate limiter wait failed", err)
		}
	}

	timeout := c.attemptTimeout(req)
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	httpReq, err := c.buildRequest(attemptCtx, method, target, req, requestID)
	if err != nil {
		return nil, false, err
	}
	c.logRequest(httpReq, req.Body, requestID, attempt)

	attemptStart := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		failure, retryable := classifyTransport(ctx, err, timeout)
		c.tracker.RecordAttempt(ctx, method, 0, errorTypeLabel(failure), time.Since(attemptStart))
		return nil, retryable, failure
	}

	resp, err := c.buildResponse(attemptCtx, start, callCount, attempt, httpReq, httpResp)
	if err != nil {
		if IsErrorType(err, InterceptorError) {
			c.tracker.RecordAttempt(ctx, method, httpResp.StatusCode, string(InterceptorError), time.Since(attemptStart))
			return nil, false, err
		}
		failure, retryable := classifyTransport(ctx, err, timeout)
		c.tracker.RecordAttempt(ctx, method, 0, errorTypeLabel(failure), time.Since(attemptStart))
		return nil, retryable, failure
	}

	c.tracker.RecordAttempt(ctx, method, resp.StatusCode, "", time.Since(attemptStart))
	c.logResponse(resp, requestID)

	if IsSuccessStatus(resp.StatusCode) {
		return resp, false, nil
	}

	resp.Message = string(resp.Body)
	return resp, isGatewayStatus(resp.StatusCode), NewRemoteError(resp.StatusCode, resp.Body)
}

// classifyTransport maps a failed exchange to a TransportError. Failures caused
// by the caller's own context are final.
func classifyTransport(ctx context.Context, err error, timeout time.Duration) (ClientError, bool) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newCancelledError(ctxErr), false
	}
	if isTimeout(err) {
		return &transportError{
			message:  "request timed out",
			wrapped:  err,
			timeout:  timeout,
			timedOut: true,
		}, true
	}
	return NewTransportError("request execution failed", err), true
}

func newCancelledError(err error) ClientError {
	return &transportError{
		message:  "request cancelled",
		wrapped:  err,
		timedOut: errors.Is(err, context.DeadlineExceeded),
	}
}

func errorTypeLabel(err error) string {
	if IsTimeout(err) {
		return "timeout"
	}
	return string(TransportError)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func retryEligible(method string, req *Request) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	case http.MethodPost:
		return req.Idempotent
	default:
		return false
	}
}

func (c *conn) maxAttempts(method string, req *Request) int {
	if !retryEligible(method, req) {
		return 1
	}
	retries := c.config.MaxRetries
	if req.Retries != nil {
		retries = *req.Retries
	}
	return 1 + max(retries, 0)
}

func (c *conn) attemptTimeout(req *Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return c.config.Timeout
}

// wait sleeps for d unless ctx is done first
func (c *conn) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return newCancelledError(err)
		}
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return newCancelledError(ctx.Err())
	case <-timer.C:
		return nil
	}
}

// backoffDelay returns the exponential backoff delay for the given attempt,
// using RetryDelay as the base and capping to a reasonable maximum.
func (c *conn) backoffDelay(attempt int) time.Duration {
	base := c.config.RetryDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	// Cap attempt to avoid overflow when computing multiplier
	if attempt > 20 {
		attempt = 20
	}
	d := base * time.Duration(1<<attempt)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	// Full jitter: random duration in [0, d)
	n, err := crand.Int(crand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return d
	}
	return time.Duration(n.Int64())
}

// validateRequest validates the request before sending
func (c *conn) validateRequest(req *Request) error {
	if req == nil {
		return NewValidationError("request cannot be nil", "request")
	}
	switch strings.ToUpper(req.Method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead:
	default:
		return NewValidationError(fmt.Sprintf("unsupported method %q", req.Method), "method")
	}
	if req.Timeout < 0 {
		return NewValidationError("timeout cannot be negative", "timeout")
	}
	if req.Retries != nil && *req.Retries < 0 {
		return NewValidationError("retries cannot be negative", "retries")
	}
	return nil
}

// requestID resolves the ID sent in the trace header for every attempt of a call
func (c *conn) requestID(ctx context.Context) string {
	if id, ok := dvidtrace.RequestIDFromContext(ctx); ok {
		return id
	}
	if c.config.NewTraceID != nil {
		if id := c.config.NewTraceID(); id != "" {
			return id
		}
	}
	return dvidtrace.EnsureRequestID(ctx)
}

// applyHeaders applies headers to the HTTP request
func (c *conn) applyHeaders(httpReq *http.Request, req *Request) {
	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}

	// Request-specific headers override defaults
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	if httpReq.Header.Get("Content-Type") == "" && req.Body != nil {
		httpReq.Header.Set("Content-Type", ContentTypeJSON)
	}
}

// applyAuth applies authentication to the HTTP request
func (c *conn) applyAuth(httpReq *http.Request, req *Request) {
	auth := req.Auth
	if auth == nil {
		auth = c.config.BasicAuth
	}

	if auth != nil {
		httpReq.SetBasicAuth(auth.Username, auth.Password)
	}
}

// applyTraceHeaders sets the request ID header and W3C trace context. The
// active span wins; otherwise a stored or generated traceparent is sent.
func (c *conn) applyTraceHeaders(ctx context.Context, httpReq *http.Request, requestID string) {
	if httpReq.Header.Get(c.config.TraceIDHeader) == "" {
		httpReq.Header.Set(c.config.TraceIDHeader, requestID)
	}

	if httpReq.Header.Get(HeaderTraceParent) != "" || c.tracker.Inject(ctx, httpReq.Header) {
		return
	}

	if tp, ok := dvidtrace.ParentFromContext(ctx); ok {
		httpReq.Header.Set(HeaderTraceParent, tp)
	} else {
		httpReq.Header.Set(HeaderTraceParent, dvidtrace.GenerateTraceParent())
	}
	if ts, ok := dvidtrace.StateFromContext(ctx); ok && httpReq.Header.Get(HeaderTraceState) == "" {
		httpReq.Header.Set(HeaderTraceState, ts)
	}
}

// buildRequest constructs an *http.Request, applies headers/auth, and runs request interceptors.
func (c *conn) buildRequest(ctx context.Context, method, target string, req *Request, requestID string) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, NewTransportError("failed to create HTTP request", err)
	}

	c.applyHeaders(httpReq, req)
	c.applyAuth(httpReq, req)
	c.applyTraceHeaders(ctx, httpReq, requestID)

	if err := c.runRequestInterceptors(ctx, httpReq); err != nil {
		return nil, NewInterceptorError("request interceptor failed", "request", err)
	}
	return httpReq, nil
}

// buildResponse runs response interceptors, reads body, and builds a Response.
// Body read failures are returned unwrapped for transport classification.
func (c *conn) buildResponse(ctx context.Context, start time.Time, callCount int64, attempt int, httpReq *http.Request, httpResp *http.Response) (*Response, error) {
	defer httpResp.Body.Close()

	if err := c.runResponseInterceptors(ctx, httpReq, httpResp); err != nil {
		return nil, NewInterceptorError("response interceptor failed", "response", err)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    httpResp.Header,
		Stats: Stats{
			ElapsedTime: time.Since(start),
			CallCount:   callCount,
			Attempts:    attempt,
		},
	}, nil
}

// runRequestInterceptors executes all request interceptors
func (c *conn) runRequestInterceptors(ctx context.Context, req *http.Request) error {
	for _, interceptor := range c.requestInterceptors {
		if err := interceptor(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// runResponseInterceptors executes all response interceptors
func (c *conn) runResponseInterceptors(ctx context.Context, req *http.Request, resp *http.Response) error {
	for _, interceptor := range c.responseInterceptors {
		if err := interceptor(ctx, req, resp); err != nil {
			return err
		}
	}
	return nil
}

func (r *Response) clone() *Response {
	cp := *r
	cp.Body = bytes.Clone(r.Body)
	cp.Headers = r.Headers.Clone()
	return &cp
}
