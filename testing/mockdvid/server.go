// Package mockdvid provides an in-memory DVID server for tests. It implements
// the subset of the DVID HTTP API the client uses: repository creation, server
// info, data instances, key-value storage and ROIs. Faults can be queued per
// route to exercise retry and error classification.
package mockdvid

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/gaborage/go-dvid/logger"
)

const (
	// TypeKeyValue is the DVID datatype name for key-value instances.
	TypeKeyValue = "keyvalue"
	// TypeROI is the DVID datatype name for ROI instances.
	TypeROI = "roi"
	// TypeGrayscale8 is the DVID datatype name for 8-bit voxel instances.
	TypeGrayscale8 = "uint8blk"
	// TypeLabelblk is the DVID datatype name for 64-bit label instances.
	TypeLabelblk = "labelblk"
	// TypeLabelvol is the DVID datatype name for label index instances.
	TypeLabelvol = "labelvol"

	// BlockSize is the edge length in voxels of an ROI block.
	BlockSize = 32

	// Version is reported by GET /api/server/info.
	Version = "mockdvid-0.9"

	serviceName = "mockdvid"
)

// Request is a request recorded by the server.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Option customizes the server.
type Option func(*Server)

// WithLogger logs every handled request at debug level.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.logger = log }
}

// WithTracerProvider records a server span per request.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracerProvider = tp }
}

// Server is an in-memory DVID server.
type Server struct {
	echo           *echo.Echo
	http           *httptest.Server
	logger         logger.Logger
	tracerProvider trace.TracerProvider
	started        time.Time

	mu       sync.Mutex
	repos    map[string]*repo
	aliases  map[string]string
	faults   map[string][]Fault
	requests []Request
}

type repo struct {
	uuid        string
	alias       string
	description string
	created     time.Time
	instances   map[string]*instance
	log         []string
}

type instance struct {
	typename string
	name     string
	sync     string
	keys     map[string][]byte
	blocks   map[[3]int]struct{}
	// voxel blocks keyed by z, y, x block coordinate
	voxels map[[3]int][]byte
}

// New starts a server on a loopback port. Callers must Close it.
func New(opts ...Option) *Server {
	s := &Server{
		logger:  logger.Nop(),
		started: time.Now(),
		repos:   make(map[string]*repo),
		aliases: make(map[string]string),
		faults:  make(map[string][]Fault),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	if s.tracerProvider != nil {
		e.Use(otelecho.Middleware(serviceName,
			otelecho.WithTracerProvider(s.tracerProvider),
			otelecho.WithPropagators(propagation.TraceContext{})))
	}
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64M"))
	e.Use(s.record)
	e.Use(s.injectFaults)

	s.routes(e)
	s.echo = e
	s.http = httptest.NewServer(e)
	return s
}

// Start starts a server that is closed when the test ends.
func Start(tb testing.TB, opts ...Option) *Server {
	tb.Helper()
	s := New(opts...)
	tb.Cleanup(s.Close)
	return s
}

// Close shuts the server down.
func (s *Server) Close() {
	s.http.Close()
}

// URL returns the base URL, for example http://127.0.0.1:41234.
func (s *Server) URL() string {
	return s.http.URL
}

// Address returns the host:port the server listens on.
func (s *Server) Address() string {
	return strings.TrimPrefix(s.http.URL, "http://")
}

// Client returns an HTTP client whose transport targets the server.
func (s *Server) Client() *http.Client {
	return s.http.Client()
}

func (s *Server) routes(e *echo.Echo) {
	api := e.Group("/api")

	api.GET("/server/info", s.serverInfo)
	api.POST("/repos", s.createRepo)
	api.GET("/repos/info", s.reposInfo)
	api.GET("/repo/:uuid/info", s.repoInfo)
	api.POST("/repo/:uuid/instance", s.createInstance)

	node := api.Group("/node/:uuid")
	node.GET("/log", s.nodeLog)
	node.POST("/log", s.appendNodeLog)
	node.GET("/:name/info", s.instanceInfo)
	node.GET("/:name/keys", s.listKeys)
	node.GET("/:name/key/:key", s.getKey)
	node.POST("/:name/key/:key", s.putKey)
	node.DELETE("/:name/key/:key", s.deleteKey)
	node.GET("/:name/roi", s.getROI)
	node.POST("/:name/roi", s.postROI)
	node.POST("/:name/ptquery", s.pointQuery)
	node.POST("/:name/sync", s.setSync)
	node.GET("/:name/partition", s.partition)
	node.GET("/:name/raw/:dims/:size/:offset", s.getRaw)
	node.POST("/:name/raw/:dims/:size/:offset", s.postRaw)
}

// AddRepo creates a repository directly and returns its root UUID.
func (s *Server) AddRepo(alias, description string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRepoLocked(alias, description)
}

func (s *Server) addRepoLocked(alias, description string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.repos[id] = &repo{
		uuid:        id,
		alias:       alias,
		description: description,
		created:     time.Now(),
		instances:   make(map[string]*instance),
	}
	s.aliases[alias] = id
	return id
}

// RepoAlias returns the alias of the repository rooted at id.
func (s *Server) RepoAlias(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[id]
	if !ok {
		return "", false
	}
	return r.alias, true
}

// Instances returns the typename of every data instance in the repository.
func (s *Server) Instances(id string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	if r, ok := s.repos[id]; ok {
		for name, inst := range r.instances {
			out[name] = inst.typename
		}
	}
	return out
}

// Syncs returns the sync target of every synced data instance in the
// repository.
func (s *Server) Syncs(id string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	if r, ok := s.repos[id]; ok {
		for name, inst := range r.instances {
			if inst.sync != "" {
				out[name] = inst.sync
			}
		}
	}
	return out
}

// Requests returns a copy of every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests matched method and path.
func (s *Server) Count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// Reset clears recorded requests and pending faults. Stored data is kept.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
	s.faults = make(map[string][]Fault)
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	_ = c.String(status, msg)
}
