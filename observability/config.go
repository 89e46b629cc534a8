package observability

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

const (
	// EndpointStdout is a special endpoint value that outputs to stdout (for local development).
	EndpointStdout = "stdout"

	// ProtocolHTTP specifies OTLP over HTTP/protobuf.
	ProtocolHTTP = "http"

	// ProtocolGRPC specifies OTLP over gRPC.
	ProtocolGRPC = "grpc"

	// CompressionGzip specifies gzip compression for OTLP export.
	CompressionGzip = "gzip"

	// CompressionNone specifies no compression for OTLP export.
	CompressionNone = "none"

	// EnvironmentDevelopment is the default environment name.
	EnvironmentDevelopment = "development"

	// SectionKey is the configuration section holding Config.
	SectionKey = "observability"
)

// BoolPtr returns a pointer to the provided bool value.
func BoolPtr(v bool) *bool {
	return &v
}

// Float64Ptr returns a pointer to the provided float64 value.
func Float64Ptr(v float64) *float64 {
	return &v
}

// Unmarshaler is satisfied by *config.Config.
type Unmarshaler interface {
	Unmarshal(key string, out any) error
}

// LoadConfig reads the observability section from src. A missing section
// yields a disabled Config.
func LoadConfig(src Unmarshaler) (*Config, error) {
	var cfg Config
	if src == nil {
		return &cfg, nil
	}
	if err := src.Unmarshal(SectionKey, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s config: %w", SectionKey, err)
	}
	return &cfg, nil
}

// Config defines the telemetry export settings for the DVID client.
type Config struct {
	// Enabled controls whether observability is active.
	// When false, all observability operations become no-ops.
	Enabled bool `koanf:"enabled"`

	Service     ServiceConfig `koanf:"service"`
	Environment string        `koanf:"environment"`
	Trace       TraceConfig   `koanf:"trace"`
	Metrics     MetricsConfig `koanf:"metrics"`
}

// ServiceConfig identifies the process in traces and metrics.
type ServiceConfig struct {
	// Name is required when observability is enabled.
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// TraceConfig defines configuration for distributed tracing.
type TraceConfig struct {
	// Enabled is nil when unset, which means true while observability is enabled.
	Enabled *bool `koanf:"enabled"`

	// Endpoint is "stdout" or an OTLP endpoint: "http://host:4318" for HTTP,
	// "host:4317" for gRPC.
	Endpoint    string            `koanf:"endpoint"`
	Protocol    string            `koanf:"protocol"`
	Insecure    bool              `koanf:"insecure"`
	Headers     map[string]string `koanf:"headers"`
	Compression string            `koanf:"compression"`

	// SampleRate is the fraction of traces kept, from 0.0 to 1.0.
	SampleRate *float64 `koanf:"sample_rate"`

	BatchTimeout  time.Duration `koanf:"batch_timeout"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
}

// MetricsConfig defines configuration for metrics collection.
type MetricsConfig struct {
	// Enabled is nil when unset, which means true while observability is enabled.
	Enabled *bool `koanf:"enabled"`

	Endpoint string `koanf:"endpoint"`

	// Protocol, Insecure and Headers fall back to the trace settings when unset.
	Protocol    string            `koanf:"protocol"`
	Insecure    *bool             `koanf:"insecure"`
	Headers     map[string]string `koanf:"headers"`
	Compression string            `koanf:"compression"`

	Interval      time.Duration `koanf:"interval"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
}

// ApplyDefaults sets default values for any config fields that are not specified.
func (c *Config) ApplyDefaults() {
	if c.Service.Version == "" {
		c.Service.Version = "unknown"
	}
	if c.Environment == "" {
		c.Environment = EnvironmentDevelopment
	}

	c.applyTraceDefaults()
	c.applyMetricsDefaults()
}

func (c *Config) applyTraceDefaults() {
	if c.Trace.Endpoint == "" {
		c.Trace.Endpoint = EndpointStdout
	}
	if c.Enabled && c.Trace.Enabled == nil {
		c.Trace.Enabled = BoolPtr(true)
	}
	if c.Trace.Protocol == "" {
		c.Trace.Protocol = ProtocolHTTP
	}
	if c.Trace.Compression == "" {
		c.Trace.Compression = CompressionGzip
	}
	if c.Trace.SampleRate == nil {
		c.Trace.SampleRate = Float64Ptr(1.0)
	}

	local := c.isLocal(c.Trace.Endpoint)
	if c.Trace.BatchTimeout == 0 {
		c.Trace.BatchTimeout = pick(local, 500*time.Millisecond, 5*time.Second)
	}
	if c.Trace.ExportTimeout == 0 {
		c.Trace.ExportTimeout = pick(local, 10*time.Second, 60*time.Second)
	}
}

func (c *Config) applyMetricsDefaults() {
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = EndpointStdout
	}
	if c.Enabled && c.Metrics.Enabled == nil {
		c.Metrics.Enabled = BoolPtr(true)
	}
	if c.Metrics.Protocol == "" {
		c.Metrics.Protocol = c.Trace.Protocol
	}
	if c.Metrics.Insecure == nil {
		c.Metrics.Insecure = BoolPtr(c.Trace.Insecure)
	}
	if c.Metrics.Headers == nil && c.Trace.Headers != nil {
		c.Metrics.Headers = maps.Clone(c.Trace.Headers)
	}
	if c.Metrics.Compression == "" {
		c.Metrics.Compression = CompressionGzip
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = 10 * time.Second
	}
	if c.Metrics.ExportTimeout == 0 {
		c.Metrics.ExportTimeout = pick(c.isLocal(c.Metrics.Endpoint), 10*time.Second, 60*time.Second)
	}
}

func (c *Config) isLocal(endpoint string) bool {
	return c.Environment == EnvironmentDevelopment || endpoint == EndpointStdout
}

func pick(cond bool, a, b time.Duration) time.Duration {
	if cond {
		return a
	}
	return b
}

// TraceEnabled reports whether spans are exported.
func (c *Config) TraceEnabled() bool {
	return c.Enabled && c.Trace.Enabled != nil && *c.Trace.Enabled
}

// MetricsEnabled reports whether metrics are exported.
func (c *Config) MetricsEnabled() bool {
	return c.Enabled && c.Metrics.Enabled != nil && *c.Metrics.Enabled
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if !c.Enabled {
		return nil
	}
	if c.Service.Name == "" {
		return ErrMissingServiceName
	}

	if rate := c.Trace.SampleRate; rate != nil && (*rate < 0.0 || *rate > 1.0) {
		return ErrInvalidSampleRate
	}
	if err := validateExport(c.Trace.Endpoint, c.Trace.Protocol, c.Trace.Compression); err != nil {
		return fmt.Errorf("trace: %w", err)
	}

	if c.Metrics.Enabled != nil && *c.Metrics.Enabled {
		protocol := c.Metrics.Protocol
		if protocol == "" {
			protocol = c.Trace.Protocol
		}
		if err := validateExport(c.Metrics.Endpoint, protocol, c.Metrics.Compression); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}

func validateExport(endpoint, protocol, compression string) error {
	if compression != "" && compression != CompressionGzip && compression != CompressionNone {
		return ErrInvalidCompression
	}
	if endpoint == EndpointStdout || endpoint == "" {
		return nil
	}

	if protocol == "" {
		protocol = ProtocolHTTP
	}
	if protocol != ProtocolHTTP && protocol != ProtocolGRPC {
		return ErrInvalidProtocol
	}

	// gRPC wants host:port, HTTP wants a scheme
	hasScheme := strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
	if (protocol == ProtocolGRPC) == hasScheme {
		return ErrInvalidEndpointFormat
	}
	return nil
}
