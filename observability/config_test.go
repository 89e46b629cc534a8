package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testServiceName = "dvid-client"

type mapSource map[string]Config

func (m mapSource) Unmarshal(key string, out any) error {
	cfg, ok := m[key]
	if !ok {
		return nil
	}
	*(out.(*Config)) = cfg
	return nil
}

type failingSource struct{}

func (failingSource) Unmarshal(string, any) error { return errors.New("decode failed") }

func TestApplyDefaults(t *testing.T) {
	cfg := Config{Enabled: true, Service: ServiceConfig{Name: testServiceName}}
	cfg.ApplyDefaults()

	assert.Equal(t, "unknown", cfg.Service.Version)
	assert.Equal(t, EnvironmentDevelopment, cfg.Environment)
	assert.Equal(t, EndpointStdout, cfg.Trace.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Trace.Protocol)
	assert.Equal(t, CompressionGzip, cfg.Trace.Compression)
	require.NotNil(t, cfg.Trace.SampleRate)
	assert.InDelta(t, 1.0, *cfg.Trace.SampleRate, 0.0001)
	assert.Equal(t, 500*time.Millisecond, cfg.Trace.BatchTimeout)
	assert.Equal(t, 10*time.Second, cfg.Trace.ExportTimeout)

	assert.Equal(t, EndpointStdout, cfg.Metrics.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Metrics.Protocol)
	assert.Equal(t, 10*time.Second, cfg.Metrics.Interval)
	require.NotNil(t, cfg.Metrics.Insecure)
	assert.False(t, *cfg.Metrics.Insecure)

	assert.True(t, cfg.TraceEnabled())
	assert.True(t, cfg.MetricsEnabled())
}

func TestApplyDefaultsProduction(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		Service:     ServiceConfig{Name: testServiceName},
		Environment: "production",
		Trace: TraceConfig{
			Endpoint: "collector:4317",
			Protocol: ProtocolGRPC,
			Insecure: true,
			Headers:  map[string]string{"x-api-key": "k"},
		},
		Metrics: MetricsConfig{Endpoint: "collector:4317"},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, 5*time.Second, cfg.Trace.BatchTimeout)
	assert.Equal(t, 60*time.Second, cfg.Trace.ExportTimeout)
	assert.Equal(t, 60*time.Second, cfg.Metrics.ExportTimeout)

	// Metrics inherit the trace transport settings
	assert.Equal(t, ProtocolGRPC, cfg.Metrics.Protocol)
	assert.True(t, *cfg.Metrics.Insecure)
	assert.Equal(t, "k", cfg.Metrics.Headers["x-api-key"])

	cfg.Trace.Headers["x-api-key"] = "changed"
	assert.Equal(t, "k", cfg.Metrics.Headers["x-api-key"])
}

func TestSignalToggles(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Service: ServiceConfig{Name: testServiceName},
		Metrics: MetricsConfig{Enabled: BoolPtr(false)},
	}
	cfg.ApplyDefaults()
	assert.True(t, cfg.TraceEnabled())
	assert.False(t, cfg.MetricsEnabled())

	disabled := Config{}
	disabled.ApplyDefaults()
	assert.False(t, disabled.TraceEnabled())
	assert.False(t, disabled.MetricsEnabled())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Enabled: true, Service: ServiceConfig{Name: testServiceName}}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid defaults", mutate: func(*Config) {}},
		{name: "disabled skips checks", mutate: func(c *Config) { c.Enabled = false; c.Service.Name = "" }},
		{name: "missing service name", mutate: func(c *Config) { c.Service.Name = "" }, wantErr: ErrMissingServiceName},
		{name: "sample rate too high", mutate: func(c *Config) { c.Trace.SampleRate = Float64Ptr(1.5) }, wantErr: ErrInvalidSampleRate},
		{name: "sample rate negative", mutate: func(c *Config) { c.Trace.SampleRate = Float64Ptr(-0.1) }, wantErr: ErrInvalidSampleRate},
		{
			name: "unknown protocol",
			mutate: func(c *Config) {
				c.Trace.Endpoint = "http://collector:4318"
				c.Trace.Protocol = "thrift"
			},
			wantErr: ErrInvalidProtocol,
		},
		{
			name: "grpc with scheme",
			mutate: func(c *Config) {
				c.Trace.Endpoint = "http://collector:4317"
				c.Trace.Protocol = ProtocolGRPC
			},
			wantErr: ErrInvalidEndpointFormat,
		},
		{
			name:    "http without scheme",
			mutate:  func(c *Config) { c.Trace.Endpoint = "collector:4318" },
			wantErr: ErrInvalidEndpointFormat,
		},
		{
			name:    "bad compression",
			mutate:  func(c *Config) { c.Trace.Compression = "zstd" },
			wantErr: ErrInvalidCompression,
		},
		{
			name: "bad metrics endpoint",
			mutate: func(c *Config) {
				c.Metrics.Enabled = BoolPtr(true)
				c.Metrics.Endpoint = "collector:4318"
			},
			wantErr: ErrInvalidEndpointFormat,
		},
		{
			name: "disabled metrics skip endpoint checks",
			mutate: func(c *Config) {
				c.Metrics.Enabled = BoolPtr(false)
				c.Metrics.Endpoint = "collector:4318"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	var nilCfg *Config
	assert.ErrorIs(t, nilCfg.Validate(), ErrNilConfig)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(mapSource{SectionKey: {Enabled: true, Service: ServiceConfig{Name: testServiceName}}})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, testServiceName, cfg.Service.Name)

	cfg, err = LoadConfig(mapSource{})
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)

	cfg, err = LoadConfig(nil)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)

	_, err = LoadConfig(failingSource{})
	assert.ErrorContains(t, err, "failed to read observability config")
}
