// Package config loads the DVID client configuration from defaults, an
// optional YAML file and DVID_* environment variables using koanf.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/gaborage/go-dvid/connection"
)

const (
	// DefaultFile is the YAML file Load reads when it exists.
	DefaultFile = "dvid.yaml"

	// EnvPrefix selects the environment variables that override file values.
	// DVID_CLIENT_RETRIES_MAX maps to client.retries.max. A double underscore
	// stands for a literal one: DVID_OBSERVABILITY_TRACE_SAMPLE__RATE maps to
	// observability.trace.sample_rate.
	EnvPrefix = "DVID_"

	// DefaultServer is the address of a DVID server on its default port.
	DefaultServer = "localhost:8000"
)

// Load loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. dvid.yaml in the working directory, when present
// 3. Default values (lowest priority)
func Load() (*Config, error) {
	return load(func(k *koanf.Koanf) error {
		if _, err := os.Stat(DefaultFile); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return k.Load(file.Provider(DefaultFile), yaml.Parser())
	})
}

// LoadFile is like Load but reads the YAML file at path, which must exist.
func LoadFile(path string) (*Config, error) {
	return load(func(k *koanf.Koanf) error {
		return k.Load(file.Provider(path), yaml.Parser())
	})
}

// LoadBytes is like Load but reads YAML from data, e.g. an embedded file.
func LoadBytes(data []byte) (*Config, error) {
	return load(func(k *koanf.Koanf) error {
		return k.Load(rawbytes.Provider(data), yaml.Parser())
	})
}

func load(source func(k *koanf.Koanf) error) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := source(k); err != nil {
		return nil, fmt.Errorf("failed to load YAML configuration: %w", err)
	}

	if err := k.Load(envProvider(), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Store the Koanf instance for flexible access
	cfg.k = k

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// envProvider converts DVID_UPPER_CASE to upper.case for koanf
func envProvider() *env.Env {
	return env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return keyForEnv(key), value
		},
	})
}

// keyForEnv maps an environment variable name to its dotted config key.
func keyForEnv(name string) string {
	parts := strings.Split(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__")
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(part, "_", ".")
	}
	return strings.Join(parts, "_")
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"client.server":        DefaultServer,
		"client.timeout":       connection.DefaultTimeout.String(),
		"client.retries.max":   connection.DefaultMaxRetries,
		"client.retries.delay": connection.DefaultRetryDelay.String(),
		"client.rate.limit":    0,
		"client.rate.burst":    0,
		"client.coalesce":      false,
		"client.payloads.log":  false,
		"client.payloads.max":  connection.DefaultMaxPayloadLogBytes,

		"log.level":  "info",
		"log.pretty": false,
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}
