package config

import (
	"time"

	"github.com/knadh/koanf/v2"
)

// Config represents the DVID client configuration. The embedded koanf
// instance keeps every loaded key reachable, including sections such as
// "observability" that other packages unmarshal themselves.
type Config struct {
	Client ClientConfig `koanf:"client" json:"client" yaml:"client" mapstructure:"client"`
	Log    LogConfig    `koanf:"log" json:"log" yaml:"log" mapstructure:"log"`

	// k holds the underlying Koanf instance for flexible access to custom configurations
	k *koanf.Koanf `json:"-" yaml:"-" mapstructure:"-"`
}

// ClientConfig holds the connection settings for one DVID server.
type ClientConfig struct {
	// Server is the DVID address, host[:port] with an optional http(s) scheme.
	Server   string         `koanf:"server" json:"server" yaml:"server" mapstructure:"server" validate:"required"`
	Timeout  time.Duration  `koanf:"timeout" json:"timeout" yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`
	Retries  RetriesConfig  `koanf:"retries" json:"retries" yaml:"retries" mapstructure:"retries"`
	Rate     RateConfig     `koanf:"rate" json:"rate" yaml:"rate" mapstructure:"rate"`
	Coalesce bool           `koanf:"coalesce" json:"coalesce" yaml:"coalesce" mapstructure:"coalesce"`
	Payloads PayloadsConfig `koanf:"payloads" json:"payloads" yaml:"payloads" mapstructure:"payloads"`
	Auth     AuthConfig     `koanf:"auth" json:"auth" yaml:"auth" mapstructure:"auth"`
}

// RetriesConfig bounds retries of retry-eligible requests.
type RetriesConfig struct {
	Max   int           `koanf:"max" json:"max" yaml:"max" mapstructure:"max" validate:"gte=0"`
	Delay time.Duration `koanf:"delay" json:"delay" yaml:"delay" mapstructure:"delay" validate:"gte=0"`
}

// RateConfig holds client-side rate limiting settings. A zero Limit disables it.
type RateConfig struct {
	Limit float64 `koanf:"limit" json:"limit" yaml:"limit" mapstructure:"limit" validate:"gte=0"`
	Burst int     `koanf:"burst" json:"burst" yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

// PayloadsConfig controls debug logging of request and response bodies.
type PayloadsConfig struct {
	Log bool `koanf:"log" json:"log" yaml:"log" mapstructure:"log"`
	Max int  `koanf:"max" json:"max" yaml:"max" mapstructure:"max" validate:"gte=0"`
}

// AuthConfig holds optional basic auth credentials.
type AuthConfig struct {
	Username string `koanf:"username" json:"username" yaml:"username" mapstructure:"username"`
	Password string `koanf:"password" json:"password" yaml:"password" mapstructure:"password"`
}

// Enabled reports whether credentials were configured.
func (a AuthConfig) Enabled() bool {
	return a.Username != ""
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Pretty bool   `koanf:"pretty" json:"pretty" yaml:"pretty" mapstructure:"pretty"`
}
