package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gaborage/go-dvid/uri"
	"github.com/gaborage/go-dvid/validation"
)

// LogLevels lists the accepted values of log.level.
var LogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}

var configValidator = newConfigValidator()

// newConfigValidator reports failing fields by their koanf key
func newConfigValidator() *validator.Validate {
	v := validation.NewValidator().GetValidator()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks cfg and returns a *ConfigError for the first problem found.
func Validate(cfg *Config) error {
	if err := validateTags(cfg); err != nil {
		return err
	}

	if err := validateClient(&cfg.Client); err != nil {
		return err
	}

	return nil
}

func validateTags(cfg *Config) error {
	err := configValidator.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]
	field := keyFor(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return NewMissingFieldError(field)
	case "oneof":
		return NewInvalidFieldError(field, "unsupported value "+quote(fe.Value()), strings.Fields(fe.Param()))
	case "gte":
		return NewInvalidFieldError(field, "must not be negative", nil)
	default:
		return NewInvalidFieldError(field, "failed "+fe.Tag()+" validation", nil)
	}
}

// validateClient checks what struct tags cannot express
func validateClient(cfg *ClientConfig) error {
	if _, err := uri.NormalizeRoot(cfg.Server); err != nil {
		return &ConfigError{
			Category: "invalid",
			Field:    "client.server",
			Message:  err.Error(),
			Action:   "use host[:port] optionally prefixed with http:// or https://",
		}
	}

	if cfg.Auth.Password != "" && cfg.Auth.Username == "" {
		return NewMissingFieldError("client.auth.username")
	}

	return nil
}

// keyFor turns "Config.client.retries.max" into "client.retries.max"
func keyFor(namespace string) string {
	_, key, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return key
}

func quote(v any) string {
	s, ok := v.(string)
	if !ok {
		return "value"
	}
	return `"` + s + `"`
}
