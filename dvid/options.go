package dvid

import (
	"reflect"
	"strings"

	"github.com/gaborage/go-dvid/connection"
	"github.com/gaborage/go-dvid/logger"
	"github.com/gaborage/go-dvid/validation"
)

// DefaultFetchConcurrency bounds the parallel GETs issued by GetMany.
const DefaultFetchConcurrency = 8

// Option customizes NewServer and NewNodeService.
type Option func(*options)

type options struct {
	logger           logger.Logger
	conn             connection.Connection
	configure        []func(*connection.Builder)
	decodeRepoID     RepoIDDecoder
	fetchConcurrency int
}

// WithLogger sets the logger used by the façade and by the connection it builds.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithConnection injects an existing connection. Builder options are ignored.
func WithConnection(conn connection.Connection) Option {
	return func(o *options) { o.conn = conn }
}

// WithConnectionBuilder customizes the connection before it is built. It may be
// given more than once; functions run in order.
func WithConnectionBuilder(fn func(*connection.Builder)) Option {
	return func(o *options) {
		if fn != nil {
			o.configure = append(o.configure, fn)
		}
	}
}

// WithRepoIDDecoder replaces the decoder that extracts the repository id from
// a successful create response.
func WithRepoIDDecoder(decoder RepoIDDecoder) Option {
	return func(o *options) { o.decodeRepoID = decoder }
}

// WithFetchConcurrency bounds the number of concurrent requests issued by GetMany.
func WithFetchConcurrency(n int) Option {
	return func(o *options) { o.fetchConcurrency = n }
}

func newOptions(opts []Option) options {
	o := options{
		logger:           logger.Nop(),
		decodeRepoID:     FieldRepoIDDecoder(DefaultRepoIDField),
		fetchConcurrency: DefaultFetchConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Nop()
	}
	if o.decodeRepoID == nil {
		o.decodeRepoID = FieldRepoIDDecoder(DefaultRepoIDField)
	}
	if o.fetchConcurrency <= 0 {
		o.fetchConcurrency = DefaultFetchConcurrency
	}
	return o
}

// inputValidator reports failing fields by their json name.
var inputValidator = func() *validation.Validator {
	v := validation.NewValidator()
	v.GetValidator().RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}()

// validateInput converts validator failures into connection validation errors.
func validateInput(v any) error {
	err := inputValidator.Validate(v)
	if err == nil {
		return nil
	}
	if ve, ok := err.(*validation.ValidationError); ok {
		return connection.NewValidationError(ve.Error(), ve.FirstField())
	}
	return connection.NewValidationError(err.Error(), "")
}
