package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ClientError represents the distinct failure kinds a connection reports
type ClientError interface {
	error
	Type() ErrorType
}

// StatusError is implemented by errors that carry a remote HTTP status.
type StatusError interface {
	error
	StatusCode() int
	// Message is the remote body text, unmodified.
	Message() string
	Body() []byte
}

// ErrorType defines the category of client error
type ErrorType string

const (
	InvalidPathError ErrorType = "invalid_path"
	TransportError   ErrorType = "transport"
	RemoteError      ErrorType = "remote"
	DecodeError      ErrorType = "decode"
	ValidationError  ErrorType = "validation"
	InterceptorError ErrorType = "interceptor"
)

// pathError wraps a *uri.PathError
type pathError struct {
	wrapped error
}

func (e *pathError) Error() string {
	return fmt.Sprintf("invalid path error: %v", e.wrapped)
}

func (e *pathError) Type() ErrorType {
	return InvalidPathError
}

func (e *pathError) Unwrap() error {
	return e.wrapped
}

// transportError represents failures where no usable response was received
type transportError struct {
	message  string
	wrapped  error
	timeout  time.Duration
	timedOut bool
}

func (e *transportError) Error() string {
	switch {
	case e.timedOut && e.timeout > 0:
		return fmt.Sprintf("transport error: %s (timeout: %v)", e.message, e.timeout)
	case e.wrapped != nil:
		return fmt.Sprintf("transport error: %s: %v", e.message, e.wrapped)
	default:
		return fmt.Sprintf("transport error: %s", e.message)
	}
}

func (e *transportError) Type() ErrorType {
	return TransportError
}

func (e *transportError) Unwrap() error {
	return e.wrapped
}

// Timeout reports whether the failure was a deadline expiry.
func (e *transportError) Timeout() bool {
	return e.timedOut
}

// remoteError represents a non-2xx response from the DVID server
type remoteError struct {
	statusCode int
	body       []byte
}

func (e *remoteError) Error() string {
	msg := e.Message()
	if msg == "" {
		msg = http.StatusText(e.statusCode)
	}
	return fmt.Sprintf("remote error: %s (status: %d)", msg, e.statusCode)
}

func (e *remoteError) Type() ErrorType {
	return RemoteError
}

func (e *remoteError) StatusCode() int {
	return e.statusCode
}

func (e *remoteError) Message() string {
	return string(e.body)
}

func (e *remoteError) Body() []byte {
	return e.body
}

// decodeError represents a 2xx body that could not be interpreted
type decodeError struct {
	message string
	body    []byte
	wrapped error
}

func (e *decodeError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("decode error: %s: %v", e.message, e.wrapped)
	}
	return fmt.Sprintf("decode error: %s", e.message)
}

func (e *decodeError) Type() ErrorType {
	return DecodeError
}

func (e *decodeError) Unwrap() error {
	return e.wrapped
}

func (e *decodeError) Body() []byte {
	return e.body
}

// validationError represents invalid arguments rejected before any I/O
type validationError struct {
	message string
	field   string
}

func (e *validationError) Error() string {
	if e.field != "" {
		return fmt.Sprintf("validation error: %s (field: %s)", e.message, e.field)
	}
	return fmt.Sprintf("validation error: %s", e.message)
}

func (e *validationError) Type() ErrorType {
	return ValidationError
}

func (e *validationError) Field() string {
	return e.field
}

// interceptorError represents interceptor-related errors
type interceptorError struct {
	message string
	wrapped error
	stage   string
}

func (e *interceptorError) Error() string {
	return fmt.Sprintf("interceptor error: %s (stage: %s): %v", e.message, e.stage, e.wrapped)
}

func (e *interceptorError) Type() ErrorType {
	return InterceptorError
}

func (e *interceptorError) Unwrap() error {
	return e.wrapped
}

func (e *interceptorError) Stage() string {
	return e.stage
}

// NewInvalidPathError wraps a path composition failure
func NewInvalidPathError(wrapped error) ClientError {
	return &pathError{wrapped: wrapped}
}

// NewTransportError creates a new transport error
func NewTransportError(message string, wrapped error) ClientError {
	return &transportError{
		message: message,
		wrapped: wrapped,
	}
}

// NewTimeoutError creates a transport error for a deadline expiry
func NewTimeoutError(message string, timeout time.Duration) ClientError {
	return &transportError{
		message:  message,
		wrapped:  context.DeadlineExceeded,
		timeout:  timeout,
		timedOut: true,
	}
}

// NewRemoteError creates an error for a non-2xx status with the body as message
func NewRemoteError(statusCode int, body []byte) ClientError {
	return &remoteError{
		statusCode: statusCode,
		body:       body,
	}
}

// NewDecodeError creates a new decode error
func NewDecodeError(message string, body []byte, wrapped error) ClientError {
	return &decodeError{
		message: message,
		body:    body,
		wrapped: wrapped,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message, field string) ClientError {
	return &validationError{
		message: message,
		field:   field,
	}
}

// NewInterceptorError creates a new interceptor error
func NewInterceptorError(message, stage string, wrapped error) ClientError {
	return &interceptorError{
		message: message,
		wrapped: wrapped,
		stage:   stage,
	}
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	var clientErr ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type() == errorType
	}
	return false
}

// AsStatusError extracts the remote status error from err, if any.
func AsStatusError(err error) (StatusError, bool) {
	var remoteErr *remoteError
	if errors.As(err, &remoteErr) {
		return remoteErr, true
	}
	return nil, false
}

// IsRemoteStatus checks if an error is a remote error with a specific status code
func IsRemoteStatus(err error, statusCode int) bool {
	statusErr, ok := AsStatusError(err)
	return ok && statusErr.StatusCode() == statusCode
}

// IsTimeout reports whether err is a transport error caused by a deadline.
func IsTimeout(err error) bool {
	var transportErr *transportError
	return errors.As(err, &transportErr) && transportErr.Timeout()
}

// IsTransient reports whether err is the kind of failure a later identical
// request might not hit: any transport error or a gateway status.
func IsTransient(err error) bool {
	if IsErrorType(err, TransportError) {
		return true
	}
	statusErr, ok := AsStatusError(err)
	return ok && isGatewayStatus(statusErr.StatusCode())
}

// IsSuccessStatus checks if a status code represents success (2xx)
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func isGatewayStatus(code int) bool {
	return code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}
