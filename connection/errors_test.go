package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-dvid/uri"
)

func TestErrorTypes(t *testing.T) {
	cause := errors.New("boom")
	pathErr := &uri.PathError{Path: "a/../b", Reason: "relative path segments are not allowed"}

	tests := []struct {
		name     string
		err      ClientError
		expected ErrorType
		message  string
	}{
		{
			name:     "invalid path",
			err:      NewInvalidPathError(pathErr),
			expected: InvalidPathError,
			message:  `invalid path error: invalid path "a/../b": relative path segments are not allowed`,
		},
		{
			name:     "transport",
			err:      NewTransportError("request execution failed", cause),
			expected: TransportError,
			message:  "transport error: request execution failed: boom",
		},
		{
			name:     "transport without cause",
			err:      NewTransportError("no route", nil),
			expected: TransportError,
			message:  "transport error: no route",
		},
		{
			name:     "timeout",
			err:      NewTimeoutError("request timed out", 2*time.Second),
			expected: TransportError,
			message:  "transport error: request timed out (timeout: 2s)",
		},
		{
			name:     "remote",
			err:      NewRemoteError(http.StatusBadRequest, []byte("bad alias")),
			expected: RemoteError,
			message:  "remote error: bad alias (status: 400)",
		},
		{
			name:     "remote with empty body",
			err:      NewRemoteError(http.StatusNotFound, nil),
			expected: RemoteError,
			message:  "remote error: Not Found (status: 404)",
		},
		{
			name:     "decode",
			err:      NewDecodeError("malformed JSON response", []byte("{"), cause),
			expected: DecodeError,
			message:  "decode error: malformed JSON response: boom",
		},
		{
			name:     "validation",
			err:      NewValidationError("alias cannot be empty", "alias"),
			expected: ValidationError,
			message:  "validation error: alias cannot be empty (field: alias)",
		},
		{
			name:     "validation without field",
			err:      NewValidationError("bad input", ""),
			expected: ValidationError,
			message:  "validation error: bad input",
		},
		{
			name:     "interceptor",
			err:      NewInterceptorError("request interceptor failed", "request", cause),
			expected: InterceptorError,
			message:  "interceptor error: request interceptor failed (stage: request): boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Type())
			assert.Equal(t, tt.message, tt.err.Error())
			assert.True(t, IsErrorType(tt.err, tt.expected))
			assert.True(t, IsErrorType(fmt.Errorf("wrapped: %w", tt.err), tt.expected))
		})
	}
}

func TestIsErrorTypeRejectsOthers(t *testing.T) {
	assert.False(t, IsErrorType(nil, TransportError))
	assert.False(t, IsErrorType(errors.New("plain"), TransportError))
	assert.False(t, IsErrorType(NewValidationError("x", ""), TransportError))
}

func TestErrorUnwrapping(t *testing.T) {
	pathErr := &uri.PathError{Path: "", Reason: "path cannot be empty"}
	assert.True(t, uri.IsPathError(NewInvalidPathError(pathErr)))

	assert.ErrorIs(t, NewTimeoutError("slow", time.Second), context.DeadlineExceeded)

	cause := errors.New("denied")
	assert.ErrorIs(t, NewInterceptorError("failed", "request", cause), cause)
	assert.ErrorIs(t, NewDecodeError("bad", nil, cause), cause)
}

func TestStatusErrorHelpers(t *testing.T) {
	body := []byte("no such repo\n")
	err := fmt.Errorf("create repo: %w", NewRemoteError(http.StatusNotFound, body))

	statusErr, ok := AsStatusError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode())
	assert.Equal(t, "no such repo\n", statusErr.Message())
	assert.Equal(t, body, statusErr.Body())

	assert.True(t, IsRemoteStatus(err, http.StatusNotFound))
	assert.False(t, IsRemoteStatus(err, http.StatusBadRequest))

	_, ok = AsStatusError(NewTransportError("x", nil))
	assert.False(t, ok)
}

func TestTimeoutAndTransientClassification(t *testing.T) {
	assert.True(t, IsTimeout(NewTimeoutError("slow", time.Second)))
	assert.True(t, IsTimeout(newCancelledError(context.DeadlineExceeded)))
	assert.False(t, IsTimeout(newCancelledError(context.Canceled)))
	assert.False(t, IsTimeout(NewTransportError("refused", nil)))
	assert.False(t, IsTimeout(NewRemoteError(http.StatusGatewayTimeout, nil)))

	assert.True(t, IsTransient(NewTransportError("refused", nil)))
	assert.True(t, IsTransient(NewRemoteError(http.StatusBadGateway, nil)))
	assert.True(t, IsTransient(NewRemoteError(http.StatusServiceUnavailable, nil)))
	assert.True(t, IsTransient(NewRemoteError(http.StatusGatewayTimeout, nil)))
	assert.False(t, IsTransient(NewRemoteError(http.StatusInternalServerError, nil)))
	assert.False(t, IsTransient(NewValidationError("x", "")))
}

func TestCancelledErrorMessage(t *testing.T) {
	err := newCancelledError(context.Canceled)
	assert.Equal(t, "transport error: request cancelled: context canceled", err.Error())
}

func TestIsSuccessStatus(t *testing.T) {
	assert.True(t, IsSuccessStatus(http.StatusOK))
	assert.True(t, IsSuccessStatus(http.StatusNoContent))
	assert.False(t, IsSuccessStatus(http.StatusMultipleChoices))
	assert.False(t, IsSuccessStatus(http.StatusBadRequest))
	assert.False(t, IsSuccessStatus(199))
}
