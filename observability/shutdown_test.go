package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubProvider struct {
	noopProvider
	err      error
	deadline bool
}

func (s *stubProvider) Shutdown(ctx context.Context) error {
	_, s.deadline = ctx.Deadline()
	return s.err
}

func TestShutdown(t *testing.T) {
	assert.NoError(t, Shutdown(nil, time.Second))

	ok := &stubProvider{}
	assert.NoError(t, Shutdown(ok, 0))
	assert.True(t, ok.deadline)

	failing := &stubProvider{err: errors.New("exporter closed")}
	err := Shutdown(failing, time.Second)
	assert.ErrorContains(t, err, "observability shutdown failed")
	assert.ErrorContains(t, err, "exporter closed")
}
