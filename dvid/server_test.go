package dvid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-dvid/config"
	"github.com/gaborage/go-dvid/connection"
	"github.com/gaborage/go-dvid/logger"
	obstest "github.com/gaborage/go-dvid/observability/testing"
	"github.com/gaborage/go-dvid/testing/mockdvid"
)

const (
	testAlias       = "mushroom-body"
	testDescription = "FIB-SEM test volume"
	reposRoute      = "/api/repos"
	serverInfoRoute = "/api/server/info"
)

type fieldError interface {
	Field() string
}

func createTestLogger() logger.Logger {
	return logger.NewWithWriter(io.Discard, "debug", false, nil)
}

func newTestServer(t *testing.T, mock *mockdvid.Server, opts ...Option) *Server {
	t.Helper()
	base := []Option{WithLogger(createTestLogger())}
	s, err := NewServer(mock.Address(), append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func withRetries(n int) Option {
	return WithConnectionBuilder(func(b *connection.Builder) {
		b.WithRetries(n, time.Millisecond)
	})
}

func TestNewServer(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock)

	assert.Equal(t, mock.Address(), s.Address())
	assert.Equal(t, "http://"+mock.Address()+"/api", s.URIRoot())
	assert.Equal(t, s.URIRoot(), s.URIRoot())
	assert.Equal(t, s.URIRoot(), s.Connection().URIRoot())
}

func TestNewServerNormalizesAddress(t *testing.T) {
	s, err := NewServer("  HTTP://EMData.example.org:8000/ ")
	require.NoError(t, err)
	assert.Equal(t, "http://emdata.example.org:8000/api", s.URIRoot())
}

func TestNewServerInvalidAddress(t *testing.T) {
	for _, addr := range []string{"", "   ", "ftp://emdata.example.org"} {
		t.Run(addr, func(t *testing.T) {
			s, err := NewServer(addr)
			assert.Nil(t, s)
			assert.True(t, connection.IsErrorType(err, connection.InvalidPathError), "got %v", err)
		})
	}
}

func TestNewServerWithConnection(t *testing.T) {
	conn, err := connection.NewConnection("localhost:8000", createTestLogger())
	require.NoError(t, err)

	s, err := NewServer("ignored:1", WithConnection(conn))
	require.NoError(t, err)
	assert.Same(t, conn, s.Connection())
	assert.Equal(t, "http://localhost:8000/api", s.URIRoot())
}

func TestCreateNewRepo(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock)

	id, err := s.CreateNewRepo(context.Background(), testAlias, testDescription)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	alias, ok := mock.RepoAlias(id)
	require.True(t, ok)
	assert.Equal(t, testAlias, alias)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, reposRoute, reqs[0].Path)
	assert.Equal(t, connection.ContentTypeJSON, reqs[0].Header.Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(reqs[0].Body, &body))
	assert.Equal(t, map[string]string{"alias": testAlias, "description": testDescription}, body)
}

func TestCreateNewRepoEmptyDescription(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock)

	id, err := s.CreateNewRepo(context.Background(), testAlias, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestCreateNewRepoRejectsEmptyAlias(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock)

	for _, alias := range []string{"", "   ", "\t\n", ""} {
		id, err := s.CreateNewRepo(context.Background(), alias, testDescription)
		assert.Empty(t, id)
		require.True(t, connection.IsErrorType(err, connection.ValidationError), "got %v", err)

		var fe fieldError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "alias", fe.Field())
	}
	assert.Zero(t, mock.Count(http.MethodPost, reposRoute))
}

func TestCreateNewRepoRemoteError(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock)

	t.Run("alias conflict", func(t *testing.T) {
		mock.AddRepo("taken", "")

		_, err := s.CreateNewRepo(context.Background(), "taken", testDescription)
		require.True(t, connection.IsRemoteStatus(err, http.StatusConflict), "got %v", err)

		se, ok := connection.AsStatusError(err)
		require.True(t, ok)
		assert.Equal(t, `alias "taken" exists`, se.Message())
	})

	t.Run("message is unmodified", func(t *testing.T) {
		mock.InjectFault(http.MethodPost, reposRoute, mockdvid.Fault{Status: http.StatusConflict, Body: "alias exists"})

		_, err := s.CreateNewRepo(context.Background(), testAlias, testDescription)
		se, ok := connection.AsStatusError(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, http.StatusConflict, se.StatusCode())
		assert.Equal(t, "alias exists", se.Message())
	})
}

func TestCreateNewRepoIsNeverRetried(t *testing.T) {
	tests := []struct {
		name    string
		fault   mockdvid.Fault
		errType connection.ErrorType
	}{
		{name: "connection reset", fault: mockdvid.Fault{Reset: true}, errType: connection.TransportError},
		{name: "service unavailable", fault: mockdvid.Fault{Status: http.StatusServiceUnavailable, Body: "busy"}, errType: connection.RemoteError},
		{name: "bad gateway", fault: mockdvid.Fault{Status: http.StatusBadGateway, Body: "proxy"}, errType: connection.RemoteError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := mockdvid.Start(t)
			s := newTestServer(t, mock, withRetries(3))
			mock.InjectFault(http.MethodPost, reposRoute, tt.fault)

			_, err := s.CreateNewRepo(context.Background(), testAlias, testDescription)
			assert.True(t, connection.IsErrorType(err, tt.errType), "got %v", err)
			assert.Equal(t, 1, mock.Count(http.MethodPost, reposRoute))
		})
	}
}

func TestCreateNewRepoDecodeErrors(t *testing.T) {
	bodies := map[string]string{
		"missing field": `{"uuid":"abc"}`,
		"empty field":   `{"root":""}`,
		"wrong type":    `{"root":42}`,
		"not json":      `created`,
		"empty body":    ``,
		"array":         `["abc"]`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			mock := mockdvid.Start(t)
			s := newTestServer(t, mock)
			mock.InjectFault(http.MethodPost, reposRoute, mockdvid.Fault{Status: http.StatusOK, Body: body})

			id, err := s.CreateNewRepo(context.Background(), testAlias, testDescription)
			assert.Empty(t, id)
			assert.True(t, connection.IsErrorType(err, connection.DecodeError), "got %v", err)
		})
	}
}

func TestCustomRepoIDDecoder(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock, WithRepoIDDecoder(FieldRepoIDDecoder("id")))
	mock.InjectFault(http.MethodPost, reposRoute, mockdvid.Fault{Status: http.StatusOK, Body: `{"id":"a1b2c3"}`})

	id, err := s.CreateNewRepo(context.Background(), testAlias, testDescription)
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3", id)
}

func TestCreateNewRepoPropagatesCancellation(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.CreateNewRepo(ctx, testAlias, testDescription)
	assert.True(t, connection.IsErrorType(err, connection.TransportError), "got %v", err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServerInfo(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock)

	info, err := s.ServerInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mockdvid.Version, info["DVID Version"])
}

func TestServerInfoRetriesTransientFailures(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock, withRetries(2))
	mock.InjectFault(http.MethodGet, serverInfoRoute,
		mockdvid.Fault{Reset: true},
		mockdvid.Fault{Status: http.StatusServiceUnavailable, Body: "starting"})

	info, err := s.ServerInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mockdvid.Version, info["DVID Version"])
	assert.Equal(t, 3, mock.Count(http.MethodGet, serverInfoRoute))
}

func TestServerInfoRetryBound(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock, withRetries(1))
	mock.InjectFault(http.MethodGet, serverInfoRoute,
		mockdvid.Fault{Reset: true},
		mockdvid.Fault{Reset: true},
		mockdvid.Fault{Reset: true})

	_, err := s.ServerInfo(context.Background())
	assert.True(t, connection.IsTransient(err), "got %v", err)
	assert.Equal(t, 2, mock.Count(http.MethodGet, serverInfoRoute))
}

func TestServerInfoTimeout(t *testing.T) {
	mock := mockdvid.Start(t)
	s := newTestServer(t, mock, WithConnectionBuilder(func(b *connection.Builder) {
		b.WithTimeout(50 * time.Millisecond)
	}))
	mock.InjectFault(http.MethodGet, serverInfoRoute, mockdvid.Fault{Delay: time.Second})

	_, err := s.ServerInfo(context.Background())
	assert.True(t, connection.IsTimeout(err), "got %v", err)
}

func TestNewServerFromConfig(t *testing.T) {
	mock := mockdvid.Start(t)
	yaml := strings.Join([]string{
		"client:",
		"  server: " + mock.Address(),
		"  timeout: 5s",
		"  retries:",
		"    max: 2",
		"    delay: 1ms",
		"  rate:",
		"    limit: 1000",
		"    burst: 10",
		"  coalesce: true",
		"  payloads:",
		"    log: true",
		"    max: 64",
		"  auth:",
		"    username: dvid",
		"    password: secret",
	}, "\n")
	cfg, err := config.LoadBytes([]byte(yaml))
	require.NoError(t, err)

	s, err := NewServerFromConfig(cfg, createTestLogger())
	require.NoError(t, err)
	assert.Equal(t, mock.Address(), s.Address())

	// Configured retries apply to idempotent calls
	mock.InjectFault(http.MethodGet, serverInfoRoute, mockdvid.Fault{Status: http.StatusGatewayTimeout})
	_, err = s.ServerInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mock.Count(http.MethodGet, serverInfoRoute))

	reqs := mock.Requests()
	require.NotEmpty(t, reqs)
	user, pass, ok := (&http.Request{Header: reqs[0].Header}).BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "dvid", user)
	assert.Equal(t, "secret", pass)
}

func TestNewServerFromNilConfig(t *testing.T) {
	_, err := NewServerFromConfig(nil, nil)
	assert.True(t, connection.IsErrorType(err, connection.ValidationError))
}

func TestCreateNewRepoTraced(t *testing.T) {
	tp := obstest.NewTestTraceProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	mock := mockdvid.Start(t, mockdvid.WithTracerProvider(tp))
	s := newTestServer(t, mock, WithConnectionBuilder(func(b *connection.Builder) {
		b.WithTracerProvider(tp)
	}))

	_, err := s.CreateNewRepo(context.Background(), testAlias, testDescription)
	require.NoError(t, err)

	spans := obstest.NewSpanCollector(t, tp.Exporter)
	client := spans.WithName("dvid POST").AssertCount(1).First()
	assert.Equal(t, 2, spans.Len())

	var serverSpan bool
	for _, span := range tp.Exporter.GetSpans() {
		if span.SpanContext.SpanID() == client.SpanContext.SpanID() {
			continue
		}
		serverSpan = true
		assert.Equal(t, client.SpanContext.TraceID(), span.SpanContext.TraceID())
		assert.Equal(t, client.SpanContext.SpanID(), span.Parent.SpanID())
	}
	assert.True(t, serverSpan)
}
