// Package dvid provides the façades of the DVID client. Server exposes
// repository-level operations and NodeService the operations scoped to one
// version node. Both delegate every call to a connection.Connection.
package dvid

import (
	"context"
	"strings"

	"github.com/gaborage/go-dvid/config"
	"github.com/gaborage/go-dvid/connection"
	"github.com/gaborage/go-dvid/logger"
)

const (
	// DefaultRepoIDField is the response field holding a new repository's root UUID.
	DefaultRepoIDField = "root"

	reposPath      = "repos"
	serverInfoPath = "server/info"
)

// ServerInfo is the decoded body of GET /api/server/info.
type ServerInfo map[string]any

// Server is the façade for one DVID server.
type Server struct {
	address          string
	conn             connection.Connection
	logger           logger.Logger
	decodeRepoID     RepoIDDecoder
	fetchConcurrency int
}

type createRepoRequest struct {
	Alias       string `json:"alias" validate:"required"`
	Description string `json:"description"`
}

// NewServer creates a Server for address (host[:port], optionally with an
// http or https scheme).
func NewServer(address string, opts ...Option) (*Server, error) {
	o := newOptions(opts)

	conn := o.conn
	if conn == nil {
		b := connection.NewBuilder(address, o.logger)
		for _, fn := range o.configure {
			fn(b)
		}
		var err error
		if conn, err = b.Build(); err != nil {
			return nil, err
		}
	}

	return &Server{
		address:          address,
		conn:             conn,
		logger:           o.logger,
		decodeRepoID:     o.decodeRepoID,
		fetchConcurrency: o.fetchConcurrency,
	}, nil
}

// NewServerFromConfig creates a Server from the client section of cfg. opts
// are applied after the configured values.
func NewServerFromConfig(cfg *config.Config, log logger.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, connection.NewValidationError("configuration cannot be nil", "config")
	}
	client := cfg.Client

	configure := func(b *connection.Builder) {
		b.WithTimeout(client.Timeout).
			WithRetries(client.Retries.Max, client.Retries.Delay)
		if client.Rate.Limit > 0 {
			b.WithRateLimit(client.Rate.Limit, client.Rate.Burst)
		}
		if client.Coalesce {
			b.WithRequestCoalescing()
		}
		if client.Payloads.Log {
			b.WithLogPayloads(client.Payloads.Max)
		}
		if client.Auth.Enabled() {
			b.WithBasicAuth(client.Auth.Username, client.Auth.Password)
		}
	}

	base := []Option{WithLogger(log), WithConnectionBuilder(configure)}
	return NewServer(client.Server, append(base, opts...)...)
}

// Address returns the address the server was created with.
func (s *Server) Address() string {
	return s.address
}

// URIRoot returns the normalized base URI of every request.
func (s *Server) URIRoot() string {
	return s.conn.URIRoot()
}

// Connection returns the underlying connection.
func (s *Server) Connection() connection.Connection {
	return s.conn
}

// CreateNewRepo creates a repository and returns its root UUID. An empty alias
// is rejected before any request is sent. The request is never retried because
// a resend could create a second repository.
func (s *Server) CreateNewRepo(ctx context.Context, alias, description string) (string, error) {
	if err := validateInput(&createRepoRequest{Alias: strings.TrimSpace(alias)}); err != nil {
		return "", err
	}

	body, err := connection.EncodeJSON(createRepoRequest{Alias: alias, Description: description})
	if err != nil {
		return "", err
	}

	resp, err := s.conn.Post(ctx, reposPath, body,
		connection.WithRetries(0),
		connection.WithContentType(connection.ContentTypeJSON))
	if err != nil {
		return "", err
	}

	id, err := s.decodeRepoID(resp)
	if err != nil {
		return "", err
	}

	s.logger.Info().
		Str("alias", alias).
		Str("uuid", id).
		Msg("Created DVID repository")
	return id, nil
}

// ServerInfo returns the server's self-description.
func (s *Server) ServerInfo(ctx context.Context) (ServerInfo, error) {
	resp, err := s.conn.Get(ctx, serverInfoPath)
	if err != nil {
		return nil, err
	}
	var info ServerInfo
	if err := connection.DecodeJSON(resp, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Node returns a NodeService for uuid that shares this server's connection.
// Surrounding whitespace is dropped.
func (s *Server) Node(uuid string) (*NodeService, error) {
	uuid = strings.TrimSpace(uuid)
	if err := validateInput(&nodeRef{UUID: uuid}); err != nil {
		return nil, err
	}
	return &NodeService{server: s, uuid: uuid}, nil
}
