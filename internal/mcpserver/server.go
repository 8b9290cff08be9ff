// Package mcpserver exposes the gateway's Strava read operations as MCP
// tools over stdio or streamable HTTP.
package mcpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/piwibardy/strava-mcp-http/internal/config"
	"github.com/piwibardy/strava-mcp-http/internal/service"
	"github.com/piwibardy/strava-mcp-http/internal/store"
	"github.com/piwibardy/strava-mcp-http/internal/strava"
)

const (
	serverName    = "strava"
	serverVersion = "1.0.0"
)

// ErrNotAuthenticated is returned when a tool call carries no usable
// credentials.
var ErrNotAuthenticated = errors.New(
	"no API key provided: authenticate via the OAuth flow or send Authorization: Bearer <api-key>")

// UserStore is the slice of the credential store the MCP layer needs.
type UserStore interface {
	service.TokenStore
	UserByAPIKey(ctx context.Context, apiKey string) (*store.User, error)
}

// Server wires the MCP tool surface to per-user Strava services.
type Server struct {
	cfg    *config.Config
	users  UserStore
	limits *strava.RateLimitTracker
	logger *slog.Logger
	mcp    *mcp.Server
}

// New builds the MCP server and registers all tools. users may be nil in
// single-user (stdio) deployments without a database.
func New(cfg *config.Config, users UserStore, limits *strava.RateLimitTracker, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		users:  users,
		limits: limits,
		logger: logger,
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	s.registerTools()
	return s
}

// Run serves the stdio transport until the context is cancelled or stdin
// closes.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler returns the streamable HTTP handler. Stateless mode: every
// request is self-contained, which keeps the surface scalable behind a
// reverse proxy.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

// serviceFor resolves the Strava service for the current call: a stored
// user identified by the bearer key, or the configured single-user
// credentials when no key is present.
func (s *Server) serviceFor(ctx context.Context) (*service.Service, error) {
	if key := APIKeyFrom(ctx); key != "" {
		if s.users == nil {
			return nil, ErrNotAuthenticated
		}
		user, err := s.users.UserByAPIKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, errors.New("invalid API key: please re-authenticate")
		}
		return service.ForUser(s.cfg, user, s.users, s.limits, s.logger), nil
	}
	if s.cfg.RefreshToken != "" {
		return service.SingleUser(s.cfg, s.limits, s.logger), nil
	}
	return nil, ErrNotAuthenticated
}
