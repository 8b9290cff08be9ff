// Package httpapi assembles the gateway's HTTP surface: health check,
// Strava authorization routes, the MCP OAuth authorization server, and the
// MCP streamable endpoint.
package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/piwibardy/strava-mcp-http/internal/config"
	"github.com/piwibardy/strava-mcp-http/internal/mcpserver"
	"github.com/piwibardy/strava-mcp-http/internal/store"
	"github.com/piwibardy/strava-mcp-http/internal/strava"
)

// Options collects the dependencies of the HTTP server.
type Options struct {
	Config *config.Config
	Store  *store.Store

	// MCPHandler serves the streamable MCP endpoint (mounted at /mcp).
	MCPHandler http.Handler

	// OAuth overrides the Strava OAuth client, for tests. When nil it is
	// built from Config.
	OAuth *strava.OAuth

	Logger *slog.Logger
}

type api struct {
	cfg    *config.Config
	store  *store.Store
	oauth  *strava.OAuth
	logger *slog.Logger
}

// NewServer builds the fiber app with all routes registered.
func NewServer(opts Options) *fiber.App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	oauth := opts.OAuth
	if oauth == nil {
		oauth = &strava.OAuth{
			ClientID:     opts.Config.ClientID,
			ClientSecret: opts.Config.ClientSecret,
			RedirectURI:  callbackURI(opts.Config),
			StateSecret:  []byte(opts.Config.StateSecret),
		}
	}

	a := &api{cfg: opts.Config, store: opts.Store, oauth: oauth, logger: logger}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          60 * time.Second,
	})

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

	a.registerStravaAuth(app)
	a.registerOAuthServer(app)

	if opts.MCPHandler != nil {
		app.All("/mcp", adaptor.HTTPHandler(withBearerKey(opts.MCPHandler)))
		app.All("/mcp/*", adaptor.HTTPHandler(withBearerKey(opts.MCPHandler)))
	}

	return app
}

// callbackURI builds the Strava OAuth redirect URI from the public base URL.
func callbackURI(cfg *config.Config) string {
	return strings.TrimRight(cfg.ServerBaseURL, "/") + "/auth/callback"
}

// withBearerKey extracts the bearer API key from the Authorization header
// into the request context for tool handlers. Requests without a bearer
// token pass through; tools fail with an authentication hint.
func withBearerKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			key := strings.TrimPrefix(auth, "Bearer ")
			r = r.WithContext(mcpserver.WithAPIKey(r.Context(), key))
		}
		next.ServeHTTP(w, r)
	})
}
