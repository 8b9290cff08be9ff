package httpapi

import (
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/piwibardy/strava-mcp-http/internal/store"
	"github.com/piwibardy/strava-mcp-http/internal/token"
)

// authCodeTTL bounds the lifetime of a minted MCP authorization code.
const authCodeTTL = 10 * time.Minute

// registerStravaAuth mounts the user-facing Strava authorization routes.
//
// Two flows share the callback:
//   - MCP OAuth: state matches a pending session saved by /oauth/authorize;
//     the callback mints an MCP authorization code and redirects back to
//     the MCP client.
//   - Plain: a user hits /auth/strava directly; the callback shows an HTML
//     page with the bearer API key.
func (a *api) registerStravaAuth(app *fiber.App) {
	app.Get("/auth/strava", func(c *fiber.Ctx) error {
		u := a.oauth.AuthorizeRedirectURL(a.oauth.SignedState())
		a.logger.Info("redirecting user to Strava OAuth")
		return c.Redirect(u, http.StatusFound)
	})

	app.Get("/auth/callback", a.handleCallback)
}

func (a *api) handleCallback(c *fiber.Ctx) error {
	if errParam := c.Query("error"); errParam != "" {
		a.logger.Error("oauth error from Strava", "error", errParam)
		return authFailedPage(c, http.StatusBadRequest,
			fmt.Sprintf("Strava returned error: %s", html.EscapeString(errParam)))
	}

	code := c.Query("code")
	if code == "" {
		return authFailedPage(c, http.StatusBadRequest, "No authorization code received.")
	}

	exchange, err := a.oauth.ExchangeCode(c.Context(), code)
	if err != nil {
		a.logger.Error("token exchange failed", "error", err)
		return authFailedPage(c, http.StatusInternalServerError, "Could not exchange authorization code.")
	}

	apiKey, err := a.store.UpsertUser(c.Context(), exchange.Athlete.ID,
		exchange.AccessToken, exchange.RefreshToken, exchange.ExpiresAt)
	if err != nil {
		a.logger.Error("storing user failed", "error", err)
		return authFailedPage(c, http.StatusInternalServerError, "An unexpected error occurred.")
	}

	// MCP OAuth flow: the state parameter carries a pending session id.
	if state := c.Query("state"); state != "" {
		pending, err := a.store.PendingSessionByID(c.Context(), state)
		if err != nil {
			a.logger.Error("pending session lookup failed", "error", err)
			return authFailedPage(c, http.StatusInternalServerError, "An unexpected error occurred.")
		}
		if pending != nil {
			return a.completeMCPAuthorization(c, pending, apiKey)
		}
		// Not a pending session: treat as the plain flow's signed state.
		if err := a.oauth.ValidateState(state); err != nil {
			return authFailedPage(c, http.StatusBadRequest, "Invalid state parameter.")
		}
	}

	return apiKeyPage(c, exchange.Athlete.Firstname, apiKey)
}

// completeMCPAuthorization mints a single-use authorization code and sends
// the user agent back to the MCP client's redirect URI.
func (a *api) completeMCPAuthorization(c *fiber.Ctx, pending *store.PendingSession, apiKey string) error {
	if err := a.store.DeletePendingSession(c.Context(), pending.SessionID); err != nil {
		a.logger.Error("deleting pending session failed", "error", err)
	}

	code, err := token.NewSecret(32)
	if err != nil {
		return authFailedPage(c, http.StatusInternalServerError, "An unexpected error occurred.")
	}

	err = a.store.SaveAuthorizationCode(c.Context(), store.AuthorizationCode{
		Code:          code,
		ClientID:      pending.ClientID,
		APIKey:        apiKey,
		CodeChallenge: pending.CodeChallenge,
		RedirectURI:   pending.RedirectURI,
		Scopes:        pending.Scopes,
		Resource:      pending.Resource,
		ExpiresAt:     time.Now().Add(authCodeTTL).Unix(),
	})
	if err != nil {
		a.logger.Error("saving authorization code failed", "error", err)
		return authFailedPage(c, http.StatusInternalServerError, "An unexpected error occurred.")
	}

	redirect, err := url.Parse(pending.RedirectURI)
	if err != nil {
		return authFailedPage(c, http.StatusBadRequest, "Invalid redirect URI.")
	}
	q := redirect.Query()
	q.Set("code", code)
	if pending.MCPState != "" {
		q.Set("state", pending.MCPState)
	}
	redirect.RawQuery = q.Encode()

	a.logger.Info("mcp oauth: redirecting to client with auth code", "client_id", pending.ClientID)
	return c.Redirect(redirect.String(), http.StatusFound)
}

// NewSessionID returns a fresh pending-session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

func authFailedPage(c *fiber.Ctx, status int, reason string) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(status).SendString(
		fmt.Sprintf("<h1>Authorization failed</h1><p>%s</p>", reason))
}

func apiKeyPage(c *fiber.Ctx, firstname, apiKey string) error {
	name := html.EscapeString(firstname)
	if name == "" {
		name = "Athlete"
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(fmt.Sprintf(`<html>
<head><title>Strava MCP - Authorized</title></head>
<body style="font-family: sans-serif; max-width: 600px; margin: 50px auto; padding: 20px;">
	<h1>Authorization successful!</h1>
	<p>Welcome, <strong>%s</strong>!</p>
	<p>Your API key:</p>
	<pre style="background: #f0f0f0; padding: 15px; border-radius: 5px; word-break: break-all; user-select: all;">%s</pre>
	<p>Configure your MCP client with this header:</p>
	<pre style="background: #f0f0f0; padding: 15px; border-radius: 5px;">Authorization: Bearer %s</pre>
	<p style="color: #666; font-size: 0.9em;">
		Save this key; you won't be able to see it again.<br>
		If you lose it, re-authorize at <code>/auth/strava</code> to get the same key back.
	</p>
</body>
</html>`, name, apiKey, apiKey))
}
