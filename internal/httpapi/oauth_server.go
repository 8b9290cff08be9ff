package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/piwibardy/strava-mcp-http/internal/store"
	"github.com/piwibardy/strava-mcp-http/internal/token"
)

// accessTokenTTL is the lifetime reported in token responses. The access
// token itself is the user's api_key and stays valid until revoked; the
// TTL nudges clients to refresh.
const accessTokenTTL = 86400

// clientMetadata is the RFC 7591 client registration document, stored
// verbatim in the oauth_clients table.
type clientMetadata struct {
	ClientID                string   `json:"client_id,omitempty"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// registerOAuthServer mounts the OAuth 2.1 authorization server that MCP
// clients use to obtain a gateway bearer token. The flow bridges to
// Strava: /oauth/authorize parks the request as a pending session and
// sends the user to Strava; the Strava callback finishes it.
func (a *api) registerOAuthServer(app *fiber.App) {
	app.Get("/.well-known/oauth-authorization-server", a.handleASMetadata)
	app.Get("/.well-known/oauth-protected-resource", a.handleResourceMetadata)
	app.Post("/oauth/register", a.handleRegister)
	app.Get("/oauth/authorize", a.handleAuthorize)
	app.Post("/oauth/token", a.handleToken)
	app.Post("/oauth/revoke", a.handleRevoke)
}

func (a *api) issuer() string {
	return strings.TrimRight(a.cfg.ServerBaseURL, "/")
}

func (a *api) handleASMetadata(c *fiber.Ctx) error {
	issuer := a.issuer()
	return c.JSON(fiber.Map{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
		"scopes_supported":                      []string{"claudeai"},
	})
}

func (a *api) handleResourceMetadata(c *fiber.Ctx) error {
	issuer := a.issuer()
	return c.JSON(fiber.Map{
		"resource":              issuer + "/mcp",
		"authorization_servers": []string{issuer},
		"scopes_supported":      []string{"claudeai"},
		"bearer_methods_supported": []string{
			"header",
		},
	})
}

func (a *api) handleRegister(c *fiber.Ctx) error {
	var meta clientMetadata
	if err := json.Unmarshal(c.Body(), &meta); err != nil {
		return oauthError(c, http.StatusBadRequest, "invalid_client_metadata", "request body is not valid JSON")
	}
	if len(meta.RedirectURIs) == 0 {
		return oauthError(c, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris is required")
	}
	for _, ru := range meta.RedirectURIs {
		if _, err := url.ParseRequestURI(ru); err != nil {
			return oauthError(c, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris contains an invalid URI")
		}
	}

	clientID, err := token.NewSecret(16)
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "could not generate client_id")
	}
	meta.ClientID = clientID
	meta.ClientIDIssuedAt = time.Now().Unix()
	if meta.TokenEndpointAuthMethod == "" {
		meta.TokenEndpointAuthMethod = "none"
	}
	if meta.TokenEndpointAuthMethod != "none" {
		secret, err := token.NewSecret(32)
		if err != nil {
			return oauthError(c, http.StatusInternalServerError, "server_error", "could not generate client_secret")
		}
		meta.ClientSecret = secret
	}

	info, _ := json.Marshal(meta)
	err = a.store.SaveClient(c.Context(), store.Client{
		ClientID:     meta.ClientID,
		ClientSecret: meta.ClientSecret,
		Info:         info,
	})
	if err != nil {
		a.logger.Error("saving oauth client failed", "error", err)
		return oauthError(c, http.StatusInternalServerError, "server_error", "could not persist client")
	}

	a.logger.Info("registered oauth client", "client_id", meta.ClientID, "client_name", meta.ClientName)
	return c.Status(http.StatusCreated).JSON(meta)
}

func (a *api) handleAuthorize(c *fiber.Ctx) error {
	clientID := c.Query("client_id")
	redirectURI := c.Query("redirect_uri")

	client, err := a.store.ClientByID(c.Context(), clientID)
	if err != nil {
		a.logger.Error("client lookup failed", "error", err)
		return oauthError(c, http.StatusInternalServerError, "server_error", "client lookup failed")
	}
	if client == nil {
		return oauthError(c, http.StatusBadRequest, "invalid_client", "unknown client_id")
	}

	var meta clientMetadata
	if err := json.Unmarshal(client.Info, &meta); err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "stored client metadata is corrupt")
	}
	if !redirectURIAllowed(redirectURI, meta.RedirectURIs) {
		return oauthError(c, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri is not registered for this client")
	}

	// From here on errors can be reported on the client's redirect URI.
	if rt := c.Query("response_type"); rt != "code" {
		return redirectError(c, redirectURI, c.Query("state"), "unsupported_response_type")
	}
	challenge := c.Query("code_challenge")
	if challenge == "" {
		return redirectError(c, redirectURI, c.Query("state"), "invalid_request")
	}
	if m := c.Query("code_challenge_method"); m != "" && m != "S256" {
		return redirectError(c, redirectURI, c.Query("state"), "invalid_request")
	}

	session := store.PendingSession{
		SessionID:     NewSessionID(),
		ClientID:      clientID,
		MCPState:      c.Query("state"),
		CodeChallenge: challenge,
		RedirectURI:   redirectURI,
		Scopes:        splitScopes(c.Query("scope")),
		Resource:      c.Query("resource"),
	}
	if err := a.store.SavePendingSession(c.Context(), session); err != nil {
		a.logger.Error("saving pending session failed", "error", err)
		return redirectError(c, redirectURI, c.Query("state"), "server_error")
	}

	a.logger.Info("mcp oauth: redirecting to Strava", "session_id", session.SessionID, "client_id", clientID)
	return c.Redirect(a.oauth.AuthorizeRedirectURL(session.SessionID), http.StatusFound)
}

func (a *api) handleToken(c *fiber.Ctx) error {
	client, errResp := a.authenticateClient(c)
	if client == nil {
		return errResp
	}

	switch c.FormValue("grant_type") {
	case "authorization_code":
		return a.tokenFromAuthorizationCode(c)
	case "refresh_token":
		return a.tokenFromRefreshToken(c)
	default:
		return oauthError(c, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

// authenticateClient resolves the requesting client and, for confidential
// clients (those registered with a secret), verifies the posted
// client_secret. A nil client means the error response is already written.
func (a *api) authenticateClient(c *fiber.Ctx) (*store.Client, error) {
	client, err := a.store.ClientByID(c.Context(), c.FormValue("client_id"))
	if err != nil {
		a.logger.Error("client lookup failed", "error", err)
		return nil, oauthError(c, http.StatusInternalServerError, "server_error", "client lookup failed")
	}
	if client == nil {
		return nil, oauthError(c, http.StatusBadRequest, "invalid_client", "unknown client_id")
	}
	if client.ClientSecret != "" &&
		subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(c.FormValue("client_secret"))) != 1 {
		return nil, oauthError(c, http.StatusUnauthorized, "invalid_client", "client authentication failed")
	}
	return client, nil
}

func (a *api) tokenFromAuthorizationCode(c *fiber.Ctx) error {
	code, err := a.store.AuthorizationCodeByValue(c.Context(), c.FormValue("code"))
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "code lookup failed")
	}
	if code == nil || code.ClientID != c.FormValue("client_id") {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code not found")
	}
	// RFC 6749 §4.1.3: the token request must repeat the redirect_uri the
	// code was issued against.
	if c.FormValue("redirect_uri") != code.RedirectURI {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
	}
	if code.Expired(time.Now()) {
		_ = a.store.DeleteAuthorizationCode(c.Context(), code.Code)
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code expired")
	}
	if err := token.VerifyS256(c.FormValue("code_verifier"), code.CodeChallenge, "S256"); err != nil {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
	}

	// Single use.
	if err := a.store.DeleteAuthorizationCode(c.Context(), code.Code); err != nil {
		a.logger.Error("deleting authorization code failed", "error", err)
	}

	refresh, err := a.issueRefreshToken(c, code.ClientID, code.APIKey, code.Scopes, code.Resource)
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "could not issue refresh token")
	}

	return c.JSON(tokenResponse{
		AccessToken:  code.APIKey,
		TokenType:    "Bearer",
		ExpiresIn:    accessTokenTTL,
		RefreshToken: refresh,
		Scope:        strings.Join(code.Scopes, " "),
	})
}

func (a *api) tokenFromRefreshToken(c *fiber.Ctx) error {
	old, err := a.store.OAuthTokenByValue(c.Context(), c.FormValue("refresh_token"))
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "token lookup failed")
	}
	if old == nil || old.TokenType != "refresh" || old.ClientID != c.FormValue("client_id") {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", "refresh token not found")
	}

	// Rotation: the old token dies with this exchange.
	if err := a.store.RevokeOAuthToken(c.Context(), old.Token); err != nil {
		a.logger.Error("revoking refresh token failed", "error", err)
	}

	scopes := splitScopes(c.FormValue("scope"))
	if len(scopes) == 0 {
		scopes = old.Scopes
	}
	refresh, err := a.issueRefreshToken(c, old.ClientID, old.APIKey, scopes, old.Resource)
	if err != nil {
		return oauthError(c, http.StatusInternalServerError, "server_error", "could not issue refresh token")
	}

	return c.JSON(tokenResponse{
		AccessToken:  old.APIKey,
		TokenType:    "Bearer",
		ExpiresIn:    accessTokenTTL,
		RefreshToken: refresh,
		Scope:        strings.Join(scopes, " "),
	})
}

func (a *api) issueRefreshToken(c *fiber.Ctx, clientID, apiKey string, scopes []string, resource string) (string, error) {
	refresh, err := token.NewSecret(32)
	if err != nil {
		return "", err
	}
	err = a.store.SaveOAuthToken(c.Context(), store.OAuthToken{
		Token:     refresh,
		TokenType: "refresh",
		ClientID:  clientID,
		APIKey:    apiKey,
		Scopes:    scopes,
		Resource:  resource,
	})
	if err != nil {
		return "", err
	}
	return refresh, nil
}

func (a *api) handleRevoke(c *fiber.Ctx) error {
	tok := c.FormValue("token")
	if tok == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "token is required")
	}
	if err := a.store.RevokeOAuthToken(c.Context(), tok); err != nil {
		a.logger.Error("revoking token failed", "error", err)
		return oauthError(c, http.StatusInternalServerError, "server_error", "revocation failed")
	}
	// RFC 7009: revocation of unknown tokens still returns 200.
	return c.SendStatus(http.StatusOK)
}

func redirectURIAllowed(uri string, registered []string) bool {
	if uri == "" {
		return false
	}
	for _, r := range registered {
		if r == uri {
			return true
		}
	}
	return false
}

func redirectError(c *fiber.Ctx, redirectURI, state, code string) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return oauthError(c, http.StatusBadRequest, code, "")
	}
	q := u.Query()
	q.Set("error", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return c.Redirect(u.String(), http.StatusFound)
}

func oauthError(c *fiber.Ctx, status int, code, description string) error {
	body := fiber.Map{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	return c.Status(status).JSON(body)
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
