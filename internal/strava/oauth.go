package strava

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Token holds a Strava OAuth token set.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenExchange is the response of the authorization-code grant, which
// additionally carries the athlete summary.
type TokenExchange struct {
	Token
	Athlete Athlete `json:"athlete"`
}

// OAuth performs the three outbound Strava OAuth calls: authorize-URL
// construction, code exchange, and refresh.
type OAuth struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	StateSecret  []byte

	// TokenURL overrides the Strava token endpoint in tests.
	TokenURL string
}

func (o *OAuth) tokenURL() string {
	if o.TokenURL != "" {
		return o.TokenURL
	}
	return TokenURL
}

// SignedState creates a short-lived HMAC'd state token for the plain flow.
func (o *OAuth) SignedState() string {
	ts := time.Now().Unix()
	msg := strconv.FormatInt(ts, 10)
	mac := hmac.New(sha256.New, o.StateSecret)
	mac.Write([]byte(msg))
	return fmt.Sprintf("%d.%s", ts, base64.RawURLEncoding.EncodeToString(mac.Sum(nil)))
}

// ValidateState checks the HMAC and age (5 minutes) of a signed state.
func (o *OAuth) ValidateState(raw string) error {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 {
		return fmt.Errorf("bad state format")
	}
	tsStr, sigB64 := parts[0], parts[1]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("bad state ts")
	}
	if time.Since(time.Unix(ts, 0)) > 5*time.Minute {
		return fmt.Errorf("state expired")
	}
	mac := hmac.New(sha256.New, o.StateSecret)
	mac.Write([]byte(tsStr))
	expected := mac.Sum(nil)
	got, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("state b64")
	}
	if !hmac.Equal(expected, got) {
		return fmt.Errorf("state mismatch")
	}
	return nil
}

// AuthorizeRedirectURL builds the Strava authorization URL. The state value
// either carries a signed timestamp (plain flow) or an opaque pending
// session id (MCP OAuth flow).
func (o *OAuth) AuthorizeRedirectURL(state string) string {
	u, _ := url.Parse(AuthorizeURL)
	q := u.Query()
	q.Set("client_id", o.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", o.RedirectURI)
	q.Set("approval_prompt", "force")
	q.Set("scope", Scopes)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

// ExchangeCode trades an authorization code for a token set plus the
// athlete summary.
func (o *OAuth) ExchangeCode(ctx context.Context, code string) (*TokenExchange, error) {
	vals := url.Values{}
	vals.Set("client_id", o.ClientID)
	vals.Set("client_secret", o.ClientSecret)
	vals.Set("code", code)
	vals.Set("grant_type", "authorization_code")

	var out TokenExchange
	if err := o.postToken(ctx, vals, &out); err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}
	return &out, nil
}

// Refresh trades a refresh token for a fresh token set. Strava may rotate
// the refresh token; callers must persist whatever comes back.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	vals := url.Values{}
	vals.Set("client_id", o.ClientID)
	vals.Set("client_secret", o.ClientSecret)
	vals.Set("grant_type", "refresh_token")
	vals.Set("refresh_token", refreshToken)

	var out Token
	if err := o.postToken(ctx, vals, &out); err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return &out, nil
}

func (o *OAuth) postToken(ctx context.Context, vals url.Values, out any) error {
	h := retryablehttp.NewClient()
	h.RetryMax = 2
	h.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", o.tokenURL(), strings.NewReader(vals.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
