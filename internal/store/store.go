// Package store persists gateway credential state in SQLite: users with
// their Strava token sets, registered OAuth clients, pending authorization
// sessions, single-use authorization codes, and issued refresh tokens.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/piwibardy/strava-mcp-http/internal/token"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	api_key TEXT PRIMARY KEY,
	strava_athlete_id INTEGER NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	token_expires_at INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_athlete_id ON users (strava_athlete_id);

CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id TEXT PRIMARY KEY,
	client_secret TEXT,
	client_info_json TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS oauth_pending_sessions (
	session_id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	mcp_state TEXT,
	code_challenge TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	scopes TEXT,
	resource TEXT,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
	code TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	api_key TEXT NOT NULL,
	code_challenge TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	scopes TEXT,
	resource TEXT,
	expires_at INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS oauth_tokens (
	token TEXT PRIMARY KEY,
	token_type TEXT NOT NULL,
	client_id TEXT NOT NULL,
	api_key TEXT NOT NULL,
	scopes TEXT,
	resource TEXT,
	expires_at INTEGER,
	revoked INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// User is a stored user with Strava tokens.
type User struct {
	APIKey         string
	AthleteID      int64
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt int64
	CreatedAt      string
}

// Client is a dynamically registered OAuth client. Info holds the raw
// registration metadata.
type Client struct {
	ClientID     string
	ClientSecret string
	Info         json.RawMessage
}

// PendingSession links an MCP /authorize request to the eventual Strava
// callback.
type PendingSession struct {
	SessionID     string
	ClientID      string
	MCPState      string
	CodeChallenge string
	RedirectURI   string
	Scopes        []string
	Resource      string
}

// AuthorizationCode is a single-use MCP authorization code.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	APIKey        string
	CodeChallenge string
	RedirectURI   string
	Scopes        []string
	Resource      string
	ExpiresAt     int64
}

// OAuthToken is an issued gateway token (currently only refresh tokens;
// access tokens are the user's api_key and live in users).
type OAuthToken struct {
	Token     string
	TokenType string
	ClientID  string
	APIKey    string
	Scopes    []string
	Resource  string
	ExpiresAt int64
	Revoked   bool
}

// Store is a fixed-size pool of SQLite connections over the credential
// tables. Safe for concurrent use; individual connections are not shared.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
}

// Open creates the pool and the schema. Use ":memory:" with PoolSize 1 in
// tests.
func Open(path string, poolSize int, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
				"PRAGMA foreign_keys=OFF",
			}
			for _, p := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	logger.Info("credential store opened", "path", path, "pool_size", poolSize)
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) conn(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take conn: %w", err)
	}
	return conn, nil
}

// UpsertUser creates or updates a user keyed by athlete id and returns the
// user's API key. Re-authorizing returns the same key with fresh tokens.
func (s *Store) UpsertUser(ctx context.Context, athleteID int64, accessToken, refreshToken string, expiresAt int64) (string, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	// Atomic: the unique athlete index makes concurrent callbacks for the
	// same athlete converge on one row, and RETURNING hands back whichever
	// api_key won.
	var apiKey string
	err = sqlitex.Execute(conn,
		`INSERT INTO users (api_key, strava_athlete_id, access_token, refresh_token, token_expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(strava_athlete_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at
		 RETURNING api_key`,
		&sqlitex.ExecOptions{
			Args: []any{token.NewAPIKey(), athleteID, accessToken, refreshToken, expiresAt},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				apiKey = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("store: upsert athlete %d: %w", athleteID, err)
	}
	s.logger.Info("upserted user for athlete", "athlete_id", athleteID)
	return apiKey, nil
}

// UserByAPIKey returns the user holding the given API key, or nil when the
// key is unknown.
func (s *Store) UserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var user *User
	err = sqlitex.Execute(conn,
		"SELECT api_key, strava_athlete_id, access_token, refresh_token, token_expires_at, created_at FROM users WHERE api_key = ?",
		&sqlitex.ExecOptions{
			Args: []any{apiKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				user = &User{
					APIKey:         stmt.ColumnText(0),
					AthleteID:      stmt.ColumnInt64(1),
					AccessToken:    stmt.ColumnText(2),
					RefreshToken:   stmt.ColumnText(3),
					TokenExpiresAt: stmt.ColumnInt64(4),
					CreatedAt:      stmt.ColumnText(5),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: user by api key: %w", err)
	}
	return user, nil
}

// UpdateUserTokens persists a refreshed token set for an existing user.
func (s *Store) UpdateUserTokens(ctx context.Context, apiKey, accessToken, refreshToken string, expiresAt int64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE users SET access_token = ?, refresh_token = ?, token_expires_at = ? WHERE api_key = ?",
		&sqlitex.ExecOptions{Args: []any{accessToken, refreshToken, expiresAt, apiKey}})
	if err != nil {
		return fmt.Errorf("store: update user tokens: %w", err)
	}
	return nil
}

// SaveClient stores a dynamically registered OAuth client.
func (s *Store) SaveClient(ctx context.Context, c Client) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO oauth_clients (client_id, client_secret, client_info_json) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{c.ClientID, c.ClientSecret, string(c.Info)}})
	if err != nil {
		return fmt.Errorf("store: save client: %w", err)
	}
	return nil
}

// ClientByID returns a registered OAuth client, or nil when unknown.
func (s *Store) ClientByID(ctx context.Context, clientID string) (*Client, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var c *Client
	err = sqlitex.Execute(conn,
		"SELECT client_id, client_secret, client_info_json FROM oauth_clients WHERE client_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{clientID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				c = &Client{
					ClientID:     stmt.ColumnText(0),
					ClientSecret: stmt.ColumnText(1),
					Info:         json.RawMessage(stmt.ColumnText(2)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: client by id: %w", err)
	}
	return c, nil
}

// SavePendingSession stores a pending MCP authorization session and sweeps
// sessions older than ten minutes.
func (s *Store) SavePendingSession(ctx context.Context, p PendingSession) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM oauth_pending_sessions WHERE created_at < datetime('now', '-10 minutes')", nil)
	if err != nil {
		return fmt.Errorf("store: sweep pending sessions: %w", err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO oauth_pending_sessions
		 (session_id, client_id, mcp_state, code_challenge, redirect_uri, scopes, resource)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			p.SessionID, p.ClientID, p.MCPState, p.CodeChallenge, p.RedirectURI,
			marshalScopes(p.Scopes), p.Resource,
		}})
	if err != nil {
		return fmt.Errorf("store: save pending session: %w", err)
	}
	return nil
}

// PendingSessionByID returns a pending session, or nil when unknown.
func (s *Store) PendingSessionByID(ctx context.Context, sessionID string) (*PendingSession, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var p *PendingSession
	err = sqlitex.Execute(conn,
		"SELECT session_id, client_id, mcp_state, code_challenge, redirect_uri, scopes, resource FROM oauth_pending_sessions WHERE session_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p = &PendingSession{
					SessionID:     stmt.ColumnText(0),
					ClientID:      stmt.ColumnText(1),
					MCPState:      stmt.ColumnText(2),
					CodeChallenge: stmt.ColumnText(3),
					RedirectURI:   stmt.ColumnText(4),
					Scopes:        unmarshalScopes(stmt.ColumnText(5)),
					Resource:      stmt.ColumnText(6),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: pending session by id: %w", err)
	}
	return p, nil
}

// DeletePendingSession removes a used pending session.
func (s *Store) DeletePendingSession(ctx context.Context, sessionID string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM oauth_pending_sessions WHERE session_id = ?",
		&sqlitex.ExecOptions{Args: []any{sessionID}})
	if err != nil {
		return fmt.Errorf("store: delete pending session: %w", err)
	}
	return nil
}

// SaveAuthorizationCode stores a single-use MCP authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, c AuthorizationCode) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO oauth_authorization_codes
		 (code, client_id, api_key, code_challenge, redirect_uri, scopes, resource, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			c.Code, c.ClientID, c.APIKey, c.CodeChallenge, c.RedirectURI,
			marshalScopes(c.Scopes), c.Resource, c.ExpiresAt,
		}})
	if err != nil {
		return fmt.Errorf("store: save authorization code: %w", err)
	}
	return nil
}

// AuthorizationCodeByValue returns a stored authorization code, or nil.
func (s *Store) AuthorizationCodeByValue(ctx context.Context, code string) (*AuthorizationCode, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var c *AuthorizationCode
	err = sqlitex.Execute(conn,
		"SELECT code, client_id, api_key, code_challenge, redirect_uri, scopes, resource, expires_at FROM oauth_authorization_codes WHERE code = ?",
		&sqlitex.ExecOptions{
			Args: []any{code},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				c = &AuthorizationCode{
					Code:          stmt.ColumnText(0),
					ClientID:      stmt.ColumnText(1),
					APIKey:        stmt.ColumnText(2),
					CodeChallenge: stmt.ColumnText(3),
					RedirectURI:   stmt.ColumnText(4),
					Scopes:        unmarshalScopes(stmt.ColumnText(5)),
					Resource:      stmt.ColumnText(6),
					ExpiresAt:     stmt.ColumnInt64(7),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: authorization code: %w", err)
	}
	return c, nil
}

// DeleteAuthorizationCode removes a code after use or expiry.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM oauth_authorization_codes WHERE code = ?",
		&sqlitex.ExecOptions{Args: []any{code}})
	if err != nil {
		return fmt.Errorf("store: delete authorization code: %w", err)
	}
	return nil
}

// SaveOAuthToken stores an issued token.
func (s *Store) SaveOAuthToken(ctx context.Context, t OAuthToken) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var expires any
	if t.ExpiresAt > 0 {
		expires = t.ExpiresAt
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO oauth_tokens (token, token_type, client_id, api_key, scopes, resource, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			t.Token, t.TokenType, t.ClientID, t.APIKey,
			marshalScopes(t.Scopes), t.Resource, expires,
		}})
	if err != nil {
		return fmt.Errorf("store: save oauth token: %w", err)
	}
	return nil
}

// OAuthTokenByValue returns a non-revoked token record, or nil.
func (s *Store) OAuthTokenByValue(ctx context.Context, tok string) (*OAuthToken, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var t *OAuthToken
	err = sqlitex.Execute(conn,
		"SELECT token, token_type, client_id, api_key, scopes, resource, expires_at FROM oauth_tokens WHERE token = ? AND revoked = 0",
		&sqlitex.ExecOptions{
			Args: []any{tok},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				t = &OAuthToken{
					Token:     stmt.ColumnText(0),
					TokenType: stmt.ColumnText(1),
					ClientID:  stmt.ColumnText(2),
					APIKey:    stmt.ColumnText(3),
					Scopes:    unmarshalScopes(stmt.ColumnText(4)),
					Resource:  stmt.ColumnText(5),
					ExpiresAt: stmt.ColumnInt64(6),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: oauth token: %w", err)
	}
	return t, nil
}

// RevokeOAuthToken marks a token revoked.
func (s *Store) RevokeOAuthToken(ctx context.Context, tok string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE oauth_tokens SET revoked = 1 WHERE token = ?",
		&sqlitex.ExecOptions{Args: []any{tok}})
	if err != nil {
		return fmt.Errorf("store: revoke oauth token: %w", err)
	}
	return nil
}

// RevokeTokensForClient revokes every token issued to a user+client pair.
func (s *Store) RevokeTokensForClient(ctx context.Context, apiKey, clientID string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE oauth_tokens SET revoked = 1 WHERE api_key = ? AND client_id = ?",
		&sqlitex.ExecOptions{Args: []any{apiKey, clientID}})
	if err != nil {
		return fmt.Errorf("store: revoke tokens for client: %w", err)
	}
	return nil
}

func marshalScopes(scopes []string) any {
	if len(scopes) == 0 {
		return nil
	}
	b, _ := json.Marshal(scopes)
	return string(b)
}

func unmarshalScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		return nil
	}
	return scopes
}

// Expired reports whether the code is past its expiry.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.Unix() > c.ExpiresAt
}
