// Package config loads gateway configuration from an optional YAML file
// and the environment. Environment variables always win over file values.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	// Strava application credentials.
	ClientID     string `env:"STRAVA_CLIENT_ID" yaml:"client_id"`
	ClientSecret string `env:"STRAVA_CLIENT_SECRET" yaml:"client_secret"`

	// RefreshToken enables single-user mode (stdio transport): tool calls
	// that arrive without a bearer key use this token directly.
	RefreshToken string `env:"STRAVA_REFRESH_TOKEN" yaml:"refresh_token"`

	// BaseURL is the Strava REST API root.
	BaseURL string `env:"STRAVA_BASE_URL" yaml:"base_url"`

	// ServerBaseURL is the public URL of this gateway, used to build OAuth
	// redirect URIs and well-known metadata.
	ServerBaseURL string `env:"SERVER_BASE_URL" yaml:"server_base_url"`

	// StateSecret signs the OAuth state parameter for the plain (non-MCP)
	// authorization flow. Defaults to the client secret when unset.
	StateSecret string `env:"STRAVA_STATE_SECRET" yaml:"state_secret"`

	DatabasePath string `env:"DATABASE_PATH" yaml:"database_path"`
	Addr         string `env:"ADDR" yaml:"addr"`
	Debug        bool   `env:"DEBUG" yaml:"debug"`
}

const (
	defaultBaseURL      = "https://www.strava.com/api/v3"
	defaultServerURL    = "http://localhost:8000"
	defaultDatabasePath = "strava-mcp.db"
	defaultAddr         = ":8000"
)

// Load reads the YAML file at path (when non-empty) and then applies the
// environment on top of it. Defaults fill whatever is still unset, so a
// file value is never clobbered by a default.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ServerBaseURL == "" {
		cfg.ServerBaseURL = defaultServerURL
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}

	if cfg.ClientID == "" {
		return nil, fmt.Errorf("STRAVA_CLIENT_ID is not set")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("STRAVA_CLIENT_SECRET is not set")
	}
	if cfg.StateSecret == "" {
		cfg.StateSecret = cfg.ClientSecret
	}
	return &cfg, nil
}
