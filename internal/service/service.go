// Package service resolves per-user Strava clients and wraps their
// operations with logging. A service is cheap to construct and built per
// tool call; the rate-limit tracker is shared process-wide.
package service

import (
	"context"
	"log/slog"

	"github.com/piwibardy/strava-mcp-http/internal/config"
	"github.com/piwibardy/strava-mcp-http/internal/store"
	"github.com/piwibardy/strava-mcp-http/internal/strava"
)

// TokenStore is the slice of the credential store the service needs.
type TokenStore interface {
	UpdateUserTokens(ctx context.Context, apiKey, accessToken, refreshToken string, expiresAt int64) error
}

// storeTokenSource adapts a stored user row to the client's TokenSource,
// persisting refreshed tokens under the user's api_key.
type storeTokenSource struct {
	store  TokenStore
	apiKey string
	tok    strava.Token
}

func (s *storeTokenSource) Current(ctx context.Context) (*strava.Token, error) {
	cp := s.tok
	return &cp, nil
}

func (s *storeTokenSource) Save(ctx context.Context, t *strava.Token) error {
	s.tok = *t
	return s.store.UpdateUserTokens(ctx, s.apiKey, t.AccessToken, t.RefreshToken, t.ExpiresAt)
}

// Service exposes the gateway's Strava read operations for one user.
type Service struct {
	client *strava.Client
	logger *slog.Logger
}

func newOAuth(cfg *config.Config) *strava.OAuth {
	return &strava.OAuth{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		StateSecret:  []byte(cfg.StateSecret),
	}
}

// ForUser builds a service for a stored user. Token refreshes are written
// back to the store before the API call proceeds.
func ForUser(cfg *config.Config, user *store.User, ts TokenStore, limits *strava.RateLimitTracker, logger *slog.Logger) *Service {
	source := &storeTokenSource{
		store:  ts,
		apiKey: user.APIKey,
		tok: strava.Token{
			AccessToken:  user.AccessToken,
			RefreshToken: user.RefreshToken,
			ExpiresAt:    user.TokenExpiresAt,
		},
	}
	return &Service{
		client: strava.NewClient(newOAuth(cfg), cfg.BaseURL, source, limits),
		logger: logger.With("athlete_id", user.AthleteID),
	}
}

// SingleUser builds a service from the configured refresh token, used by
// the stdio transport where there is no bearer key.
func SingleUser(cfg *config.Config, limits *strava.RateLimitTracker, logger *slog.Logger) *Service {
	source := &strava.MemoryTokenSource{}
	if cfg.RefreshToken != "" {
		source.Token = &strava.Token{RefreshToken: cfg.RefreshToken}
	}
	return &Service{
		client: strava.NewClient(newOAuth(cfg), cfg.BaseURL, source, limits),
		logger: logger,
	}
}

// NewWithClient wires a prebuilt client, for tests.
func NewWithClient(client *strava.Client, logger *slog.Logger) *Service {
	return &Service{client: client, logger: logger}
}

// Activities lists the athlete's activities.
func (s *Service) Activities(ctx context.Context, before, after int64, page, perPage int) ([]strava.Activity, error) {
	activities, err := s.client.ListActivities(ctx, before, after, page, perPage)
	if err != nil {
		s.logger.Error("listing activities failed", "error", err)
		return nil, err
	}
	s.logger.Info("retrieved activities", "count", len(activities))
	return activities, nil
}

// Activity fetches one detailed activity.
func (s *Service) Activity(ctx context.Context, activityID int64, includeAllEfforts bool) (*strava.DetailedActivity, error) {
	activity, err := s.client.GetActivity(ctx, activityID, includeAllEfforts)
	if err != nil {
		s.logger.Error("fetching activity failed", "activity_id", activityID, "error", err)
		return nil, err
	}
	s.logger.Info("retrieved activity", "activity_id", activityID, "name", activity.Name)
	return activity, nil
}

// ActivitySegments fetches the normalized segment efforts of an activity.
func (s *Service) ActivitySegments(ctx context.Context, activityID int64) ([]strava.SegmentEffort, error) {
	segments, err := s.client.ActivitySegments(ctx, activityID)
	if err != nil {
		s.logger.Error("fetching segments failed", "activity_id", activityID, "error", err)
		return nil, err
	}
	s.logger.Info("retrieved segments", "activity_id", activityID, "count", len(segments))
	return segments, nil
}

// RateLimits returns the latest observed rate-limit snapshot.
func (s *Service) RateLimits() strava.RateLimitSnapshot {
	return s.client.RateLimits()
}
