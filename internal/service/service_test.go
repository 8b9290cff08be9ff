package service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/piwibardy/strava-mcp-http/internal/config"
	"github.com/piwibardy/strava-mcp-http/internal/store"
	"github.com/piwibardy/strava-mcp-http/internal/strava"
)

type fakeTokenStore struct {
	apiKey       string
	accessToken  string
	refreshToken string
	expiresAt    int64
	calls        int
}

func (f *fakeTokenStore) UpdateUserTokens(ctx context.Context, apiKey, accessToken, refreshToken string, expiresAt int64) error {
	f.calls++
	f.apiKey = apiKey
	f.accessToken = accessToken
	f.refreshToken = refreshToken
	f.expiresAt = expiresAt
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		ClientID:     "cid",
		ClientSecret: "csec",
		StateSecret:  "state",
		BaseURL:      "https://api.example/v3",
	}
}

func TestStoreTokenSourcePersistsOnSave(t *testing.T) {
	fake := &fakeTokenStore{}
	src := &storeTokenSource{
		store:  fake,
		apiKey: "key-1",
		tok:    strava.Token{AccessToken: "old", RefreshToken: "old-rt", ExpiresAt: 100},
	}

	ctx := context.Background()
	cur, err := src.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.AccessToken != "old" {
		t.Fatalf("AccessToken = %q", cur.AccessToken)
	}

	fresh := &strava.Token{AccessToken: "new", RefreshToken: "new-rt", ExpiresAt: 200}
	if err := src.Save(ctx, fresh); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if fake.calls != 1 {
		t.Fatalf("UpdateUserTokens calls = %d", fake.calls)
	}
	if fake.apiKey != "key-1" || fake.accessToken != "new" || fake.refreshToken != "new-rt" || fake.expiresAt != 200 {
		t.Fatalf("persisted = %+v", fake)
	}

	cur, _ = src.Current(ctx)
	if cur.AccessToken != "new" {
		t.Fatalf("Current after Save = %q", cur.AccessToken)
	}
}

func TestForUserSeedsTokenFromStore(t *testing.T) {
	user := &store.User{
		APIKey:         "key-1",
		AthleteID:      42,
		AccessToken:    "at",
		RefreshToken:   "rt",
		TokenExpiresAt: 999,
	}
	svc := ForUser(testConfig(), user, &fakeTokenStore{}, strava.NewRateLimitTracker(), slog.Default())
	if svc == nil {
		t.Fatal("nil service")
	}
}

func TestSingleUserWithoutRefreshToken(t *testing.T) {
	// Without a configured refresh token the service exists but any API
	// call fails with the authentication hint.
	svc := SingleUser(testConfig(), strava.NewRateLimitTracker(), slog.Default())
	_, err := svc.Activities(context.Background(), 0, 0, 1, 30)
	if err == nil {
		t.Fatal("expected error without credentials")
	}
}
