package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNoRefreshToken is returned when a client has no way to obtain an
// access token. Callers surface it as an instruction to authenticate.
var ErrNoRefreshToken = errors.New("no refresh token available; authenticate via /auth/strava first")

// refreshSkew triggers a refresh slightly before the token actually
// expires so an in-flight request never races the expiry.
const refreshSkew = 120 * time.Second

// TokenSource supplies the current token for a user and persists tokens
// refreshed by the client.
type TokenSource interface {
	Current(ctx context.Context) (*Token, error)
	Save(ctx context.Context, t *Token) error
}

// MemoryTokenSource is a single-user in-process token source, used for the
// stdio transport where credentials come from configuration.
type MemoryTokenSource struct {
	Token *Token
}

func (m *MemoryTokenSource) Current(ctx context.Context) (*Token, error) {
	if m.Token == nil {
		return nil, ErrNoRefreshToken
	}
	cp := *m.Token
	return &cp, nil
}

func (m *MemoryTokenSource) Save(ctx context.Context, t *Token) error {
	if t != nil {
		cp := *t
		m.Token = &cp
	}
	return nil
}

// Client talks to the Strava REST API on behalf of one user. Expired
// access tokens are refreshed transparently and handed back to the token
// source before the request proceeds.
type Client struct {
	h       *retryablehttp.Client
	oauth   *OAuth
	source  TokenSource
	limits  *RateLimitTracker
	baseURL string
}

// NewClient builds a client for one user's token source. The rate-limit
// tracker may be shared across clients; nil allocates a private one.
func NewClient(oauth *OAuth, baseURL string, source TokenSource, limits *RateLimitTracker) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if limits == nil {
		limits = NewRateLimitTracker()
	}

	h := retryablehttp.NewClient()
	h.Logger = nil
	// Strava's short quota resets on quarter-hour wall-clock boundaries.
	// The policy is a single retry: wait out the boundary on 429, default
	// jittered backoff on transient failures.
	h.RetryMax = 1
	h.RetryWaitMax = 16 * time.Minute
	h.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return true, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	h.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nextQuarterHour(time.Now())
		}
		return retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
	}
	// Hooked per attempt so a retried 429's headers (and those of a call
	// that exhausts its retries) still land in the tracker.
	h.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		limits.Observe(resp.Header)
	}

	return &Client{h: h, oauth: oauth, source: source, limits: limits, baseURL: baseURL}
}

// RateLimits returns the latest rate-limit snapshot.
func (c *Client) RateLimits() RateLimitSnapshot {
	return c.limits.Snapshot()
}

// ensureToken returns a valid access token, refreshing and persisting when
// the stored one is expired or about to expire.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	tok, err := c.source.Current(ctx)
	if err != nil {
		return "", err
	}
	if tok.AccessToken != "" && time.Until(time.Unix(tok.ExpiresAt, 0)) > refreshSkew {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}

	fresh, err := c.oauth.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := c.source.Save(ctx, fresh); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	return fresh.AccessToken, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.h.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var fault Fault
		if json.Unmarshal(body, &fault) == nil && fault.Message != "" {
			return fmt.Errorf("strava api: %s (status %d)", fault.Message, resp.StatusCode)
		}
		return fmt.Errorf("strava api status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListActivities returns the authenticated athlete's activities. before and
// after are epoch-second filters; zero means unset.
func (c *Client) ListActivities(ctx context.Context, before, after int64, page, perPage int) ([]Activity, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 30
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}

	var out []Activity
	if err := c.get(ctx, "/athlete/activities", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetActivity returns the detailed activity with the given id.
func (c *Client) GetActivity(ctx context.Context, activityID int64, includeAllEfforts bool) (*DetailedActivity, error) {
	q := url.Values{}
	if includeAllEfforts {
		q.Set("include_all_efforts", "true")
	}

	var out DetailedActivity
	if err := c.get(ctx, fmt.Sprintf("/activities/%d", activityID), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivitySegments returns the normalized segment efforts of an activity.
// Strava nests the segment and omits flat activity/segment ids, so each
// effort is decoded and backfilled before returning.
func (c *Client) ActivitySegments(ctx context.Context, activityID int64) ([]SegmentEffort, error) {
	activity, err := c.GetActivity(ctx, activityID, true)
	if err != nil {
		return nil, err
	}
	if len(activity.SegmentEfforts) == 0 {
		return []SegmentEffort{}, nil
	}

	efforts := make([]SegmentEffort, 0, len(activity.SegmentEfforts))
	for _, raw := range activity.SegmentEfforts {
		var effort SegmentEffort
		if err := json.Unmarshal(raw, &effort); err != nil {
			return nil, fmt.Errorf("decode segment effort: %w", err)
		}
		effort.ActivityID = activityID
		effort.SegmentID = effort.Segment.ID
		if effort.Segment.TotalElevationGain == 0 {
			gain := effort.Segment.ElevationHigh - effort.Segment.ElevationLow
			if gain < 0 {
				gain = 0
			}
			effort.Segment.TotalElevationGain = gain
		}
		efforts = append(efforts, effort)
	}
	return efforts, nil
}
