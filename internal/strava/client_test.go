package strava

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fixtureTransport struct {
	status  int
	body    []byte
	header  http.Header
	lastURL string
	sawAuth string
	calls   int
}

func (ft *fixtureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ft.calls++
	ft.lastURL = req.URL.String()
	ft.sawAuth = req.Header.Get("Authorization")
	header := ft.header
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: ft.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(ft.body)),
		Request:    req,
	}, nil
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return b
}

func freshToken() *Token {
	return &Token{
		AccessToken:  "valid-access",
		RefreshToken: "valid-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}
}

func newTestClient(ft *fixtureTransport, source TokenSource) *Client {
	c := NewClient(testOAuth(""), "https://api.example/v3", source, nil)
	c.h.RetryMax = 0
	c.h.HTTPClient.Transport = ft
	return c
}

func TestListActivities(t *testing.T) {
	ft := &fixtureTransport{status: 200, body: readFixture(t, "activities.json")}
	c := newTestClient(ft, &MemoryTokenSource{Token: freshToken()})

	acts, err := c.ListActivities(context.Background(), 0, 1672000000, 2, 50)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(acts) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(acts))
	}
	if acts[0].ID != 1234567890 || acts[0].Name != "Morning Run" {
		t.Fatalf("unexpected first activity: %+v", acts[0])
	}
	if !strings.HasPrefix(ft.sawAuth, "Bearer ") {
		t.Fatalf("expected Authorization Bearer header, got %q", ft.sawAuth)
	}

	u, err := url.Parse(ft.lastURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()
	if q.Get("after") != "1672000000" {
		t.Errorf("after = %q", q.Get("after"))
	}
	if q.Get("before") != "" {
		t.Errorf("before = %q; want unset", q.Get("before"))
	}
	if q.Get("page") != "2" || q.Get("per_page") != "50" {
		t.Errorf("pagination = %q/%q", q.Get("page"), q.Get("per_page"))
	}
}

func TestListActivitiesDefaults(t *testing.T) {
	ft := &fixtureTransport{status: 200, body: []byte(`[]`)}
	c := newTestClient(ft, &MemoryTokenSource{Token: freshToken()})

	if _, err := c.ListActivities(context.Background(), 0, 0, 0, 0); err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	u, _ := url.Parse(ft.lastURL)
	if got := u.Query().Get("page"); got != "1" {
		t.Errorf("default page = %q", got)
	}
	if got := u.Query().Get("per_page"); got != "30" {
		t.Errorf("default per_page = %q", got)
	}
}

func TestGetActivity(t *testing.T) {
	ft := &fixtureTransport{status: 200, body: readFixture(t, "activity_detail.json")}
	c := newTestClient(ft, &MemoryTokenSource{Token: freshToken()})

	act, err := c.GetActivity(context.Background(), 1234567890, true)
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if act.ID != 1234567890 || act.Description != "Test description" {
		t.Fatalf("unexpected activity: id=%d desc=%q", act.ID, act.Description)
	}
	if !strings.Contains(ft.lastURL, "/activities/1234567890") {
		t.Fatalf("URL = %q", ft.lastURL)
	}
	if !strings.Contains(ft.lastURL, "include_all_efforts=true") {
		t.Fatalf("expected include_all_efforts in URL, got %q", ft.lastURL)
	}
}

func TestActivitySegmentsNormalization(t *testing.T) {
	ft := &fixtureTransport{status: 200, body: readFixture(t, "activity_detail.json")}
	c := newTestClient(ft, &MemoryTokenSource{Token: freshToken()})

	efforts, err := c.ActivitySegments(context.Background(), 1234567890)
	if err != nil {
		t.Fatalf("ActivitySegments: %v", err)
	}
	if len(efforts) != 2 {
		t.Fatalf("expected 2 efforts, got %d", len(efforts))
	}

	first := efforts[0]
	if first.ActivityID != 1234567890 {
		t.Errorf("ActivityID = %d", first.ActivityID)
	}
	if first.SegmentID != 12345 {
		t.Errorf("SegmentID = %d", first.SegmentID)
	}
	// Fixture omits total_elevation_gain: derived from high-low.
	if first.Segment.TotalElevationGain != 50 {
		t.Errorf("derived TotalElevationGain = %v; want 50", first.Segment.TotalElevationGain)
	}
	// Second effort carries an explicit gain that must be preserved.
	if efforts[1].Segment.TotalElevationGain != 15 {
		t.Errorf("explicit TotalElevationGain = %v; want 15", efforts[1].Segment.TotalElevationGain)
	}
}

func TestActivitySegmentsEmpty(t *testing.T) {
	ft := &fixtureTransport{status: 200, body: []byte(`{"id": 7, "name": "No Segments"}`)}
	c := newTestClient(ft, &MemoryTokenSource{Token: freshToken()})

	efforts, err := c.ActivitySegments(context.Background(), 7)
	if err != nil {
		t.Fatalf("ActivitySegments: %v", err)
	}
	if len(efforts) != 0 {
		t.Fatalf("expected no efforts, got %d", len(efforts))
	}
}

func TestAPIErrorSurfacesFaultMessage(t *testing.T) {
	ft := &fixtureTransport{status: 404, body: []byte(`{"message": "Record Not Found", "errors": []}`)}
	c := newTestClient(ft, &MemoryTokenSource{Token: freshToken()})

	_, err := c.GetActivity(context.Background(), 99, false)
	if err == nil {
		t.Fatal("expected error on 404")
	}
	if !strings.Contains(err.Error(), "Record Not Found") {
		t.Fatalf("error = %q; want fault message", err)
	}
}

func TestEnsureTokenRefreshesAndPersists(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "stale-refresh" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "fresh-access", "refresh_token": "fresh-refresh", "expires_at": 9999999999}`))
	}))
	defer tokenSrv.Close()

	source := &MemoryTokenSource{Token: &Token{
		AccessToken:  "stale-access",
		RefreshToken: "stale-refresh",
		ExpiresAt:    time.Now().Add(-time.Hour).Unix(),
	}}

	ft := &fixtureTransport{status: 200, body: []byte(`[]`)}
	c := NewClient(testOAuth(tokenSrv.URL), "https://api.example/v3", source, nil)
	c.h.RetryMax = 0
	c.h.HTTPClient.Transport = ft

	if _, err := c.ListActivities(context.Background(), 0, 0, 1, 30); err != nil {
		t.Fatalf("ListActivities: %v", err)
	}

	if ft.sawAuth != "Bearer fresh-access" {
		t.Fatalf("API call used %q; want refreshed token", ft.sawAuth)
	}
	if source.Token.RefreshToken != "fresh-refresh" {
		t.Fatalf("refreshed token not persisted: %+v", source.Token)
	}
}

func TestEnsureTokenNoRefreshToken(t *testing.T) {
	ft := &fixtureTransport{status: 200, body: []byte(`[]`)}
	c := newTestClient(ft, &MemoryTokenSource{Token: &Token{}})

	_, err := c.ListActivities(context.Background(), 0, 0, 1, 30)
	if err != ErrNoRefreshToken {
		t.Fatalf("err = %v; want ErrNoRefreshToken", err)
	}
	if ft.calls != 0 {
		t.Fatalf("API should not be called without a token, got %d calls", ft.calls)
	}
}

func TestClientRecordsRateLimits(t *testing.T) {
	header := make(http.Header)
	header.Set("X-RateLimit-Limit", "600,30000")
	header.Set("X-RateLimit-Usage", "42,128")
	ft := &fixtureTransport{status: 200, body: []byte(`[]`), header: header}
	c := newTestClient(ft, &MemoryTokenSource{Token: freshToken()})

	if _, err := c.ListActivities(context.Background(), 0, 0, 1, 30); err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	snap := c.RateLimits()
	if snap.ShortUsage != 42 || snap.DailyUsage != 128 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

// seqTransport serves one status per call, repeating the last. Throttled
// responses carry the rate-limit headers.
type seqTransport struct {
	statuses []int
	header   http.Header
	calls    int
}

func (st *seqTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	i := st.calls
	st.calls++
	if i >= len(st.statuses) {
		i = len(st.statuses) - 1
	}
	header := make(http.Header)
	if st.statuses[i] == http.StatusTooManyRequests && st.header != nil {
		header = st.header
	}
	return &http.Response{
		StatusCode: st.statuses[i],
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("[]")),
		Request:    req,
	}, nil
}

func throttleHeaders() http.Header {
	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "600,30000")
	h.Set("X-RateLimit-Usage", "600,1000")
	return h
}

func TestRetryPolicyDecisions(t *testing.T) {
	c := NewClient(testOAuth(""), "https://api.example/v3", &MemoryTokenSource{Token: freshToken()}, nil)
	ctx := context.Background()

	if c.h.RetryMax != 1 {
		t.Fatalf("RetryMax = %d; want a single retry", c.h.RetryMax)
	}

	resp429 := &http.Response{StatusCode: http.StatusTooManyRequests, Header: make(http.Header)}
	if retry, err := c.h.CheckRetry(ctx, resp429, nil); err != nil || !retry {
		t.Fatalf("CheckRetry(429) = %v, %v; want retry", retry, err)
	}
	if retry, err := c.h.CheckRetry(ctx, &http.Response{StatusCode: 200}, nil); err != nil || retry {
		t.Fatalf("CheckRetry(200) = %v, %v; want no retry", retry, err)
	}
	// Transient server errors keep the default policy.
	if retry, _ := c.h.CheckRetry(ctx, &http.Response{StatusCode: 502}, nil); !retry {
		t.Fatal("CheckRetry(502) = false; want default retry")
	}

	// A throttled response waits out the next quarter-hour boundary.
	before := time.Now()
	wait := c.h.Backoff(time.Second, 30*time.Second, 0, resp429)
	if wait <= 0 || wait > 15*time.Minute+2*time.Second {
		t.Fatalf("Backoff(429) = %v; want within one window", wait)
	}
	boundary := before.Truncate(15 * time.Minute).Add(15 * time.Minute)
	target := before.Add(wait)
	if target.Before(boundary) || target.After(boundary.Add(3*time.Second)) {
		t.Fatalf("Backoff(429) lands at %v; want just past %v", target, boundary)
	}

	// Other statuses use the default exponential backoff.
	if got := c.h.Backoff(time.Second, 30*time.Second, 0, &http.Response{StatusCode: 502}); got != time.Second {
		t.Fatalf("Backoff(502) = %v; want %v", got, time.Second)
	}
}

func TestRetriesOnceOn429(t *testing.T) {
	st := &seqTransport{statuses: []int{429, 200}, header: throttleHeaders()}
	c := NewClient(testOAuth(""), "https://api.example/v3", &MemoryTokenSource{Token: freshToken()}, nil)
	c.h.HTTPClient.Transport = st
	// The boundary wait is covered separately; zero it so the retry loop
	// runs without sleeping.
	c.h.Backoff = func(time.Duration, time.Duration, int, *http.Response) time.Duration { return 0 }

	if _, err := c.ListActivities(context.Background(), 0, 0, 1, 30); err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if st.calls != 2 {
		t.Fatalf("transport calls = %d; want exactly one retry", st.calls)
	}

	// The throttled attempt's headers were recorded even though the final
	// response carried none.
	snap := c.RateLimits()
	if snap.ShortUsage != 600 || snap.DailyUsage != 1000 {
		t.Fatalf("snapshot = %+v; want the 429's usage", snap)
	}
}

func TestGivesUpAfterSecond429(t *testing.T) {
	st := &seqTransport{statuses: []int{429}, header: throttleHeaders()}
	c := NewClient(testOAuth(""), "https://api.example/v3", &MemoryTokenSource{Token: freshToken()}, nil)
	c.h.HTTPClient.Transport = st
	c.h.Backoff = func(time.Duration, time.Duration, int, *http.Response) time.Duration { return 0 }

	_, err := c.ListActivities(context.Background(), 0, 0, 1, 30)
	if err == nil {
		t.Fatal("expected error after exhausting the retry")
	}
	if st.calls != 2 {
		t.Fatalf("transport calls = %d; want exactly one retry", st.calls)
	}
	// Headers from the failed attempts are still tracked.
	if snap := c.RateLimits(); snap.ShortUsage != 600 {
		t.Fatalf("snapshot = %+v; want the 429's usage", snap)
	}
}

func TestMemoryTokenSource(t *testing.T) {
	src := &MemoryTokenSource{}
	if _, err := src.Current(context.Background()); err == nil {
		t.Fatal("expected error with no token")
	}

	tok := freshToken()
	if err := src.Save(context.Background(), tok); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := src.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got.AccessToken != tok.AccessToken {
		t.Fatalf("AccessToken = %q", got.AccessToken)
	}

	// Current returns a copy: mutating it must not affect the source.
	got.AccessToken = "mutated"
	again, _ := src.Current(context.Background())
	if again.AccessToken == "mutated" {
		t.Fatal("Current leaked internal token")
	}
}
