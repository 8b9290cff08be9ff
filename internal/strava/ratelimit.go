package strava

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitSnapshot is the most recent rate-limit state reported by Strava.
// Strava sends two comma-separated values per header: the 15-minute window
// first, the daily window second.
type RateLimitSnapshot struct {
	ShortLimit int       `json:"short_limit"`
	ShortUsage int       `json:"short_usage"`
	DailyLimit int       `json:"daily_limit"`
	DailyUsage int       `json:"daily_usage"`
	ReadShort  int       `json:"read_short_usage"`
	ReadDaily  int       `json:"read_daily_usage"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RateLimitTracker retains the rate-limit headers from the latest Strava
// response. One tracker is shared across all per-user clients in the
// process since the limits are per application, not per athlete.
type RateLimitTracker struct {
	mu   sync.Mutex
	snap RateLimitSnapshot
}

func NewRateLimitTracker() *RateLimitTracker {
	return &RateLimitTracker{}
}

// Observe records the rate-limit headers from a Strava response. Responses
// without the headers (e.g. the OAuth token endpoint) leave the snapshot
// untouched.
func (t *RateLimitTracker) Observe(h http.Header) {
	limit := h.Get("X-RateLimit-Limit")
	usage := h.Get("X-RateLimit-Usage")
	if limit == "" && usage == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if short, daily, ok := splitWindowPair(limit); ok {
		t.snap.ShortLimit, t.snap.DailyLimit = short, daily
	}
	if short, daily, ok := splitWindowPair(usage); ok {
		t.snap.ShortUsage, t.snap.DailyUsage = short, daily
	}
	if short, daily, ok := splitWindowPair(h.Get("X-ReadRateLimit-Usage")); ok {
		t.snap.ReadShort, t.snap.ReadDaily = short, daily
	}
	t.snap.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the latest observed state.
func (t *RateLimitTracker) Snapshot() RateLimitSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// splitWindowPair parses a "short,daily" header value.
func splitWindowPair(v string) (short, daily int, ok bool) {
	if v == "" {
		return 0, 0, false
	}
	parts := strings.SplitN(v, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	short, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	daily, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return short, daily, true
}

// nextQuarterHour returns the duration until the next 15-minute wall-clock
// boundary, when Strava's short window resets. A small buffer avoids
// retrying the instant before the reset takes effect.
func nextQuarterHour(now time.Time) time.Duration {
	const window = 15 * time.Minute
	boundary := now.Truncate(window).Add(window)
	return boundary.Sub(now) + 2*time.Second
}
