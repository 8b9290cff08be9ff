package strava

import (
	"net/http"
	"testing"
	"time"
)

func TestObserveParsesHeaders(t *testing.T) {
	tr := NewRateLimitTracker()

	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "600,30000")
	h.Set("X-RateLimit-Usage", "314,27536")
	h.Set("X-ReadRateLimit-Usage", "100,1000")
	tr.Observe(h)

	snap := tr.Snapshot()
	if snap.ShortLimit != 600 || snap.DailyLimit != 30000 {
		t.Fatalf("limits = %d,%d; want 600,30000", snap.ShortLimit, snap.DailyLimit)
	}
	if snap.ShortUsage != 314 || snap.DailyUsage != 27536 {
		t.Fatalf("usage = %d,%d; want 314,27536", snap.ShortUsage, snap.DailyUsage)
	}
	if snap.ReadShort != 100 || snap.ReadDaily != 1000 {
		t.Fatalf("read usage = %d,%d; want 100,1000", snap.ReadShort, snap.ReadDaily)
	}
	if snap.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not set")
	}
}

func TestObserveIgnoresResponsesWithoutHeaders(t *testing.T) {
	tr := NewRateLimitTracker()

	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "600,30000")
	h.Set("X-RateLimit-Usage", "10,20")
	tr.Observe(h)

	// A header-less response (e.g. from the token endpoint) must not
	// clobber the snapshot.
	tr.Observe(make(http.Header))

	snap := tr.Snapshot()
	if snap.ShortUsage != 10 || snap.DailyUsage != 20 {
		t.Fatalf("usage = %d,%d; want 10,20", snap.ShortUsage, snap.DailyUsage)
	}
}

func TestObserveMalformedHeaders(t *testing.T) {
	tr := NewRateLimitTracker()

	h := make(http.Header)
	h.Set("X-RateLimit-Limit", "garbage")
	h.Set("X-RateLimit-Usage", "1,2,3extra")
	tr.Observe(h)

	snap := tr.Snapshot()
	if snap.ShortLimit != 0 || snap.ShortUsage != 0 {
		t.Fatalf("malformed headers should be skipped, got %+v", snap)
	}
}

func TestSplitWindowPair(t *testing.T) {
	cases := []struct {
		in           string
		short, daily int
		ok           bool
	}{
		{"600,30000", 600, 30000, true},
		{" 600 , 30000 ", 600, 30000, true},
		{"", 0, 0, false},
		{"600", 0, 0, false},
		{"a,b", 0, 0, false},
	}
	for _, tc := range cases {
		short, daily, ok := splitWindowPair(tc.in)
		if short != tc.short || daily != tc.daily || ok != tc.ok {
			t.Errorf("splitWindowPair(%q) = %d,%d,%v; want %d,%d,%v",
				tc.in, short, daily, ok, tc.short, tc.daily, tc.ok)
		}
	}
}

func TestNextQuarterHour(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 7, 30, 0, time.UTC)
	d := nextQuarterHour(now)
	// 10:15:00 boundary plus the 2s buffer.
	want := 7*time.Minute + 30*time.Second + 2*time.Second
	if d != want {
		t.Fatalf("nextQuarterHour = %v; want %v", d, want)
	}

	// Just before a boundary the wait collapses to the buffer.
	now = time.Date(2024, 3, 1, 10, 14, 59, 0, time.UTC)
	d = nextQuarterHour(now)
	if d != time.Second+2*time.Second {
		t.Fatalf("nextQuarterHour near boundary = %v", d)
	}
}
