package report

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cpsource/fail3band/internal/config"
)

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	cfg := &config.Config{}
	cfg.Report.URL = endpoint
	cfg.Report.APIKey = "test-key"
	cfg.Report.Timeout = 5 * time.Second
	cfg.Report.RatePerMinute = 600
	c, err := NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestClient_SubmitsFormFields(t *testing.T) {
	var gotKey, gotIP, gotCats, gotComment, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotKey = r.Header.Get("Key")
		gotIP = r.PostForm.Get("ip")
		gotCats = r.PostForm.Get("categories")
		gotComment = r.PostForm.Get("comment")
		gotTS = r.PostForm.Get("timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ts := time.Date(2025, 3, 9, 12, 30, 0, 0, time.FixedZone("CET", 3600))
	err := c.Report(context.Background(), "203.0.113.5", []int{18, 22}, "Invalid user admin", ts)
	require.NoError(t, err)

	require.Equal(t, "test-key", gotKey)
	require.Equal(t, "203.0.113.5", gotIP)
	require.Equal(t, "18,22", gotCats)
	require.Equal(t, "Invalid user admin", gotComment)
	require.Equal(t, "2025-03-09T11:30:00Z", gotTS)
}

func TestClient_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.Report(context.Background(), "203.0.113.5", []int{14}, "", time.Now())
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestClient_SuppressesRecentDuplicates(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Report(context.Background(), "203.0.113.5", []int{14}, "", now))
	require.NoError(t, c.Report(context.Background(), "203.0.113.5", []int{14}, "", now))
	require.Equal(t, 1, hits)

	// Past the suppression interval the same address reports again.
	now = now.Add(16 * time.Minute)
	require.NoError(t, c.Report(context.Background(), "203.0.113.5", []int{14}, "", now))
	require.Equal(t, 2, hits)
}

func TestClient_FailedReportNotCached(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.Error(t, c.Report(context.Background(), "203.0.113.5", []int{14}, "", time.Now()))
	require.NoError(t, c.Report(context.Background(), "203.0.113.5", []int{14}, "", time.Now()))
	require.Equal(t, 2, hits)
}

func TestClampComment(t *testing.T) {
	require.Equal(t, "short", clampComment("short"))

	long := strings.Repeat("a", 1500)
	require.Len(t, clampComment(long), maxCommentLen)

	// Multibyte rune straddling the limit is dropped whole.
	multi := strings.Repeat("a", maxCommentLen-1) + "é"
	got := clampComment(multi)
	require.LessOrEqual(t, len(got), maxCommentLen)
	require.True(t, strings.HasSuffix(got, "a"))
}
