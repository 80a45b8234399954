package report

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cpsource/fail3band/internal/config"
)

const (
	maxCommentLen   = 1000
	recentCacheSize = 4096
)

// Client submits abuse reports to an AbuseIPDB-compatible endpoint.
// Submission is best effort: a rejected or failed report is logged
// and dropped, never retried into the hot path.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	recent   *lru.Cache[string, time.Time]
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func NewClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	cache, err := lru.New[string, time.Time](recentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("report: cache: %w", err)
	}
	perMinute := cfg.Report.RatePerMinute
	return &Client{
		endpoint: cfg.Report.URL,
		apiKey:   cfg.Report.APIKey,
		http:     &http.Client{Timeout: cfg.Report.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		recent:   cache,
		// AbuseIPDB rejects duplicate reports for the same address
		// inside 15 minutes, so do not bother sending them.
		interval: 15 * time.Minute,
		log:      logger,
		now:      time.Now,
	}, nil
}

// Report submits one abuse report. Duplicate addresses inside the
// suppression interval are dropped locally.
func (c *Client) Report(ctx context.Context, ip string, categories []int, comment string, ts time.Time) error {
	if last, ok := c.recent.Get(ip); ok && c.now().Sub(last) < c.interval {
		c.log.Debug().Str("ip", ip).Msg("report suppressed, recently reported")
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("report: rate limiter: %w", err)
	}

	form := url.Values{}
	form.Set("ip", ip)
	form.Set("categories", joinCategories(categories))
	form.Set("comment", clampComment(comment))
	form.Set("timestamp", ts.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("report: build request: %w", err)
	}
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("report: %s: %w", ip, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("report: %s: endpoint returned %d", ip, resp.StatusCode)
	}

	c.recent.Add(ip, c.now())
	c.log.Info().Str("ip", ip).Str("categories", joinCategories(categories)).Msg("abuse report submitted")
	return nil
}

func joinCategories(categories []int) string {
	parts := make([]string, len(categories))
	for i, c := range categories {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// clampComment keeps the comment inside the endpoint's byte limit
// without splitting a UTF-8 sequence.
func clampComment(s string) string {
	if len(s) <= maxCommentLen {
		return s
	}
	cut := maxCommentLen
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
