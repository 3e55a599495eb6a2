package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) (func() time.Time, func(time.Duration)) {
	now := t
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestRateLimiter_MinuteWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerMinute: 2})
	clock, advance := fixedClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	rl.now = clock

	require.NoError(t, rl.Allow("a", 0))
	advance(10 * time.Second)
	require.NoError(t, rl.Allow("a", 0))

	err := rl.Allow("a", 0)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "minute", rle.Window)
	assert.Equal(t, 50*time.Second, rle.RetryAfter, "window is fixed from the first request")

	require.NoError(t, rl.Allow("b", 0), "clients are independent")

	advance(50 * time.Second)
	require.NoError(t, rl.Allow("a", 0))
}

func TestRateLimiter_HourWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerHour: 1})
	clock, advance := fixedClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	rl.now = clock

	require.NoError(t, rl.Allow("a", 0))
	var rle *RateLimitError
	require.ErrorAs(t, rl.Allow("a", 0), &rle)
	assert.Equal(t, "hour", rle.Window)
	advance(time.Hour)
	require.NoError(t, rl.Allow("a", 0))
}

func TestRateLimiter_DailyQuotas(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, MaxRequestsPerDay: 3, MaxDataPerDay: 100})
	clock, advance := fixedClock(time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC))
	rl.now = clock

	require.NoError(t, rl.Allow("a", 60))
	var qe *QuotaExceededError
	require.ErrorAs(t, rl.Allow("a", 60), &qe)
	assert.Equal(t, "data", qe.Kind)
	assert.Equal(t, int64(60), qe.Used)
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), qe.Resets)

	require.NoError(t, rl.Allow("a", 10))
	require.NoError(t, rl.Allow("a", 10))
	require.ErrorAs(t, rl.Allow("a", 0), &qe)
	assert.Equal(t, "requests", qe.Kind)

	advance(time.Hour)
	require.NoError(t, rl.Allow("a", 90), "quota resets at midnight")
}

func TestRateLimitMiddleware(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Enabled: true, RequestsPerMinute: 1}
	})
	require.NotNil(t, s.limiter)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/detect", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, send().Code, "first request passes the limiter")
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
}

func TestRateLimitErrors(t *testing.T) {
	err := error(&RateLimitError{Window: "minute", Limit: 5, RetryAfter: 1500 * time.Millisecond})
	assert.Equal(t, "rate limit of 5 requests per minute exceeded, retry after 2s", err.Error())
	assert.False(t, errors.Is(err, errBadRequest))
}
