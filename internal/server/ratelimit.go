package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig bounds requests and upload volume per client.
// Zero disables the respective limit.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	RequestsPerHour   int
	MaxRequestsPerDay int
	MaxDataPerDay     int64 // bytes
}

// RateLimiter tracks fixed-window request counts per client.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	clients map[string]*clientUsage
	now     func() time.Time
}

type clientUsage struct {
	minuteStart, hourStart, dayStart time.Time
	minute, hour, day                int
	dataToday                        int64
}

// NewRateLimiter creates a limiter for cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{cfg: cfg, clients: make(map[string]*clientUsage), now: time.Now}
}

// Allow records one request of dataSize bytes for client, or returns a
// *RateLimitError or *QuotaExceededError without recording it.
func (rl *RateLimiter) Allow(client string, dataSize int64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	u, ok := rl.clients[client]
	if !ok {
		u = &clientUsage{minuteStart: now, hourStart: now, dayStart: startOfDay(now)}
		rl.clients[client] = u
	}
	if now.Sub(u.minuteStart) >= time.Minute {
		u.minuteStart, u.minute = now, 0
	}
	if now.Sub(u.hourStart) >= time.Hour {
		u.hourStart, u.hour = now, 0
	}
	if day := startOfDay(now); !day.Equal(u.dayStart) {
		u.dayStart, u.day, u.dataToday = day, 0, 0
	}

	if rl.cfg.RequestsPerMinute > 0 && u.minute >= rl.cfg.RequestsPerMinute {
		return &RateLimitError{Window: "minute", Limit: rl.cfg.RequestsPerMinute,
			RetryAfter: u.minuteStart.Add(time.Minute).Sub(now)}
	}
	if rl.cfg.RequestsPerHour > 0 && u.hour >= rl.cfg.RequestsPerHour {
		return &RateLimitError{Window: "hour", Limit: rl.cfg.RequestsPerHour,
			RetryAfter: u.hourStart.Add(time.Hour).Sub(now)}
	}
	resets := u.dayStart.AddDate(0, 0, 1)
	if rl.cfg.MaxRequestsPerDay > 0 && u.day >= rl.cfg.MaxRequestsPerDay {
		return &QuotaExceededError{Kind: "requests", Limit: int64(rl.cfg.MaxRequestsPerDay), Used: int64(u.day), Resets: resets}
	}
	if rl.cfg.MaxDataPerDay > 0 && u.dataToday+dataSize > rl.cfg.MaxDataPerDay {
		return &QuotaExceededError{Kind: "data", Limit: rl.cfg.MaxDataPerDay, Used: u.dataToday, Resets: resets}
	}

	u.minute++
	u.hour++
	u.day++
	u.dataToday += dataSize
	return nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// RateLimitError is a per-minute or per-hour violation.
type RateLimitError struct {
	Window     string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per %s exceeded, retry after %v",
		e.Limit, e.Window, e.RetryAfter.Round(time.Second))
}

// QuotaExceededError is a daily quota violation.
type QuotaExceededError struct {
	Kind   string
	Limit  int64
	Used   int64
	Resets time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily %s quota exceeded (used %d of %d, resets %s)",
		e.Kind, e.Used, e.Limit, e.Resets.Format(time.RFC3339))
}
