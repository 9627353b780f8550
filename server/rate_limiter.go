package main

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord), now: time.Now}
}

// Allow returns true if the caller may proceed under the provided limit and
// window. When it returns false, retryAfter is the time left in the window.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (ok bool, retryAfter time.Duration) {
	if limit <= 0 {
		return true, 0
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec := rl.entries[key]
	if rec.reset.IsZero() || !now.Before(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	if rec.count >= limit {
		return false, rec.reset.Sub(now)
	}
	rec.count++
	rl.entries[key] = rec
	return true, 0
}

// Prune drops keys whose window has ended.
func (rl *RateLimiter) Prune() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, rec := range rl.entries {
		if !now.Before(rec.reset) {
			delete(rl.entries, key)
			removed++
		}
	}
	return removed
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.entries)}
}

// limitByClientIP rejects requests beyond limit per minute from one client
// address with 429.
func (s *Server) limitByClientIP(scope string, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := s.rateLimiter.Allow(scope+":"+c.ClientIP(), limit, time.Minute)
		if !ok {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			respondError(c, http.StatusTooManyRequests, "too many requests", s.logger)
			return
		}
		c.Next()
	}
}
