package auth

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig sets the per-client token bucket parameters.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimitConfig matches the server's config defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 10, Burst: 30}
}

// RateLimiter applies per-client token bucket limiting and tracks
// failed authentication attempts so brute-force clients can be blocked
// outright for a cooldown period.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	buckets map[string]*bucket

	authMu       sync.Mutex
	authFailures map[string]*authRecord
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// authRecord tracks failed authentication attempts for one client.
type authRecord struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

const (
	authMaxFailures = 10
	authWindow      = time.Minute
	authBlock       = 5 * time.Minute
	authStaleAfter  = 10 * time.Minute
)

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:       config,
		buckets:      make(map[string]*bucket),
		authFailures: make(map[string]*authRecord),
	}
}

// Allow reports whether a request from key fits its token bucket. A
// non-positive rate disables limiting.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.config.RequestsPerSecond <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.config.Burst), lastRefill: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * rl.config.RequestsPerSecond
	if b.tokens > float64(rl.config.Burst) {
		b.tokens = float64(rl.config.Burst)
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// IsAuthBlocked reports whether a client is inside its block window.
func (rl *RateLimiter) IsAuthBlocked(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	rec, ok := rl.authFailures[ip]
	if !ok {
		return false
	}
	if time.Now().Before(rec.blockedUntil) {
		return true
	}
	if !rec.blockedUntil.IsZero() {
		delete(rl.authFailures, ip)
	}
	return false
}

// AuthBlockRetryAfter returns whole seconds until the client's block
// expires, rounding up so the client never retries early.
func (rl *RateLimiter) AuthBlockRetryAfter(ip string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	rec, ok := rl.authFailures[ip]
	if !ok {
		return 0
	}
	remaining := time.Until(rec.blockedUntil).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records a failed authentication attempt. It returns true
// when the attempt tips the client into a block.
func (rl *RateLimiter) AuthFailure(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := time.Now()
	rec, ok := rl.authFailures[ip]
	if !ok {
		rec = &authRecord{windowStart: now}
		rl.authFailures[ip] = rec
	}

	if now.Sub(rec.windowStart) > authWindow {
		rec.failures = 0
		rec.windowStart = now
	}
	rec.failures++

	if rec.failures >= authMaxFailures {
		rec.blockedUntil = now.Add(authBlock)
		return true
	}

	if len(rl.authFailures) > 1000 {
		rl.evictStale(now)
	}
	return false
}

// AuthSuccess clears failure tracking for a client.
func (rl *RateLimiter) AuthSuccess(ip string) {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.authFailures, ip)
}

func (rl *RateLimiter) evictStale(now time.Time) {
	for ip, rec := range rl.authFailures {
		expired := !rec.blockedUntil.IsZero() && now.After(rec.blockedUntil)
		if expired || now.Sub(rec.windowStart) > authStaleAfter {
			delete(rl.authFailures, ip)
		}
	}
}

// Middleware applies token bucket limiting keyed by keyFunc. Requests
// whose key is empty pass through unlimited.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" || rl.Allow(key) {
				next.ServeHTTP(w, r)
				return
			}

			retry := 1
			if rl.config.RequestsPerSecond > 0 {
				retry = int(math.Ceil(1 / rl.config.RequestsPerSecond))
				if retry < 1 {
					retry = 1
				}
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		})
	}
}

// ClientIP extracts a stable client key from the request, preferring
// the first X-Forwarded-For hop when a proxy is in front.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
