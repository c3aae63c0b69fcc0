package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
	"golang.org/x/time/rate"
)

// RateLimiter provides IP-based rate limiting
type RateLimiter struct {
	limiters *keyedLimiters
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	RequestsPerSecond float64       // Requests allowed per second
	BurstSize         int           // Maximum burst size
	CleanupInterval   time.Duration // How often to clean up old visitors
	TTL               time.Duration // How long to keep inactive visitors
}

// DefaultRateLimiterConfig returns a sensible default configuration
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		TTL:               3 * time.Minute,
	}
}

// AuthRateLimiterConfig returns a stricter config for auth endpoints
func AuthRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
		TTL:               5 * time.Minute,
	}
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{limiters: newKeyedLimiters(cfg)}
}

// Allow checks if a request from the given IP is allowed
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.limiters.allow(ip)
}

// Stop ends the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.limiters.stop()
}

// Middleware returns an HTTP middleware that rate limits requests
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return limitBy(rl.limiters, getClientIP)(next)
}

// RateLimitByKey provides rate limiting by arbitrary keys (e.g., user ID)
type RateLimitByKey struct {
	limiters *keyedLimiters
}

// NewRateLimitByKey creates a key-based rate limiter
func NewRateLimitByKey(requestsPerSecond float64, burst int) *RateLimitByKey {
	return &RateLimitByKey{limiters: newKeyedLimiters(RateLimiterConfig{
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
		TTL:               5 * time.Minute,
	})}
}

// Allow checks if a request with the given key is allowed
func (rl *RateLimitByKey) Allow(key string) bool {
	return rl.limiters.allow(key)
}

// Stop ends the background cleanup.
func (rl *RateLimitByKey) Stop() {
	rl.limiters.stop()
}

// Middleware rate limits requests by the key keyFn extracts. Requests with
// an empty key pass through.
func (rl *RateLimitByKey) Middleware(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return limitBy(rl.limiters, keyFn)
}

// ClaimsUserKey keys rate limiting by the authenticated user.
func ClaimsUserKey(r *http.Request) string {
	if claims, ok := GetClaims(r.Context()); ok {
		return claims.UserID.String()
	}
	return ""
}

func limitBy(limiters *keyedLimiters, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := keyFn(r); key != "" && !limiters.allow(key) {
				w.Header().Set("Retry-After", "1")
				writeError(w, apperrors.NewRateLimitError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// keyedLimiters holds one token bucket per key and evicts idle keys.
type keyedLimiters struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	done     chan struct{}
	stopOnce sync.Once
}

func newKeyedLimiters(cfg RateLimiterConfig) *keyedLimiters {
	kl := &keyedLimiters{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.BurstSize,
		done:     make(chan struct{}),
	}

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go kl.cleanup(interval, cfg.TTL)

	return kl
}

func (kl *keyedLimiters) allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	v, exists := kl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(kl.rate, kl.burst)}
		kl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// cleanup removes visitors that haven't been seen recently
func (kl *keyedLimiters) cleanup(interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			kl.mu.Lock()
			for key, v := range kl.visitors {
				if time.Since(v.lastSeen) > ttl {
					delete(kl.visitors, key)
				}
			}
			kl.mu.Unlock()
		case <-kl.done:
			return
		}
	}
}

func (kl *keyedLimiters) stop() {
	kl.stopOnce.Do(func() { close(kl.done) })
}

// getClientIP extracts the client IP from the request
// It checks X-Forwarded-For and X-Real-IP headers first (for reverse proxies)
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the list
		first, _, _ := strings.Cut(xff, ",")
		first = strings.TrimSpace(first)
		if ip, _, err := net.SplitHostPort(first); err == nil {
			return ip
		}
		return first
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
