// Package middleware provides HTTP middleware for the service layer
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nolongerevil/thermcontrol/infrastructure/errors"
	internalhttputil "github.com/nolongerevil/thermcontrol/infrastructure/httputil"
	"github.com/nolongerevil/thermcontrol/infrastructure/logging"
)

// RateLimiter provides rate limiting functionality
type RateLimiter struct {
	limiters   map[string]*limiterEntry
	mu         sync.RWMutex
	rate       rate.Limit
	burst      int
	limit      int
	window     time.Duration
	maxSize    int
	limiterTTL time.Duration
	logger     *logging.Logger
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LimiterCount returns the number of active limiters.
func (rl *RateLimiter) LimiterCount() int {
	if rl == nil {
		return 0
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond, burst int, logger *logging.Logger) *RateLimiter {
	return &RateLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       rate.Limit(requestsPerSecond),
		burst:      burst,
		limit:      requestsPerSecond,
		window:     time.Second,
		maxSize:    10000,
		limiterTTL: 24 * time.Hour,
		logger:     logger,
	}
}

// NewRateLimiterWithWindow creates a rate limiter configured by a fixed window
// and request budget, e.g. 100 requests per 1 minute.
func NewRateLimiterWithWindow(limit int, window time.Duration, burst int, logger *logging.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	requestsPerSecond := float64(limit) / window.Seconds()
	if requestsPerSecond < 0 {
		requestsPerSecond = 0
	}

	return &RateLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       rate.Limit(requestsPerSecond),
		burst:      burst,
		limit:      limit,
		window:     window,
		maxSize:    10000,
		limiterTTL: 24 * time.Hour,
		logger:     logger,
	}
}

// SetMaxSize caps the number of tracked per-key limiters before Cleanup
// forcibly resets the map.
func (rl *RateLimiter) SetMaxSize(maxSize int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.maxSize = maxSize
}

// SetLimiterTTL sets how long an idle per-key limiter is kept before Cleanup
// evicts it.
func (rl *RateLimiter) SetLimiterTTL(ttl time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiterTTL = ttl
}

// getLimiter returns a rate limiter for the given key (e.g., client address)
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastAccess = time.Now()

	return entry.limiter
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Keyed by client address; the device protocol has no user identity
		// at this layer (see infrastructure/httputil.ClientIP).
		key := internalhttputil.ClientIP(r)
		if key == "" {
			key = "unknown"
		}

		limiter := rl.getLimiter(key)

		if !limiter.Allow() {
			if rl.logger != nil {
				rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
					"key":    key,
					"path":   r.URL.Path,
					"method": r.Method,
				})
			}

			window := rl.window
			if window <= 0 {
				window = time.Second
			}
			serviceErr := errors.RateLimitExceeded(rl.limit, window.String())
			if seconds := int(math.Ceil(window.Seconds())); seconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup evicts limiters idle longer than limiterTTL, then, if the map is
// still larger than maxSize, resets it entirely rather than scan further.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limiterTTL > 0 {
		cutoff := time.Now().Add(-rl.limiterTTL)
		for key, entry := range rl.limiters {
			if entry.lastAccess.Before(cutoff) {
				delete(rl.limiters, key)
			}
		}
	}

	maxSize := rl.maxSize
	if maxSize <= 0 {
		maxSize = 10000
	}
	if len(rl.limiters) > maxSize {
		rl.limiters = make(map[string]*limiterEntry)
	}
}

// StartCleanup starts a background goroutine to periodically cleanup old limiters
func (rl *RateLimiter) StartCleanup(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
