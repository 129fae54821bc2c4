package security

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller key
type RateLimiter struct {
	config *RateLimitConfig
	logger *logrus.Logger

	mu       sync.Mutex
	visitors map[string]*visitor

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop
func NewRateLimiter(config *RateLimitConfig, logger *logrus.Logger) *RateLimiter {
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.BurstSize == 0 {
		config.BurstSize = config.RequestsPerMinute
	}

	rl := &RateLimiter{
		config:   config,
		logger:   logger,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow takes one token from key's bucket
func (rl *RateLimiter) Allow(key string) RateLimitResult {
	if !rl.config.Enabled {
		return RateLimitResult{Allowed: true, Limit: rl.config.RequestsPerMinute, Remaining: rl.config.RequestsPerMinute}
	}

	now := time.Now()
	limiter := rl.limiterFor(key, now)

	res := limiter.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		rl.logger.WithFields(logrus.Fields{
			"key":         maskKey(key),
			"retry_after": delay.String(),
		}).Warn("Rate limit exceeded")
		return RateLimitResult{
			Allowed:    false,
			Limit:      rl.config.BurstSize,
			RetryAfter: delay,
		}
	}

	return RateLimitResult{
		Allowed:   true,
		Limit:     rl.config.BurstSize,
		Remaining: int(math.Max(0, limiter.TokensAt(now))),
	}
}

// Reset forgets key's bucket
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.visitors, key)
}

// Stop ends the cleanup loop
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[key]
	if !ok {
		perSecond := rate.Limit(float64(rl.config.RequestsPerMinute) / 60)
		v = &visitor{limiter: rate.NewLimiter(perSecond, rl.config.BurstSize)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stop:
			return
		}
	}
}

// cleanup removes buckets idle for two cleanup intervals
func (rl *RateLimiter) cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-2 * rl.config.CleanupInterval)
	removed := 0
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
	return removed
}

// Middleware rejects callers that exceed their rate with 429
func (rl *RateLimiter) Middleware(keyExtractor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result := rl.Allow(key)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
				WriteError(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKeyExtractor keys authenticated callers by subject, everyone
// else by address.
func DefaultKeyExtractor(r *http.Request) string {
	if info, ok := GetAuthInfo(r.Context()); ok {
		return "subject:" + info.Subject
	}
	return "ip:" + ClientIP(r)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}
