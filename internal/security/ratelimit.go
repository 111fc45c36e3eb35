package security

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter defines the interface for rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Reset(ctx context.Context, key string) error
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	WindowDuration    time.Duration `yaml:"window_duration"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// TokenBucketLimiter rate limits callers with per-key in-memory token buckets.
type TokenBucketLimiter struct {
	config *RateLimitConfig
	logger *logrus.Logger

	buckets map[string]*tokenBucket
	mu      sync.Mutex

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopped       bool
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

// NewTokenBucketLimiter creates an in-memory rate limiter.
func NewTokenBucketLimiter(config *RateLimitConfig, logger *logrus.Logger) *TokenBucketLimiter {
	if config.WindowDuration == 0 {
		config.WindowDuration = time.Minute
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.BurstSize == 0 {
		config.BurstSize = config.RequestsPerMinute
	}

	rl := &TokenBucketLimiter{
		config:      config,
		logger:      logger,
		buckets:     make(map[string]*tokenBucket),
		stopCleanup: make(chan struct{}),
	}
	rl.startCleanup()
	return rl
}

// Allow consumes one token for key, reporting whether the request may proceed.
func (rl *TokenBucketLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	if !rl.config.Enabled {
		return &RateLimitResult{
			Allowed:   true,
			Remaining: rl.config.RequestsPerMinute,
			ResetTime: time.Now().Add(rl.config.WindowDuration),
		}, nil
	}

	now := time.Now()
	bucket := rl.bucket(key)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	if elapsed := now.Sub(bucket.lastRefill); elapsed > 0 {
		refill := int(elapsed.Minutes() * float64(rl.config.RequestsPerMinute))
		if bucket.tokens+refill > rl.config.BurstSize {
			bucket.tokens = rl.config.BurstSize
		} else {
			bucket.tokens += refill
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return &RateLimitResult{
			Allowed:   true,
			Remaining: bucket.tokens,
			ResetTime: now.Add(rl.config.WindowDuration),
		}, nil
	}

	retryAfter := time.Duration(float64(time.Minute) / float64(rl.config.RequestsPerMinute))
	rl.logger.WithFields(logrus.Fields{
		"key":         maskKey(key),
		"retry_after": retryAfter,
	}).Warn("Rate limit exceeded")

	return &RateLimitResult{
		Allowed:    false,
		Remaining:  0,
		ResetTime:  now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

// Reset clears the bucket for a key.
func (rl *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
	return nil
}

func (rl *TokenBucketLimiter) bucket(key string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: rl.config.BurstSize, lastRefill: time.Now()}
		rl.buckets[key] = b
	}
	return b
}

func (rl *TokenBucketLimiter) startCleanup() {
	rl.cleanupTicker = time.NewTicker(rl.config.CleanupInterval)
	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.stopCleanup:
				return
			}
		}
	}()
}

// cleanup drops buckets idle for more than two windows.
func (rl *TokenBucketLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * rl.config.WindowDuration)
	removed := 0
	for key, bucket := range rl.buckets {
		bucket.mu.Lock()
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
		bucket.mu.Unlock()
	}
	if removed > 0 {
		rl.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
}

// Stop shuts down the cleanup goroutine.
func (rl *TokenBucketLimiter) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.stopped {
		return
	}
	rl.stopped = true
	rl.cleanupTicker.Stop()
	close(rl.stopCleanup)
}

// RateLimitMiddleware enforces the limiter and sets X-RateLimit headers.
func RateLimitMiddleware(limiter RateLimiter, keyExtractor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				http.Error(w, "Rate limiting error", http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":{"message":"Rate limit exceeded","type":"rate_limit_error","code":429,"retry_after":%d}}`,
					int(result.RetryAfter.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKeyExtractor keys rate limits by authenticated user, falling back to
// the caller IP.
func DefaultKeyExtractor(r *http.Request) string {
	if info, ok := GetAuthInfo(r.Context()); ok {
		return "user:" + info.UserID
	}
	return "ip:" + ClientIP(r)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}
