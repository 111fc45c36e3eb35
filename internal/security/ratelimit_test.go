package security

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(t *testing.T, cfg *RateLimitConfig) *TokenBucketLimiter {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	rl := NewTokenBucketLimiter(cfg, logger)
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowConsumesBurst(t *testing.T) {
	rl := testLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         3,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, err := rl.Allow(ctx, "user:alice")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d within burst", i+1)
	}

	result, err := rl.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.NotZero(t, result.RetryAfter)
}

func TestAllowIsPerKey(t *testing.T) {
	rl := testLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})

	ctx := context.Background()
	result, _ := rl.Allow(ctx, "user:alice")
	assert.True(t, result.Allowed)
	result, _ = rl.Allow(ctx, "user:alice")
	assert.False(t, result.Allowed)

	result, _ = rl.Allow(ctx, "user:bob")
	assert.True(t, result.Allowed, "other keys are unaffected")
}

func TestAllowDisabled(t *testing.T) {
	rl := testLimiter(t, &RateLimitConfig{Enabled: false, RequestsPerMinute: 1})

	for i := 0; i < 10; i++ {
		result, err := rl.Allow(context.Background(), "user:alice")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
}

func TestReset(t *testing.T) {
	rl := testLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})

	ctx := context.Background()
	rl.Allow(ctx, "user:alice")
	result, _ := rl.Allow(ctx, "user:alice")
	require.False(t, result.Allowed)

	require.NoError(t, rl.Reset(ctx, "user:alice"))
	result, _ = rl.Allow(ctx, "user:alice")
	assert.True(t, result.Allowed)
}

func TestRefillOverTime(t *testing.T) {
	// 6000 rpm refills one token every 10ms.
	rl := testLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 6000,
		BurstSize:         1,
	})

	ctx := context.Background()
	result, _ := rl.Allow(ctx, "k")
	require.True(t, result.Allowed)
	result, _ = rl.Allow(ctx, "k")
	require.False(t, result.Allowed)

	time.Sleep(30 * time.Millisecond)

	result, _ = rl.Allow(ctx, "k")
	assert.True(t, result.Allowed, "tokens refill with elapsed time")
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := testLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})

	handler := RateLimitMiddleware(rl, DefaultKeyExtractor)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestDefaultKeyExtractor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "ip:10.0.0.1", DefaultKeyExtractor(req))

	ctx := context.WithValue(req.Context(), authInfoKey, &AuthInfo{UserID: "alice"})
	assert.Equal(t, "user:alice", DefaultKeyExtractor(req.WithContext(ctx)))
}
