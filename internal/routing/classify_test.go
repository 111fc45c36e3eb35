package routing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aimux-ai/aimux/internal/types"
)

func TestClassifyStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected ErrorCategory
	}{
		{"internal server error", 500, ErrorRetryable},
		{"bad gateway", 502, ErrorRetryable},
		{"service unavailable", 503, ErrorRetryable},
		{"rate limited", 429, ErrorTemporary},
		{"bad request", 400, ErrorClient},
		{"unauthorized", 401, ErrorClient},
		{"forbidden", 403, ErrorClient},
		{"not found", 404, ErrorClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := types.NewProviderError("test", tt.status, "boom", nil)
			assert.Equal(t, tt.expected, Classify(err))
		})
	}
}

func TestClassifyKeywords(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"timeout", errors.New("request timeout after 30s"), ErrorRetryable},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrorRetryable},
		{"dns failure", errors.New("lookup api.example.com: no such host"), ErrorRetryable},
		{"rate limit", errors.New("rate limit exceeded, retry later"), ErrorTemporary},
		{"quota", errors.New("monthly quota exhausted"), ErrorTemporary},
		{"maintenance", errors.New("scheduled maintenance in progress"), ErrorTemporary},
		{"outage", errors.New("provider outage reported"), ErrorTemporary},
		{"unauthorized", errors.New("unauthorized: bad token"), ErrorClient},
		{"invalid credential", errors.New("invalid credential supplied"), ErrorClient},
		{"unsupported model", errors.New("unsupported model gpt-9"), ErrorPermanent},
		{"unmatched", errors.New("something odd happened"), ErrorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	assert.Equal(t, ErrorRetryable, Classify(context.DeadlineExceeded))
	assert.Equal(t, ErrorRetryable, Classify(fmt.Errorf("dispatch: %w", context.DeadlineExceeded)))
}

func TestClassifyStatusWinsOverMessage(t *testing.T) {
	// A 401 with a retryable-sounding message is still a client error.
	err := types.NewProviderError("test", 401, "connection token timeout", nil)
	assert.Equal(t, ErrorClient, Classify(err))
}

func TestCategoryRetryable(t *testing.T) {
	assert.True(t, ErrorRetryable.Retryable())
	assert.True(t, ErrorTemporary.Retryable())
	assert.True(t, ErrorUnknown.Retryable())
	assert.False(t, ErrorClient.Retryable())
	assert.False(t, ErrorPermanent.Retryable())
}
