package routing

import (
	"context"
	"errors"
	"strings"

	"github.com/aimux-ai/aimux/internal/types"
)

// ErrorCategory buckets a dispatch failure for retry policy.
type ErrorCategory string

const (
	// ErrorRetryable covers network and server-side failures that are safe
	// to retry on another provider immediately.
	ErrorRetryable ErrorCategory = "retryable"
	// ErrorTemporary covers rate limiting and outages; safe to retry after
	// backoff.
	ErrorTemporary ErrorCategory = "temporary"
	// ErrorClient covers malformed requests and bad credentials; never
	// retried.
	ErrorClient ErrorCategory = "client_error"
	// ErrorPermanent covers non-recoverable provider-side conditions; never
	// retried.
	ErrorPermanent ErrorCategory = "permanent"
	// ErrorUnknown is the optimistic default: retryable by policy, tracked
	// separately.
	ErrorUnknown ErrorCategory = "unknown"
)

// Retryable reports whether the failover loop may continue past this
// category.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case ErrorRetryable, ErrorTemporary, ErrorUnknown:
		return true
	}
	return false
}

var (
	retryableKeywords = []string{
		"timeout", "timed out", "deadline exceeded",
		"connection refused", "connection reset", "connection closed",
		"no such host", "dns", "broken pipe", "eof",
		"service unavailable", "internal server error", "bad gateway",
	}
	temporaryKeywords = []string{
		"rate limit", "too many requests", "quota",
		"overloaded", "maintenance", "outage", "capacity",
	}
	clientKeywords = []string{
		"unauthorized", "forbidden", "invalid api key",
		"invalid credential", "authentication", "permission denied",
		"invalid request", "bad request",
	}
	permanentKeywords = []string{
		"model not found", "model does not exist", "unsupported model",
		"deprecated", "not supported",
	}
)

// Classify maps a dispatch error to its category. Status codes win over
// message heuristics; anything unmatched is UNKNOWN.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorRetryable
	}

	var pe *types.ProviderError
	if errors.As(err, &pe) && pe.StatusCode > 0 {
		return classifyStatus(pe.StatusCode)
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range permanentKeywords {
		if strings.Contains(msg, kw) {
			return ErrorPermanent
		}
	}
	for _, kw := range temporaryKeywords {
		if strings.Contains(msg, kw) {
			return ErrorTemporary
		}
	}
	for _, kw := range clientKeywords {
		if strings.Contains(msg, kw) {
			return ErrorClient
		}
	}
	for _, kw := range retryableKeywords {
		if strings.Contains(msg, kw) {
			return ErrorRetryable
		}
	}

	return ErrorUnknown
}

func classifyStatus(status int) ErrorCategory {
	switch {
	case status >= 500:
		return ErrorRetryable
	case status == 429:
		return ErrorTemporary
	case status >= 400:
		return ErrorClient
	}
	return ErrorUnknown
}
