package types

import "fmt"

// ProviderError is a dispatch failure with enough context for classification.
// StatusCode is 0 when the failure never reached HTTP (connect, timeout).
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err as a ProviderError for provider name.
func NewProviderError(provider string, status int, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, StatusCode: status, Message: message, Err: err}
}
