// ABOUTME: Provider error taxonomy: rate limited, generic backend failure, max tokens
// ABOUTME: Typed errors carry status, headers-derived snapshot and retry delay

package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxTokens indicates the model stopped because it hit max_tokens.
	ErrMaxTokens = errors.New("response truncated by max_tokens, increase the agent's max tokens")

	// ErrNotConfigured indicates a backend has no API key.
	ErrNotConfigured = errors.New("provider API key not configured")

	// ErrTooManyIterations indicates the tool loop did not converge.
	ErrTooManyIterations = errors.New("tool loop exceeded maximum iterations")
)

// RateLimitError is returned for HTTP 429.
type RateLimitError struct {
	RetryAfter time.Duration
	Snapshot   *Snapshot
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// ProviderError is any other non-success backend response.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (HTTP %d): %s", e.Provider, e.Status, e.Message)
}

// IsRateLimited reports whether err is a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
