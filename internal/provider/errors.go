package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoProvider is returned when no provider is registered for a channel.
var ErrNoProvider = errors.New("no provider registered for channel")

// ProviderError classifies provider call failures as retryable or permanent.
type ProviderError struct {
	ProviderID string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	if e.ProviderID != "" {
		parts = append(parts, fmt.Sprintf("provider %s", e.ProviderID))
	} else {
		parts = append(parts, "provider error")
	}

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsRetryable reports whether a failed dispatch should be attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

var retryableMarkers = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
	"service unavailable",
	"connection reset",
	"connection refused",
}

// ClassifyMessage guesses retryability from an unstructured SDK error message.
// Adapters use it only when the SDK gives nothing better.
func ClassifyMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range retryableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ErrorCode returns the provider error code carried by err, if any.
func ErrorCode(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Code != "" {
			return providerErr.Code
		}
		if providerErr.StatusCode > 0 {
			return fmt.Sprintf("%d", providerErr.StatusCode)
		}
	}
	return ""
}
