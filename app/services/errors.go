package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen       = errors.New("circuit open")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrProviderFailure   = errors.New("provider failure")
)

// CircuitOpenError is returned when a call is rejected without reaching the service
type CircuitOpenError struct {
	ServiceID string
	OpenedAt  time.Time
	ReopensAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.ServiceID, e.ReopensAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RateLimitExceededError carries how long the caller should back off
type RateLimitExceededError struct {
	VendorID   string
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded for vendor %s, retry after %s", e.Limit, e.VendorID, e.RetryAfter)
}

func (e *RateLimitExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// ProviderError is a failed provider call classified as retryable or terminal
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderFailure
}

// AsCircuitOpen extracts a *CircuitOpenError from err
func AsCircuitOpen(err error) (*CircuitOpenError, bool) {
	var openErr *CircuitOpenError
	if errors.As(err, &openErr) {
		return openErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a provider failure worth another attempt
func IsRetryable(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable
	}
	return false
}
