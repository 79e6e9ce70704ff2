package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ProviderResult is the normalized outcome of one provider call
type ProviderResult struct {
	Success      bool
	ProviderID   string
	ProviderName string
	Error        string
	Retryable    bool
}

// SMSMessage is one outbound SMS
type SMSMessage struct {
	RecipientToken string
	Body           string
	Reference      string
}

// EmailMessage is one outbound email
type EmailMessage struct {
	RecipientToken string
	Subject        string
	Body           string
	Reference      string
}

// SMSProvider sends SMS through an external service.
// A failed send returns a result describing it together with a *ProviderError.
type SMSProvider interface {
	Name() string
	SendSMS(ctx context.Context, msg SMSMessage) (*ProviderResult, error)
}

// EmailProvider sends email through an external service
type EmailProvider interface {
	Name() string
	SendEmail(ctx context.Context, msg EmailMessage) (*ProviderResult, error)
}

// retryableStatus reports whether an HTTP status is transient: 408, 429 and 5xx
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// retryableTransport reports whether a transport error is worth retrying
func retryableTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func failedResult(provider string, perr *ProviderError) (*ProviderResult, error) {
	return &ProviderResult{
		Success:      false,
		ProviderName: provider,
		Error:        perr.Error(),
		Retryable:    perr.Retryable,
	}, perr
}

func transportFailure(provider string, err error) (*ProviderResult, error) {
	return failedResult(provider, &ProviderError{
		Provider:  provider,
		Retryable: retryableTransport(err),
		Message:   "request failed",
		Err:       err,
	})
}

func statusFailure(provider string, resp *http.Response) (*ProviderResult, error) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return failedResult(provider, &ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Retryable:  retryableStatus(resp.StatusCode),
		Message:    fmt.Sprintf("rejected: %s", string(body)),
	})
}

func timedCall(provider string, fn func() (*ProviderResult, error)) (*ProviderResult, error) {
	start := time.Now()
	res, err := fn()
	outcome := "success"
	if err != nil {
		outcome = "retryable"
		if !IsRetryable(err) {
			outcome = "terminal"
		}
	}
	providerCallDuration.WithLabelValues(provider, outcome).Observe(time.Since(start).Seconds())
	return res, err
}

// baseURL accepts either a bare host or a full origin
func baseURL(domain string) string {
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return strings.TrimSuffix(domain, "/")
	}
	return "https://" + domain
}
