package utils

import (
	"time"
)

// Enqueue limits
const (
	// MaxBatchRecipients is the largest fan-out a single batch request may carry
	MaxBatchRecipients = 10000

	// ScheduleClockSkew tolerates small clock differences between caller and server
	// when rejecting scheduled_at values in the past
	ScheduleClockSkew = 5 * time.Second

	// IdempotencyLockTTL bounds how long a pending idempotent enqueue holds its key
	IdempotencyLockTTL = 10 * time.Second
)

// Pagination defaults for list endpoints
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// CORS and security constants
const (
	// CORSMaxAge is the maximum age for CORS preflight requests (24 hours)
	CORSMaxAge = 86400
)

// WebhookRateLimitPerMinute caps provider callbacks per source IP
const WebhookRateLimitPerMinute = 6000
