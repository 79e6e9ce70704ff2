package middleware

import (
	"errors"
	"log"
	"strconv"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/app/services"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
)

// VendorRateLimit enforces the per-vendor sliding window. It must run after
// Authenticate; the tier in the token selects the limit.
func VendorRateLimit(limiter services.RateLimiter, logger *log.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		vendorID, ok := GetVendorIDFromContext(c)
		if !ok {
			return unauthorized(c, "Authentication required", "AUTHENTICATION_REQUIRED")
		}

		decision, err := limiter.CheckRateLimit(c.Context(), vendorID, GetVendorTierFromContext(c))
		if err != nil {
			// limiter outages never block traffic
			logger.Printf("rate limit check failed for vendor %s: %v", vendorID, err)
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		var limited *services.RateLimitExceededError
		if errors.As(decision.Err(vendorID), &limited) {
			return rateLimitExceeded(c, limited)
		}

		return c.Next()
	}
}

func rateLimitExceeded(c fiber.Ctx, err *services.RateLimitExceededError) error {
	retryAfter := services.RetryAfterSeconds(err.RetryAfter)
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
	return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
		Success: false,
		Message: "Too many requests. Please try again later.",
		Error: dto.ErrorDetail{
			Code:    "RATE_LIMIT_EXCEEDED",
			Details: fiber.Map{"limit": err.Limit, "retry_after": retryAfter},
		},
		RequestID: requestid.FromContext(c),
	})
}
