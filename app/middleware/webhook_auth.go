package middleware

import (
	"crypto/subtle"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
)

// WebhookAuth checks the shared secret providers send with delivery callbacks.
// An empty secret disables the check.
func WebhookAuth(header, secret string) fiber.Handler {
	if header == "" {
		header = "X-Webhook-Token"
	}
	return func(c fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		if subtle.ConstantTimeCompare([]byte(c.Get(header)), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
				Success:   false,
				Message:   "Invalid webhook credentials",
				Error:     dto.ErrorDetail{Code: "INVALID_WEBHOOK_TOKEN"},
				RequestID: requestid.FromContext(c),
			})
		}
		return c.Next()
	}
}
