// Package middleware contains HTTP middleware functions for request processing
package middleware

import (
	"errors"
	"strings"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/app/services"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
)

// Locals keys set by the middleware chain
const (
	LocalVendorID    = "vendor_id"
	LocalVendorTier  = "vendor_tier"
	LocalTokenClaims = "token_claims"
)

// AuthMiddleware handles JWT token validation for protected endpoints
type AuthMiddleware struct {
	tokenService services.TokenService
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokenService services.TokenService) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
	}
}

func unauthorized(c fiber.Ctx, message, code string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
		Success:   false,
		Message:   message,
		Error:     dto.ErrorDetail{Code: code},
		RequestID: requestid.FromContext(c),
	})
}

// Authenticate validates the vendor bearer token and stores its claims
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "Authorization header is required", "MISSING_AUTHORIZATION_HEADER")
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return unauthorized(c, "Invalid authorization header format. Expected 'Bearer <token>'", "INVALID_AUTHORIZATION_FORMAT")
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			return unauthorized(c, "Access token is required", "MISSING_ACCESS_TOKEN")
		}

		claims, err := m.tokenService.ValidateVendorToken(token)
		if err != nil {
			switch {
			case errors.Is(err, services.ErrTokenExpired):
				return unauthorized(c, "Access token has expired", "TOKEN_EXPIRED")
			case errors.Is(err, services.ErrTokenInvalid):
				return unauthorized(c, "Invalid access token", "TOKEN_INVALID")
			default:
				return unauthorized(c, "Token validation failed", "TOKEN_VALIDATION_FAILED")
			}
		}

		c.Locals(LocalVendorID, claims.VendorID)
		c.Locals(LocalVendorTier, claims.Tier)
		c.Locals(LocalTokenClaims, claims)

		return c.Next()
	}
}

// RequireScope rejects authenticated callers whose token lacks scope.
// It must run after Authenticate.
func (m *AuthMiddleware) RequireScope(scope string) fiber.Handler {
	return func(c fiber.Ctx) error {
		claims, ok := GetVendorClaimsFromContext(c)
		if !ok {
			return unauthorized(c, "Authentication required", "AUTHENTICATION_REQUIRED")
		}
		if !claims.HasScope(scope) {
			return c.Status(fiber.StatusForbidden).JSON(dto.APIResponse{
				Success:   false,
				Message:   "Insufficient scope",
				Error:     dto.ErrorDetail{Code: "INSUFFICIENT_SCOPE", Details: scope},
				RequestID: requestid.FromContext(c),
			})
		}
		return c.Next()
	}
}

// GetVendorIDFromContext extracts the authenticated vendor from the request context
func GetVendorIDFromContext(c fiber.Ctx) (string, bool) {
	vendorID, ok := c.Locals(LocalVendorID).(string)
	return vendorID, ok && vendorID != ""
}

// GetVendorTierFromContext extracts the vendor's rate limit tier
func GetVendorTierFromContext(c fiber.Ctx) string {
	tier, _ := c.Locals(LocalVendorTier).(string)
	return tier
}

// GetVendorClaimsFromContext extracts token claims from the request context
func GetVendorClaimsFromContext(c fiber.Ctx) (*services.VendorClaims, bool) {
	claims, ok := c.Locals(LocalTokenClaims).(*services.VendorClaims)
	return claims, ok
}
