package testing

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Defaults shared by tests that need a signed vendor token
const (
	TestJWTSecret   = "test-secret-key-for-jwt-signing-32-chars"
	TestJWTIssuer   = "test-issuer"
	TestJWTAudience = "test-audience"
)

// SignVendorToken issues an HS256 vendor token the way the portal does
func SignVendorToken(secret, vendorID, tier string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"vendor_id": vendorID,
		"tier":      tier,
		"jti":       uuid.NewString(),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"iss":       TestJWTIssuer,
		"aud":       TestJWTAudience,
	}
	if len(scopes) > 0 {
		claims["scopes"] = scopes
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
