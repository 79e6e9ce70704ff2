package services

import (
	"testing"
	"time"

	testutil "github.com/amirphl/vendor-relay/testing"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestTokenService creates a token service for testing with symmetric key
func createTestTokenService(t *testing.T) TokenService {
	t.Helper()
	service, err := NewTokenService(testutil.TestJWTIssuer, testutil.TestJWTAudience, false, "", testutil.TestJWTSecret)
	require.NoError(t, err)
	return service
}

func TestNewTokenService(t *testing.T) {
	tests := []struct {
		name         string
		useRSAKeys   bool
		publicKeyPEM string
		secretKey    string
		expectError  bool
	}{
		{
			name:        "valid symmetric key configuration",
			secretKey:   testutil.TestJWTSecret,
			expectError: false,
		},
		{
			name:        "missing secret key",
			secretKey:   "",
			expectError: true,
		},
		{
			name:         "malformed RSA public key",
			useRSAKeys:   true,
			publicKeyPEM: "not a pem block",
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, err := NewTokenService("issuer", "audience", tt.useRSAKeys, tt.publicKeyPEM, tt.secretKey)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, service)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, service)
			}
		})
	}
}

func TestValidateVendorToken(t *testing.T) {
	service := createTestTokenService(t)

	t.Run("valid token", func(t *testing.T) {
		token, err := testutil.SignVendorToken(testutil.TestJWTSecret, "vendor-1", TierSelective, []string{ScopeAdmin}, time.Hour)
		require.NoError(t, err)

		claims, err := service.ValidateVendorToken(token)
		require.NoError(t, err)
		assert.Equal(t, "vendor-1", claims.VendorID)
		assert.Equal(t, TierSelective, claims.Tier)
		assert.True(t, claims.HasScope(ScopeAdmin))
		assert.NotEmpty(t, claims.TokenID)
		assert.True(t, claims.ExpiresAt.After(claims.IssuedAt))
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := testutil.SignVendorToken(testutil.TestJWTSecret, "vendor-1", TierSelective, nil, -time.Minute)
		require.NoError(t, err)

		_, err = service.ValidateVendorToken(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := testutil.SignVendorToken("another-secret-key-for-jwt-signing-32", "vendor-1", TierSelective, nil, time.Hour)
		require.NoError(t, err)

		_, err = service.ValidateVendorToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("missing vendor claim", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"tier": TierSelective,
			"exp":  time.Now().Add(time.Hour).Unix(),
			"iss":  testutil.TestJWTIssuer,
			"aud":  testutil.TestJWTAudience,
		}).SignedString([]byte(testutil.TestJWTSecret))
		require.NoError(t, err)

		_, err = service.ValidateVendorToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("wrong audience", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"vendor_id": "vendor-1",
			"tier":      TierSelective,
			"exp":       time.Now().Add(time.Hour).Unix(),
			"iss":       testutil.TestJWTIssuer,
			"aud":       "someone-else",
		}).SignedString([]byte(testutil.TestJWTSecret))
		require.NoError(t, err)

		_, err = service.ValidateVendorToken(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := service.ValidateVendorToken("not.a.token")
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})
}
