package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockValidator_DecodesPayload(t *testing.T) {
	m := &MockValidator{}

	token := signToken(t, "any-secret-works-for-the-mock-here!!", jwt.MapClaims{
		"userId": "u1",
		"sub":    "auth0|abc",
		"exp":    float64(time.Now().Add(time.Hour).Unix()),
	})

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "auth0|abc", claims.Subject)
	assert.NotZero(t, claims.ExpiresAt)
}

func TestMockValidator_FallbackIdentity(t *testing.T) {
	m := &MockValidator{}

	claims, err := m.ValidateToken("not-a-token")
	require.NoError(t, err)
	assert.Equal(t, "dev-user-123", claims.Subject)
}
