package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/signalmesh/gateway/internal/v1/types"
)

// MockValidator is a development-only token validator that accepts any token.
// It decodes the payload without verifying the signature so the userId seen
// by clients matches the one the gateway records.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*types.Claims, error) {
	claims := &types.Claims{}

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		// Decode the payload (base64 URL encoded)
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				if uid, ok := raw["userId"].(string); ok {
					claims.UserID = uid
				}
				if sub, ok := raw["sub"].(string); ok {
					claims.Subject = sub
				}
				if exp, ok := raw["exp"].(float64); ok {
					claims.ExpiresAt = int64(exp)
				}
				if iat, ok := raw["iat"].(float64); ok {
					claims.IssuedAt = int64(iat)
				}
			}
		}
	}

	// Fallback to a fixed identity if parsing failed
	if claims.UserID == "" && claims.Subject == "" {
		claims.Subject = "dev-user-123"
	}

	return claims, nil
}
