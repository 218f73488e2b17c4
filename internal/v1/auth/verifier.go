// Package auth verifies bearer credentials presented on socket handshakes
// and socket events. The default mode is an HMAC-SHA256 shared secret;
// an asymmetric JWKS mode can be layered on top (see jwks.go).
package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/signalmesh/gateway/internal/v1/apperrors"
	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/types"
)

// gatewayClaims is the JWT claim set the gateway understands. Either a
// custom userId claim or the registered sub claim identifies the principal.
type gatewayClaims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-SHA256 signed tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// ValidateToken parses and verifies a token string. Malformed tokens fail
// with an invalid-token-format error so callers can distinguish them from
// cryptographic failures, which callers downgrade to anonymous.
func (v *Verifier) ValidateToken(tokenString string) (*types.Claims, error) {
	if tokenString == "" {
		return nil, apperrors.MissingToken()
	}
	if !isWellFormed(tokenString) {
		return nil, apperrors.InvalidTokenFormat()
	}

	claims := &gatewayClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		// Reject anything that is not HS256 to prevent alg confusion.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, apperrors.AuthenticationFailed("token verification failed").WithCause(err)
	}
	if !token.Valid {
		return nil, apperrors.AuthenticationFailed("token is invalid")
	}

	return toClaims(claims), nil
}

// toClaims converts the parsed claim set to the shared representation.
func toClaims(c *gatewayClaims) *types.Claims {
	out := &types.Claims{
		UserID:  c.UserID,
		Subject: c.Subject,
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Unix()
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Unix()
	}
	return out
}

// isWellFormed checks the three-segment token shape without verifying it.
func isWellFormed(tokenString string) bool {
	return len(strings.Split(tokenString, ".")) == 3
}

// Credential is a bearer credential extracted from a request, plus where it
// came from.
type Credential struct {
	Token  string
	Source string // "header", "query" or "cookie"
}

// ExtractCredential pulls a bearer credential off an HTTP request in priority
// order: Authorization header, auth_token query field, token cookie. A
// missing credential is not an error; the socket is admitted anonymous.
func ExtractCredential(r *http.Request) (*Credential, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			return &Credential{Token: token, Source: "header"}, true
		}
	}

	if token := r.URL.Query().Get("auth_token"); token != "" {
		return &Credential{Token: token, Source: "query"}, true
	}

	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return &Credential{Token: cookie.Value, Source: "cookie"}, true
	}

	return nil, false
}

// GetAllowedOriginsFromEnv reads the cross-origin allow-list from the
// environment, falling back to development defaults.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
