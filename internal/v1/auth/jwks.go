package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/signalmesh/gateway/internal/v1/types"
)

// JWKSValidator validates asymmetrically signed tokens using keys fetched
// from a remote JWKS endpoint. It is layered in front of the HMAC Verifier
// when AUTH_JWKS_DOMAIN is configured.
type JWKSValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWKSValidator registers the domain's JWKS endpoint with a refreshing
// cache and fetches the keys once to ensure initial connectivity.
func NewJWKSValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWKSValidator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	// Combine default options with any provided options for testability.
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys for the first time to ensure connectivity.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &JWKSValidator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// ValidateToken parses and validates a token against the cached JWKS keys,
// the configured issuer, and the configured audience.
func (v *JWKSValidator) ValidateToken(tokenString string) (*types.Claims, error) {
	claims := &gatewayClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	return toClaims(claims), nil
}
