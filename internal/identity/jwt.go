package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims are the claims the platform puts in its HS256 access tokens.
// The subject is the opaque user id; the email doubles as the display handle.
type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenResolver resolves the identity by verifying the platform access token.
type TokenResolver struct {
	token  string
	secret []byte
}

// NewTokenResolver creates a resolver for the given raw access token and
// signing secret.
func NewTokenResolver(token string, secret []byte) *TokenResolver {
	return &TokenResolver{token: token, secret: secret}
}

// Current verifies the token and extracts the identity. Missing, malformed,
// or expired tokens all resolve to ErrNoIdentity.
func (r *TokenResolver) Current(ctx context.Context) (Identity, error) {
	if r.token == "" {
		return Identity{}, ErrNoIdentity
	}

	var claims accessClaims
	_, err := jwt.ParseWithClaims(r.token, &claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrNoIdentity)
	}

	handle := claims.Email
	if handle == "" {
		handle = claims.Subject
	}
	return Identity{ID: claims.Subject, Handle: handle}, nil
}
