package credentials

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned when an access token carries no exp claim.
var ErrNoExpiry = errors.New("access token has no exp claim")

// accessClaims are the claims the backend embeds in access tokens.
type accessClaims struct {
	IsPayingUser bool `json:"is_paying_user"`
	jwt.RegisteredClaims
}

// TokenInfo is what the client reads out of an access token.
type TokenInfo struct {
	Expiry       int64 // unix seconds
	IsPayingUser bool
}

// DecodeAccessToken reads the expiry and paying flag from a JWT without
// verifying its signature. The signing key lives on the backend; the
// client only needs the claims to schedule refreshes.
func DecodeAccessToken(token string) (TokenInfo, error) {
	var claims accessClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("decode access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return TokenInfo{}, ErrNoExpiry
	}
	return TokenInfo{
		Expiry:       claims.ExpiresAt.Unix(),
		IsPayingUser: claims.IsPayingUser,
	}, nil
}
