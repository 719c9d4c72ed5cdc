// Package credtest mints access tokens shaped like the backend's for tests.
package credtest

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type claims struct {
	IsPayingUser bool `json:"is_paying_user"`
	jwt.RegisteredClaims
}

// AccessToken returns an HS256 JWT expiring at exp.
func AccessToken(exp time.Time, paying bool) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		IsPayingUser: paying,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(exp.Add(-5 * time.Minute)),
			Subject:   "test-user",
		},
	})
	s, err := tok.SignedString([]byte("test-signing-key"))
	if err != nil {
		panic(err)
	}
	return s
}
