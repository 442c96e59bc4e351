// Package sessiontest mints session tokens for tests.
package sessiontest

import (
	"time"

	"github.com/alexjbarnes/portal-session/internal/session"
	"github.com/golang-jwt/jwt/v5"
)

// Secret is the HS256 key used by Token.
const Secret = "sessiontest-secret"

// Token returns an HS256-signed token carrying the given claims.
func Token(subject string, role session.Role, expiresAt time.Time) string {
	return Sign(jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"exp":  expiresAt.Unix(),
	})
}

// Sign signs arbitrary claims with Secret.
func Sign(claims jwt.MapClaims) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(Secret))
	if err != nil {
		panic(err)
	}

	return signed
}
