package session

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity data carried by a session token.
type Claims struct {
	Subject   string    `json:"subject"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the claims are expired at now. A token
// whose expiry equals now is already expired.
func (c Claims) ExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// HasRole reports whether the claims carry exactly the given role.
func (c Claims) HasRole(r Role) bool {
	return c.Role == r
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Decoder turns a raw token string into Claims. Without a key it only
// checks the token's shape, since the identity service remains the
// authority; with a key the HS256 signature is verified as well.
// Neither mode checks expiry, which is the guard's decision.
type Decoder struct {
	key []byte
}

// NewDecoder creates a Decoder. An empty secret disables signature
// verification.
func NewDecoder(secret string) *Decoder {
	d := &Decoder{}
	if secret != "" {
		d.key = []byte(secret)
	}

	return d
}

// Verifies reports whether the decoder checks signatures.
func (d *Decoder) Verifies() bool {
	return d.key != nil
}

// Decode parses raw into Claims. Any failure wraps ErrToken.
func (d *Decoder) Decode(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, fmt.Errorf("empty token: %w", apperrors.ErrToken)
	}

	var tc tokenClaims

	if d.key == nil {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(raw, &tc); err != nil {
			return Claims{}, fmt.Errorf("parsing token: %w: %w", apperrors.ErrToken, err)
		}
	} else {
		_, err := jwt.ParseWithClaims(raw, &tc,
			func(t *jwt.Token) (interface{}, error) {
				return d.key, nil
			},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		)
		if err != nil {
			return Claims{}, fmt.Errorf("verifying token: %w: %w", apperrors.ErrToken, err)
		}
	}

	if tc.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("token has no exp claim: %w", apperrors.ErrToken)
	}

	return Claims{
		Subject:   tc.Subject,
		Role:      Role(tc.Role),
		ExpiresAt: tc.ExpiresAt.Time,
	}, nil
}
