package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// csrfExpiry controls how long a rendered form stays submittable.
	csrfExpiry = 10 * time.Minute

	// csrfTokenBytes is hex-encoded to twice this length.
	csrfTokenBytes = 16

	// csrfPruneThreshold bounds the token map when forms are rendered
	// but never submitted.
	csrfPruneThreshold = 1000
)

// csrfTokens holds single-use form tokens.
type csrfTokens struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time
}

func newCSRFTokens() *csrfTokens {
	return &csrfTokens{
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
}

// issue creates and remembers a fresh token.
func (c *csrfTokens) issue() string {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	token := hex.EncodeToString(b)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.tokens) > csrfPruneThreshold {
		for k, exp := range c.tokens {
			if now.After(exp) {
				delete(c.tokens, k)
			}
		}
	}

	c.tokens[token] = now.Add(csrfExpiry)

	return token
}

// consume deletes the token and reports whether it was valid.
func (c *csrfTokens) consume(token string) bool {
	if token == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exp, ok := c.tokens[token]
	if !ok {
		return false
	}

	delete(c.tokens, token)

	return c.now().Before(exp)
}
