package portal

import (
	"net/http"
)

// TokenSource supplies the current bearer token, "" when logged out.
type TokenSource interface {
	Token() string
}

// BearerTransport adds "Authorization: Bearer <token>" to outgoing
// requests when a session token is present. Requests that already
// carry an Authorization header are left alone.
type BearerTransport struct {
	Tokens TokenSource
	Base   http.RoundTripper
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if req.Header.Get("Authorization") != "" {
		return base.RoundTrip(req)
	}

	token := t.Tokens.Token()
	if token == "" {
		return base.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token)

	return base.RoundTrip(out)
}

// NewAuthorizedClient returns an http.Client whose requests carry the
// current session token.
func NewAuthorizedClient(tokens TokenSource, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: DefaultTimeout}
	}

	c := *base
	c.Transport = &BearerTransport{Tokens: tokens, Base: base.Transport}

	return &c
}
