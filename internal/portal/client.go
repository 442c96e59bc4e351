// Package portal talks to the job portal's identity service: the two
// login phases and bearer-authorized requests for everything else.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx response from the identity service. Message is
// the service's own explanation when it sent one.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
	Body     string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Status, e.Message)
	}

	return fmt.Sprintf("API %s returned status %d: %s", e.Endpoint, e.Status, e.Body)
}

func (e *APIError) Unwrap() error { return apperrors.ErrAPIRequest }

// UserMessage returns the text the service wants shown to the user, or
// "" when the response carried none.
func (e *APIError) UserMessage() string { return e.Message }

// DefaultBaseURL is the hosted identity service.
const DefaultBaseURL = "https://spring-boot-jobportal-system-devops-2.onrender.com"

const (
	loginEndpoint        = "/api/auth/login"
	confirmLoginEndpoint = "/api/auth/confirm-login"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout bounds every request when no custom client is given.
	DefaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Tokens and error
	// payloads are small.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the identity service REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	requestID  func() string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so credentials are never replayed
// to a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. An empty baseURL uses
// DefaultBaseURL. If httpClient is nil, a client with the given timeout
// (DefaultTimeout when zero) and a same-host redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       timeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		requestID:  func() string { return uuid.NewString() },
	}
}

// BaseURL returns the service root this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// errorMessage pulls the user-facing message out of an error body. The
// service uses "message" for most failures and "error" for framework
// generated ones.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}

	if msg := gjson.GetBytes(body, "message").String(); msg != "" {
		return msg
	}

	return gjson.GetBytes(body, "error").String()
}

// post sends a JSON POST request and returns the raw 2xx response body.
func (c *Client) post(ctx context.Context, endpoint string, query url.Values, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	req.Header.Set("X-Request-ID", c.requestID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w: %w", endpoint, apperrors.ErrAPIRequest, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  errorMessage(respBody),
			Body:     sanitizeResponseBody(respBody),
		}
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: apiErr}
		}

		return nil, apiErr
	}

	return respBody, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type confirmLoginRequest struct {
	Email string `json:"email"`
}

// SendCredentials submits email and password. On success the service
// mails a one-time code to the address.
func (c *Client) SendCredentials(ctx context.Context, email, password string) error {
	if _, err := c.post(ctx, loginEndpoint, nil, loginRequest{Email: email, Password: password}); err != nil {
		return fmt.Errorf("sending credentials: %w", err)
	}

	return nil
}

// VerifyOTP confirms the emailed code and returns the session token.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (string, error) {
	query := url.Values{"otpCode": []string{code}}

	body, err := c.post(ctx, confirmLoginEndpoint, query, confirmLoginRequest{Email: email})
	if err != nil {
		return "", fmt.Errorf("verifying otp: %w", err)
	}

	token := tokenFromBody(body)
	if token == "" {
		return "", fmt.Errorf("verifying otp: empty token in response: %w", apperrors.ErrAPIResponse)
	}

	return token, nil
}

// tokenFromBody accepts the bare token the service returns as
// text/plain, a JSON string literal, or a {"token": ...} object.
func tokenFromBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	switch trimmed[0] {
	case '"':
		return strings.TrimSpace(gjson.ParseBytes(trimmed).String())
	case '{':
		return strings.TrimSpace(gjson.GetBytes(trimmed, "token").String())
	}

	return string(trimmed)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
