// Package login drives the two-phase login: credentials first, then
// the emailed one-time code. A successful code commits the session
// token to the token store exactly once.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/alexjbarnes/portal-session/internal/logging"
	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/session"
)

// State is the controller's position in the login protocol.
type State int

const (
	StateIdle State = iota
	StateAwaitingOTP
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingOTP:
		return "awaiting_otp"
	case StateAuthenticated:
		return "authenticated"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

const (
	// ResendInterval is the number of seconds a user waits before a new
	// code can be requested.
	ResendInterval = 60

	tickPeriod = time.Second

	// defaultRequestTimeout bounds transport calls when the caller sets
	// no timeout of its own.
	defaultRequestTimeout = 30 * time.Second
)

// User-facing messages.
const (
	MsgMissingCredentials = "Please enter email and password."
	MsgMissingCode        = "Please enter the OTP code."
	MsgLoginFailed        = "Login failed. Please try again."
	MsgOTPFailed          = "OTP verification failed."
	MsgResendFailed       = "Failed to resend OTP."
	MsgOTPSent            = "OTP sent to your email. Please check."
	MsgOTPResent          = "OTP resent. Please check your email."
	MsgLoginSuccess       = "Login successful! Redirecting..."
)

//go:generate mockgen -destination=mock_transport_test.go -package=login . Transport

// Transport is the identity service as seen by the controller. Resend
// reuses SendCredentials.
type Transport interface {
	SendCredentials(ctx context.Context, identifier, secret string) error
	VerifyOTP(ctx context.Context, identifier, code string) (string, error)
}

// TokenSink is where a verified token is committed.
type TokenSink interface {
	DecodeToken(raw string) (session.Claims, error)
	Set(token string) error
}

// Credentials are held only while a login is in progress so the code
// can be resent.
type Credentials struct {
	Identifier string
	Secret     string
}

// AuthenticationError is an identity service rejection. Message is
// safe to show to the user.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string { return e.Message }

func (e *AuthenticationError) Unwrap() []error {
	return []error{apperrors.ErrAuthentication, e.Err}
}

// userMessager is implemented by transport errors that carry the
// service's own explanation.
type userMessager interface {
	UserMessage() string
}

func authError(err error, fallback string) *AuthenticationError {
	msg := fallback

	var um userMessager
	if errors.As(err, &um) && um.UserMessage() != "" {
		msg = um.UserMessage()
	}

	return &AuthenticationError{Message: msg, Err: err}
}

// ValidationMessage returns the user-facing text for a validation
// failure, or "" when err is not one.
func ValidationMessage(err error) string {
	var ve *validationError
	if errors.As(err, &ve) {
		return ve.msg
	}

	return ""
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }
func (e *validationError) Unwrap() error { return apperrors.ErrValidation }

// UserMessage maps any controller error to the text shown next to the
// login form.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	if msg := ValidationMessage(err); msg != "" {
		return msg
	}

	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return ae.Message
	}

	switch {
	case errors.Is(err, apperrors.ErrBusy):
		return "A request is already in progress."
	case errors.Is(err, apperrors.ErrResendNotReady):
		return "Please wait before requesting a new code."
	case errors.Is(err, apperrors.ErrToken):
		return MsgOTPFailed
	}

	return MsgLoginFailed
}

// TrimIdentifier drops surrounding whitespace from an email. The rest is
// sent exactly as typed: the identity service owns address matching.
func TrimIdentifier(s string) string {
	return strings.TrimSpace(s)
}

// Config holds Controller dependencies.
type Config struct {
	Transport      Transport
	Tokens         TokenSink
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
}

// Controller runs one user's login. All methods are safe to call from
// multiple goroutines, but only one transport call is in flight at a
// time; overlapping calls fail fast with ErrBusy.
type Controller struct {
	transport Transport
	tokens    TokenSink
	logger    *slog.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration

	mu        sync.Mutex
	state     State
	creds     *Credentials
	remaining int
	inFlight  bool
	// epoch changes on every Cancel so results of calls started before
	// it are discarded.
	epoch uint64

	cancelTick context.CancelFunc
	tickDone   chan struct{}
}

// NewController creates a controller in StateIdle.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Controller{
		transport: cfg.Transport,
		tokens:    cfg.Tokens,
		logger:    logger,
		metrics:   cfg.Metrics,
		timeout:   timeout,
	}
}

// State returns the current protocol state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// ResendRemaining returns the seconds left before ResendOTP is allowed.
func (c *Controller) ResendRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remaining
}

// Identifier returns the email the pending code was sent to, or "".
func (c *Controller) Identifier() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.creds == nil {
		return ""
	}

	return c.creds.Identifier
}

// SubmitCredentials runs phase one. On success the controller awaits a
// code and the resend timer restarts at ResendInterval. Calling it
// again while awaiting a code starts phase one over.
func (c *Controller) SubmitCredentials(ctx context.Context, identifier, secret string) error {
	identifier = TrimIdentifier(identifier)
	if identifier == "" || strings.TrimSpace(secret) == "" {
		c.metrics.ObserveLogin("credentials", "invalid")
		return &validationError{msg: MsgMissingCredentials}
	}

	c.mu.Lock()
	if c.state == StateAuthenticated {
		c.mu.Unlock()
		return fmt.Errorf("submitting credentials while %s: %w", StateAuthenticated, apperrors.ErrInvalidState)
	}

	if c.inFlight {
		c.mu.Unlock()
		c.metrics.ObserveLogin("credentials", "busy")

		return apperrors.ErrBusy
	}

	c.inFlight = true
	epoch := c.epoch
	c.mu.Unlock()

	c.logger.Debug("sending credentials", slog.String("email", logging.RedactEmail(identifier)))

	err := c.send(ctx, identifier, secret)

	c.mu.Lock()
	c.inFlight = false

	if c.epoch != epoch {
		c.mu.Unlock()
		return fmt.Errorf("login cancelled while sending credentials: %w", apperrors.ErrInvalidState)
	}

	if err != nil {
		c.state = StateIdle
		c.creds = nil
		c.remaining = 0
		done := c.stopTickerLocked()
		c.mu.Unlock()
		waitTicker(done)

		c.logger.Info("credentials rejected",
			slog.String("email", logging.RedactEmail(identifier)),
			slog.String("error", err.Error()),
		)
		c.metrics.ObserveLogin("credentials", "rejected")

		return authError(err, MsgLoginFailed)
	}

	c.creds = &Credentials{Identifier: identifier, Secret: secret}
	c.state = StateAwaitingOTP
	done := c.restartTickerLocked()
	c.mu.Unlock()
	waitTicker(done)

	c.logger.Info("otp sent", slog.String("email", logging.RedactEmail(identifier)))
	c.metrics.ObserveLogin("credentials", "ok")

	return nil
}

// SubmitOTP runs phase two. On success the token is stored, the
// controller is authenticated and the token's role is returned for
// dashboard dispatch. Failures leave the controller awaiting a code so
// the user can retry without restarting phase one.
func (c *Controller) SubmitOTP(ctx context.Context, code string) (session.Role, error) {
	code = strings.TrimSpace(code)

	c.mu.Lock()
	if code == "" || c.state != StateAwaitingOTP {
		c.mu.Unlock()
		c.metrics.ObserveLogin("otp", "invalid")

		return session.NoRole, &validationError{msg: MsgMissingCode}
	}

	if c.inFlight {
		c.mu.Unlock()
		c.metrics.ObserveLogin("otp", "busy")

		return session.NoRole, apperrors.ErrBusy
	}

	c.inFlight = true
	epoch := c.epoch
	identifier := c.creds.Identifier
	c.mu.Unlock()

	token, err := c.verify(ctx, identifier, code)
	if err != nil {
		c.finishCall()
		c.logger.Info("otp rejected",
			slog.String("email", logging.RedactEmail(identifier)),
			slog.String("error", err.Error()),
		)
		c.metrics.ObserveLogin("otp", "rejected")

		return session.NoRole, authError(err, MsgOTPFailed)
	}

	claims, err := c.tokens.DecodeToken(token)
	if err != nil {
		c.finishCall()
		c.logger.Warn("identity service issued an undecodable token", slog.String("error", err.Error()))
		c.metrics.ObserveLogin("otp", "token_error")

		return session.NoRole, fmt.Errorf("decoding issued token: %w", err)
	}

	c.mu.Lock()
	c.inFlight = false

	if c.epoch != epoch || c.state != StateAwaitingOTP {
		c.mu.Unlock()
		return session.NoRole, fmt.Errorf("login cancelled while verifying code: %w", apperrors.ErrInvalidState)
	}

	if err := c.tokens.Set(token); err != nil {
		c.mu.Unlock()
		c.metrics.ObserveLogin("otp", "store_error")

		return session.NoRole, fmt.Errorf("storing session token: %w", err)
	}

	c.state = StateAuthenticated
	c.creds = nil
	c.remaining = 0
	done := c.stopTickerLocked()
	c.mu.Unlock()
	waitTicker(done)

	c.logger.Info("login complete",
		slog.String("subject", logging.RedactEmail(claims.Subject)),
		slog.String("role", claims.Role.String()),
	)
	c.metrics.ObserveLogin("otp", "ok")

	return claims.Role, nil
}

// ResendOTP requests a fresh code with the captured credentials. It is
// only allowed while awaiting a code once the resend timer has run out;
// earlier calls return ErrResendNotReady without contacting the service.
func (c *Controller) ResendOTP(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateAwaitingOTP {
		st := c.state
		c.mu.Unlock()

		return fmt.Errorf("resending otp while %s: %w", st, apperrors.ErrInvalidState)
	}

	if c.remaining > 0 {
		remaining := c.remaining
		c.mu.Unlock()
		c.metrics.ObserveLogin("resend", "not_ready")

		return fmt.Errorf("%d seconds left: %w", remaining, apperrors.ErrResendNotReady)
	}

	if c.inFlight {
		c.mu.Unlock()
		c.metrics.ObserveLogin("resend", "busy")

		return apperrors.ErrBusy
	}

	c.inFlight = true
	epoch := c.epoch
	creds := *c.creds
	c.mu.Unlock()

	err := c.send(ctx, creds.Identifier, creds.Secret)

	c.mu.Lock()
	c.inFlight = false

	if c.epoch != epoch || c.state != StateAwaitingOTP {
		c.mu.Unlock()
		return fmt.Errorf("login cancelled while resending: %w", apperrors.ErrInvalidState)
	}

	if err != nil {
		c.mu.Unlock()
		c.logger.Info("otp resend failed", slog.String("error", err.Error()))
		c.metrics.ObserveLogin("resend", "rejected")

		return authError(err, MsgResendFailed)
	}

	done := c.restartTickerLocked()
	c.mu.Unlock()
	waitTicker(done)

	c.logger.Info("otp resent", slog.String("email", logging.RedactEmail(creds.Identifier)))
	c.metrics.ObserveLogin("resend", "ok")

	return nil
}

// Cancel abandons any login in progress and returns to StateIdle. The
// resend timer stops before Cancel returns. Safe to call repeatedly.
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.epoch++
	c.state = StateIdle
	c.creds = nil
	c.remaining = 0
	done := c.stopTickerLocked()
	c.mu.Unlock()

	waitTicker(done)
}

// Close stops background activity without changing state.
func (c *Controller) Close() {
	c.mu.Lock()
	done := c.stopTickerLocked()
	c.mu.Unlock()

	waitTicker(done)
}

func (c *Controller) send(ctx context.Context, identifier, secret string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.transport.SendCredentials(ctx, identifier, secret)
}

func (c *Controller) verify(ctx context.Context, identifier, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.transport.VerifyOTP(ctx, identifier, code)
}

func (c *Controller) finishCall() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

// restartTickerLocked resets the timer and starts a new tick loop. The
// returned channel belongs to the replaced loop and must be waited on
// after c.mu is released.
func (c *Controller) restartTickerLocked() <-chan struct{} {
	old := c.stopTickerLocked()

	c.remaining = ResendInterval

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancelTick = cancel
	c.tickDone = done

	go c.tick(ctx, done)

	return old
}

// stopTickerLocked cancels the tick loop. Once it returns the loop can
// no longer mutate state, even if it is still exiting. Callers wait on
// the returned channel after releasing c.mu.
func (c *Controller) stopTickerLocked() <-chan struct{} {
	if c.cancelTick == nil {
		return nil
	}

	c.cancelTick()
	done := c.tickDone
	c.cancelTick = nil
	c.tickDone = nil

	return done
}

func waitTicker(done <-chan struct{}) {
	if done != nil {
		<-done
	}
}

// tick decrements the resend timer once per period until it reaches
// zero or ctx is cancelled.
func (c *Controller) tick(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(tickPeriod)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		c.mu.Lock()
		// Cancellation happens under c.mu, so checking here means a
		// stopped loop never touches the timer.
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}

		if c.remaining > 0 {
			c.remaining--
		}

		finished := c.remaining == 0
		c.mu.Unlock()

		if finished {
			return
		}
	}
}
