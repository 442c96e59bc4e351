// Package guard decides whether the current session may enter a view.
// Any denial clears the stored token so a stale or forged value never
// lingers.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/session"
)

// LoginPath is where denied requests are sent.
const LoginPath = "/login"

// Reason explains a Decision.
type Reason string

const (
	ReasonAllowed      Reason = "allowed"
	ReasonAbsent       Reason = "absent"
	ReasonMalformed    Reason = "malformed"
	ReasonExpired      Reason = "expired"
	ReasonRoleMismatch Reason = "role_mismatch"
)

// Decision is the outcome of one evaluation. Claims is set only when
// Allowed is true; Err only when it is false, and wraps ErrToken,
// ErrExpired or ErrRoleMismatch.
type Decision struct {
	Allowed    bool
	RedirectTo string
	Reason     Reason
	Claims     *session.Claims
	Err        error
}

// Store is the part of session.TokenStore the guard needs.
type Store interface {
	Get() (string, bool)
	Decode() (session.Claims, error)
	Clear() error
}

// Guard evaluates stored sessions against a required role.
type Guard struct {
	store   Store
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithMetrics records every decision.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// New creates a Guard over store.
func New(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Evaluate checks the stored token. An empty required role admits any
// valid, unexpired session. Evaluate never fails: every problem becomes
// a redirect to the login page.
func (g *Guard) Evaluate(required session.Role) Decision {
	d := g.evaluate(required)

	g.metrics.ObserveGuard(string(d.Reason))
	g.logger.Debug("guard decision",
		slog.String("required", required.String()),
		slog.String("reason", string(d.Reason)),
	)

	return d
}

func (g *Guard) evaluate(required session.Role) Decision {
	if _, ok := g.store.Get(); !ok {
		return deny(ReasonAbsent, fmt.Errorf("no stored session: %w", apperrors.ErrToken))
	}

	claims, err := g.decode()
	if err != nil {
		d := deny(ReasonMalformed, fmt.Errorf("%w: %w", apperrors.ErrToken, err))
		g.clear(d)

		return d
	}

	if claims.ExpiredAt(g.now()) {
		d := deny(ReasonExpired, fmt.Errorf("expired at %s: %w",
			claims.ExpiresAt.UTC().Format(time.RFC3339), apperrors.ErrExpired))
		g.clear(d)

		return d
	}

	if required != session.NoRole && !claims.HasRole(required) {
		d := deny(ReasonRoleMismatch, fmt.Errorf("have %q, need %q: %w",
			claims.Role, required, apperrors.ErrRoleMismatch))
		g.clear(d)

		return d
	}

	return Decision{Allowed: true, Reason: ReasonAllowed, Claims: &claims}
}

// decode turns a panicking decoder into an ordinary failure.
func (g *Guard) decode() (claims session.Claims, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()

	return g.store.Decode()
}

func (g *Guard) clear(d Decision) {
	g.logger.Info("clearing session token",
		slog.String("reason", string(d.Reason)),
		slog.String("error", d.Err.Error()),
	)

	if err := g.store.Clear(); err != nil {
		g.logger.Warn("clearing session token failed", slog.String("error", err.Error()))
	}
}

func deny(reason Reason, err error) Decision {
	return Decision{RedirectTo: LoginPath, Reason: reason, Err: err}
}

type contextKey int

const ctxClaims contextKey = iota

// RequestClaims returns the claims Middleware admitted the request
// with.
func RequestClaims(ctx context.Context) (session.Claims, bool) {
	c, ok := ctx.Value(ctxClaims).(*session.Claims)
	if !ok || c == nil {
		return session.Claims{}, false
	}

	return *c, true
}

// Middleware serves next only when the session holds the required
// role. Denied requests get a 303 to the login page.
func (g *Guard) Middleware(required session.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Evaluate(required)
			if !d.Allowed {
				g.logger.Debug("guard: redirecting to login",
					slog.String("path", r.URL.Path),
					slog.String("reason", string(d.Reason)),
				)
				http.Redirect(w, r, d.RedirectTo, http.StatusSeeOther)

				return
			}

			ctx := context.WithValue(r.Context(), ctxClaims, d.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
