// Package server is the browser front of the portal session: the
// two-step login pages, the role-guarded views, logout, and a proxy
// that forwards /api/ calls with the session's bearer token.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	apperrors "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/alexjbarnes/portal-session/internal/guard"
	"github.com/alexjbarnes/portal-session/internal/login"
	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/portal"
	"github.com/alexjbarnes/portal-session/internal/routes"
	"github.com/alexjbarnes/portal-session/internal/session"
)

// maxRequestBody limits form submissions.
const maxRequestBody = 64 * 1024

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Controller *login.Controller
	Store      *session.TokenStore
	Guard      *guard.Guard
	Routes     *routes.Table
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// APIURL enables the /api/ proxy when set.
	APIURL string
	// APITransport is the proxy's upstream transport. Defaults to
	// http.DefaultTransport.
	APITransport http.RoundTripper
}

// Server holds per-process web front state.
type Server struct {
	controller *login.Controller
	store      *session.TokenStore
	guard      *guard.Guard
	routes     *routes.Table
	logger     *slog.Logger
	csrf       *csrfTokens
	limiter    *loginRateLimiter
}

// NewMux builds the HTTP mux: login pages, logout, one guarded handler
// per protected route, the /api/ proxy and /metrics.
func NewMux(cfg MuxConfig) (*http.ServeMux, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	table := cfg.Routes
	if table == nil {
		table = routes.Default()
	}

	s := &Server{
		controller: cfg.Controller,
		store:      cfg.Store,
		guard:      cfg.Guard,
		routes:     table,
		logger:     logger,
		csrf:       newCSRFTokens(),
		limiter:    newLoginRateLimiter(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHome)
	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /login", s.handleCredentials)
	mux.HandleFunc("POST /login/otp", s.handleOTP)
	mux.HandleFunc("POST /login/resend", s.handleResend)
	mux.HandleFunc("POST /login/cancel", s.handleCancel)
	mux.HandleFunc("POST /logout", s.handleLogout)

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	if cfg.APIURL != "" {
		proxy, err := newAPIProxy(cfg.APIURL, cfg.Store, cfg.APITransport, logger)
		if err != nil {
			return nil, err
		}

		mux.Handle("/api/", s.guard.Middleware(session.NoRole)(proxy))
	}

	for _, r := range table.Routes() {
		var h http.Handler

		switch {
		case r.Path == "/" || r.Path == guard.LoginPath:
			continue
		case r.Public:
			h = s.handlePublic(r)
		default:
			h = s.guard.Middleware(r.Role)(s.handleView(r))
		}

		if err := register(mux, "GET "+r.Path, h); err != nil {
			return nil, err
		}
	}

	return mux, nil
}

// register adds a route table entry. ServeMux panics on malformed or
// conflicting patterns; those come from configuration, so they are
// returned as errors instead.
func register(mux *http.ServeMux, pattern string, h http.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("route %q: %v", pattern, r)
		}
	}()

	mux.Handle(pattern, h)

	return nil
}

// newAPIProxy forwards requests to the identity service host, adding
// the session's bearer token.
func newAPIProxy(apiURL string, tokens portal.TokenSource, base http.RoundTripper, logger *slog.Logger) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(apiURL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q", apiURL)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			pr.Out.Header.Del("Cookie")
		},
		Transport: &portal.BearerTransport{Tokens: tokens, Base: base},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("api proxy error",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}, nil
}

// parseForm limits and parses a POST body, then checks its CSRF token.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return false
	}

	if !s.csrf.consume(r.PostFormValue("csrf_token")) {
		s.logger.Warn("csrf token rejected",
			slog.String("ip", remoteIP(r)),
			slog.String("path", r.URL.Path),
		)
		http.Error(w, "invalid or expired form, reload the page", http.StatusForbidden)

		return false
	}

	return true
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: "Job Portal", Routes: s.routes.Protected()}

	if claims, err := s.store.Decode(); err == nil && !claims.ExpiredAt(time.Now()) {
		data.Subject = claims.Subject
		data.Role = claims.Role.String()
	}

	s.render(w, http.StatusOK, "home", data)
}

func (s *Server) handlePublic(rt routes.Route) http.HandlerFunc {
	title := rt.Title
	if title == "" {
		title = rt.Path
	}

	return func(w http.ResponseWriter, r *http.Request) {
		s.render(w, http.StatusOK, "home", pageData{Title: title, Routes: s.routes.Protected()})
	}
}

// handleLoginPage shows the form matching the controller state. A
// controller left authenticated by a session that has since been
// cleared is reset so the user can sign in again.
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	switch s.controller.State() {
	case login.StateAwaitingOTP:
		s.renderOTP(w, http.StatusOK, "", "")
		return
	case login.StateAuthenticated:
		if d := s.guard.Evaluate(session.NoRole); d.Allowed {
			http.Redirect(w, r, string(session.DashboardFor(d.Claims.Role)), http.StatusSeeOther)
			return
		}

		s.controller.Cancel()
	}

	s.render(w, http.StatusOK, "login", pageData{Title: "Sign in"})
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	ip := remoteIP(r)
	email := r.PostFormValue("email")

	if s.limiter.limited(ip) {
		s.logger.Warn("login rate limited", slog.String("ip", ip))
		s.render(w, http.StatusTooManyRequests, "login", pageData{
			Title: "Sign in",
			Error: "Too many failed attempts. Try again later.",
			Email: email,
		})

		return
	}

	err := s.controller.SubmitCredentials(r.Context(), email, r.PostFormValue("password"))
	if err != nil {
		// Outages of the identity service are not failed guesses.
		if errors.Is(err, apperrors.ErrAuthentication) && !portal.IsTransient(err) {
			s.limiter.record(ip)
		}

		if errors.Is(err, apperrors.ErrInvalidState) {
			http.Redirect(w, r, guard.LoginPath, http.StatusSeeOther)
			return
		}

		s.render(w, statusFor(err), "login", pageData{
			Title: "Sign in",
			Error: login.UserMessage(err),
			Email: email,
		})

		return
	}

	s.renderOTP(w, http.StatusOK, login.MsgOTPSent, "")
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	if s.controller.State() != login.StateAwaitingOTP {
		http.Redirect(w, r, guard.LoginPath, http.StatusSeeOther)
		return
	}

	role, err := s.controller.SubmitOTP(r.Context(), r.PostFormValue("code"))
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidState) {
			http.Redirect(w, r, guard.LoginPath, http.StatusSeeOther)
			return
		}

		s.renderOTP(w, statusFor(err), "", login.UserMessage(err))

		return
	}

	http.Redirect(w, r, string(session.DashboardFor(role)), http.StatusSeeOther)
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	err := s.controller.ResendOTP(r.Context())
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidState) {
			http.Redirect(w, r, guard.LoginPath, http.StatusSeeOther)
			return
		}

		s.renderOTP(w, statusFor(err), "", login.UserMessage(err))

		return
	}

	s.renderOTP(w, http.StatusOK, login.MsgOTPResent, "")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	s.controller.Cancel()
	http.Redirect(w, r, guard.LoginPath, http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	if err := s.store.Clear(); err != nil {
		s.logger.Error("logout: clearing session token", slog.String("error", err.Error()))
		http.Error(w, "logout failed", http.StatusInternalServerError)

		return
	}

	s.controller.Cancel()
	s.logger.Info("logged out", slog.String("ip", remoteIP(r)))

	http.Redirect(w, r, guard.LoginPath, http.StatusSeeOther)
}

func (s *Server) handleView(rt routes.Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := guard.RequestClaims(r.Context())

		s.render(w, http.StatusOK, "view", pageData{
			Title:     rt.Title,
			Subject:   claims.Subject,
			Role:      claims.Role.String(),
			ExpiresAt: claims.ExpiresAt.UTC().Format(time.RFC1123),
		})
	})
}

func (s *Server) renderOTP(w http.ResponseWriter, status int, notice, errMsg string) {
	s.render(w, status, "otp", pageData{
		Title:           "Enter code",
		Notice:          notice,
		Error:           errMsg,
		Email:           s.controller.Identifier(),
		ResendRemaining: s.controller.ResendRemaining(),
	})
}

// statusFor maps controller errors to response codes for re-rendered
// forms.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrResendNotReady):
		return http.StatusTooManyRequests
	case portal.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrToken):
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}
