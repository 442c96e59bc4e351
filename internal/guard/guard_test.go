package guard

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/session"
	"github.com/alexjbarnes/portal-session/internal/session/sessiontest"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *session.TokenStore {
	t.Helper()
	return session.NewTokenStore(session.NewMemoryBackend(), nil, testLogger())
}

func testGuard(store Store, opts ...Option) *Guard {
	opts = append([]Option{WithClock(func() time.Time { return testNow }), WithLogger(testLogger())}, opts...)
	return New(store, opts...)
}

func set(t *testing.T, store *session.TokenStore, token string) {
	t.Helper()
	require.NoError(t, store.Set(token))
}

func assertCleared(t *testing.T, store *session.TokenStore) {
	t.Helper()
	_, ok := store.Get()
	assert.False(t, ok, "store should be cleared")
}

// --- Scenarios ---

func TestEvaluate_AbsentToken(t *testing.T) {
	g := testGuard(testStore(t))

	d := g.Evaluate(session.RoleCompany)
	assert.False(t, d.Allowed)
	assert.Equal(t, LoginPath, d.RedirectTo)
	assert.Equal(t, ReasonAbsent, d.Reason)
	assert.ErrorIs(t, d.Err, apperrors.ErrToken)
	assert.Nil(t, d.Claims)
}

func TestEvaluate_MalformedTokenClears(t *testing.T) {
	for _, required := range []session.Role{session.RoleCompany, session.RoleApplicant, session.RoleAdmin, session.NoRole} {
		t.Run(string(required), func(t *testing.T) {
			store := testStore(t)
			set(t, store, "not-a-valid-token")

			d := testGuard(store).Evaluate(required)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonMalformed, d.Reason)
			assert.ErrorIs(t, d.Err, apperrors.ErrToken)
			assert.Equal(t, LoginPath, d.RedirectTo)
			assertCleared(t, store)
		})
	}
}

func TestEvaluate_MatchingRoleAllowed(t *testing.T) {
	store := testStore(t)
	set(t, store, sessiontest.Token("ann@example.com", session.RoleApplicant, testNow.Add(time.Hour)))

	d := testGuard(store).Evaluate(session.RoleApplicant)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAllowed, d.Reason)
	assert.NoError(t, d.Err)
	assert.Empty(t, d.RedirectTo)
	require.NotNil(t, d.Claims)
	assert.Equal(t, "ann@example.com", d.Claims.Subject)
	assert.Equal(t, session.RoleApplicant, d.Claims.Role)

	_, ok := store.Get()
	assert.True(t, ok, "allowed evaluation keeps the token")
}

func TestEvaluate_RoleMismatchClears(t *testing.T) {
	store := testStore(t)
	set(t, store, sessiontest.Token("ann@example.com", session.RoleApplicant, testNow.Add(time.Hour)))

	d := testGuard(store).Evaluate(session.RoleCompany)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRoleMismatch, d.Reason)
	assert.ErrorIs(t, d.Err, apperrors.ErrRoleMismatch)
	assert.Contains(t, d.Err.Error(), `have "APPLICANT", need "COMPANY"`)
	assertCleared(t, store)
}

// --- Expiry ---

func TestEvaluate_ExpiryBoundary(t *testing.T) {
	tests := []struct {
		name    string
		exp     time.Time
		allowed bool
	}{
		{"one second left", testNow.Add(time.Second), true},
		{"expires now", testNow, false},
		{"expired one second ago", testNow.Add(-time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testStore(t)
			set(t, store, sessiontest.Token("c@example.com", session.RoleCompany, tt.exp))

			d := testGuard(store).Evaluate(session.RoleCompany)
			assert.Equal(t, tt.allowed, d.Allowed)

			_, ok := store.Get()
			assert.Equal(t, tt.allowed, ok)

			if !tt.allowed {
				assert.Equal(t, ReasonExpired, d.Reason)
				assert.ErrorIs(t, d.Err, apperrors.ErrExpired)
			}
		})
	}
}

func TestEvaluate_ClockAdvancesPastExpiry(t *testing.T) {
	store := testStore(t)
	set(t, store, sessiontest.Token("c@example.com", session.RoleCompany, testNow.Add(time.Minute)))

	now := testNow
	g := testGuard(store, WithClock(func() time.Time { return now }))

	assert.True(t, g.Evaluate(session.RoleCompany).Allowed)

	now = now.Add(time.Minute)
	d := g.Evaluate(session.RoleCompany)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonExpired, d.Reason)
	assertCleared(t, store)
}

// --- Roles ---

func TestEvaluate_NoRoleRequired(t *testing.T) {
	store := testStore(t)
	set(t, store, sessiontest.Token("x@example.com", session.Role("RECRUITER"), testNow.Add(time.Hour)))

	d := testGuard(store).Evaluate(session.NoRole)
	assert.True(t, d.Allowed)
	assert.Equal(t, session.Role("RECRUITER"), d.Claims.Role)
}

func TestEvaluate_UnknownRoleNeverMatches(t *testing.T) {
	for _, required := range []session.Role{session.RoleCompany, session.RoleApplicant, session.RoleAdmin} {
		t.Run(string(required), func(t *testing.T) {
			store := testStore(t)
			set(t, store, sessiontest.Token("x@example.com", session.Role("RECRUITER"), testNow.Add(time.Hour)))

			d := testGuard(store).Evaluate(required)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonRoleMismatch, d.Reason)
		})
	}
}

func TestEvaluate_RoleComparedExactly(t *testing.T) {
	store := testStore(t)
	set(t, store, sessiontest.Token("c@example.com", session.Role("company"), testNow.Add(time.Hour)))

	d := testGuard(store).Evaluate(session.RoleCompany)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRoleMismatch, d.Reason)
}

func TestEvaluate_MissingRoleClaim(t *testing.T) {
	store := testStore(t)
	set(t, store, sessiontest.Sign(jwt.MapClaims{"sub": "c@example.com", "exp": testNow.Add(time.Hour).Unix()}))

	g := testGuard(store)
	assert.True(t, g.Evaluate(session.NoRole).Allowed)

	d := g.Evaluate(session.RoleAdmin)
	assert.Equal(t, ReasonRoleMismatch, d.Reason)
	assertCleared(t, store)
}

func TestEvaluate_MissingExpiryIsMalformed(t *testing.T) {
	store := testStore(t)
	set(t, store, sessiontest.Sign(jwt.MapClaims{"sub": "c@example.com", "role": "COMPANY"}))

	d := testGuard(store).Evaluate(session.RoleCompany)
	assert.Equal(t, ReasonMalformed, d.Reason)
	assertCleared(t, store)
}

func TestEvaluate_VerifyingDecoderRejectsForeignSignature(t *testing.T) {
	store := session.NewTokenStore(session.NewMemoryBackend(), session.NewDecoder("another-secret"), testLogger())
	set(t, store, sessiontest.Token("c@example.com", session.RoleCompany, testNow.Add(time.Hour)))

	d := testGuard(store).Evaluate(session.RoleCompany)
	assert.Equal(t, ReasonMalformed, d.Reason)
	assertCleared(t, store)
}

// --- Store failures ---

type fakeStore struct {
	token    string
	decode   func() (session.Claims, error)
	clearErr error
	cleared  int
}

func (f *fakeStore) Get() (string, bool)             { return f.token, f.token != "" }
func (f *fakeStore) Decode() (session.Claims, error) { return f.decode() }

func (f *fakeStore) Clear() error {
	f.cleared++
	return f.clearErr
}

func TestEvaluate_DecoderPanicIsMalformed(t *testing.T) {
	store := &fakeStore{
		token:  "x",
		decode: func() (session.Claims, error) { panic("boom") },
	}

	d := testGuard(store).Evaluate(session.RoleCompany)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMalformed, d.Reason)
	assert.Equal(t, 1, store.cleared)
}

func TestEvaluate_ClearFailureStillRedirects(t *testing.T) {
	store := &fakeStore{
		token:    "x",
		decode:   func() (session.Claims, error) { return session.Claims{}, errors.New("bad") },
		clearErr: errors.New("disk full"),
	}

	d := testGuard(store).Evaluate(session.RoleCompany)
	assert.False(t, d.Allowed)
	assert.Equal(t, LoginPath, d.RedirectTo)
}

func TestEvaluate_AbsentDoesNotClear(t *testing.T) {
	store := &fakeStore{}

	testGuard(store).Evaluate(session.RoleCompany)
	assert.Equal(t, 0, store.cleared)
}

// --- Metrics ---

func TestEvaluate_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	store := testStore(t)
	g := testGuard(store, WithMetrics(m))

	g.Evaluate(session.RoleCompany)
	set(t, store, "garbage")
	g.Evaluate(session.RoleCompany)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `portal_session_guard_decisions_total{reason="absent"} 1`)
	assert.Contains(t, body, `portal_session_guard_decisions_total{reason="malformed"} 1`)
}

// --- Middleware ---

func TestMiddleware_Allowed(t *testing.T) {
	store := testStore(t)
	set(t, store, sessiontest.Token("c@example.com", session.RoleCompany, testNow.Add(time.Hour)))

	var got session.Claims

	handler := testGuard(store).Middleware(session.RoleCompany)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		got, ok = RequestClaims(r.Context())
		assert.True(t, ok)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cdashboard", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c@example.com", got.Subject)
}

func TestMiddleware_DeniedRedirects(t *testing.T) {
	store := testStore(t)
	set(t, store, sessiontest.Token("a@example.com", session.RoleApplicant, testNow.Add(time.Hour)))

	called := false
	handler := testGuard(store).Middleware(session.RoleCompany)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cdashboard", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, LoginPath, rec.Header().Get("Location"))
	assertCleared(t, store)
}

func TestRequestClaims_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := RequestClaims(req.Context())
	assert.False(t, ok)
}
