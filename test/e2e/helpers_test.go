package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/portal-session/internal/guard"
	"github.com/alexjbarnes/portal-session/internal/login"
	"github.com/alexjbarnes/portal-session/internal/mcpserver"
	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/portal"
	"github.com/alexjbarnes/portal-session/internal/routes"
	"github.com/alexjbarnes/portal-session/internal/server"
	"github.com/alexjbarnes/portal-session/internal/session"
	"github.com/alexjbarnes/portal-session/internal/session/sessiontest"
	"github.com/alexjbarnes/portal-session/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "ann@example.com"
	testPassword = "hunter22"
	testCode     = "123456"
)

// identityService is a fake of the portal backend: the two login
// endpoints plus one data endpoint that echoes the bearer header.
type identityService struct {
	mu   sync.Mutex
	role session.Role
	srv  *httptest.Server
}

func newIdentityService(t *testing.T) *identityService {
	t.Helper()

	svc := &identityService{role: session.RoleCompany}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Email, Password string }
		_ = json.NewDecoder(r.Body).Decode(&body)

		if body.Email != testEmail || body.Password != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"Invalid email or password"}`)

			return
		}

		_, _ = io.WriteString(w, "OTP sent to your email")
	})
	mux.HandleFunc("POST /api/auth/confirm-login", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Email string }
		_ = json.NewDecoder(r.Body).Decode(&body)

		if r.URL.Query().Get("otpCode") != testCode {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"message":"Invalid OTP"}`)

			return
		}

		svc.mu.Lock()
		role := svc.role
		svc.mu.Unlock()

		_, _ = io.WriteString(w, sessiontest.Token(body.Email, role, time.Now().Add(time.Hour)))
	})
	mux.HandleFunc("GET /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"authorization": r.Header.Get("Authorization")})
	})

	svc.srv = httptest.NewServer(mux)
	t.Cleanup(svc.srv.Close)

	return svc
}

func (s *identityService) setRole(role session.Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

// harness holds the full e2e stack: a real HTTP server serving the web
// front and the MCP endpoint, a bbolt-backed token store and the fake
// identity service behind a real portal client.
type harness struct {
	URL      string
	Identity *identityService
	State    *state.State
	Store    *session.TokenStore
	Client   *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	identity := newIdentityService(t)
	logger := slog.New(slog.DiscardHandler)

	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	store := session.NewTokenStore(st, nil, logger)
	m := metrics.New()
	g := guard.New(store, guard.WithLogger(logger), guard.WithMetrics(m))
	table := routes.Default()

	controller := login.NewController(login.Config{
		Transport: portal.NewClient(identity.srv.URL, identity.srv.Client(), 5*time.Second),
		Tokens:    store,
		Logger:    logger,
		Metrics:   m,
	})
	t.Cleanup(controller.Close)

	mux, err := server.NewMux(server.MuxConfig{
		Controller: controller,
		Store:      store,
		Guard:      g,
		Routes:     table,
		Metrics:    m,
		Logger:     logger,
		APIURL:     identity.srv.URL,
	})
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "portal-session-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Store:      store,
		Guard:      g,
		Routes:     table,
		Controller: controller,
	})
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil))

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &harness{
		URL:      ts.URL,
		Identity: identity,
		State:    st,
		Store:    store,
		Client:   client,
	}
}

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([a-f0-9]+)"`)

// page is a fetched response with its body read.
type page struct {
	Status   int
	Location string
	Body     string
}

func (p page) csrf(t *testing.T) string {
	t.Helper()

	m := csrfPattern.FindStringSubmatch(p.Body)
	require.Len(t, m, 2, "CSRF token not found in page")

	return m[1]
}

func (h *harness) get(t *testing.T, path string) page {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	return h.do(t, req)
}

func (h *harness) post(t *testing.T, path string, form url.Values) page {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return h.do(t, req)
}

func (h *harness) do(t *testing.T, req *http.Request) page {
	t.Helper()

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return page{
		Status:   resp.StatusCode,
		Location: resp.Header.Get("Location"),
		Body:     string(body),
	}
}

// browserLogin signs in through the HTML forms and returns the final
// response to the code submission.
func (h *harness) browserLogin(t *testing.T, role session.Role) page {
	t.Helper()

	h.Identity.setRole(role)

	form := h.get(t, "/login")
	require.Equal(t, http.StatusOK, form.Status)

	otp := h.post(t, "/login", url.Values{
		"csrf_token": {form.csrf(t)},
		"email":      {testEmail},
		"password":   {testPassword},
	})
	require.Equal(t, http.StatusOK, otp.Status)

	return h.post(t, "/login/otp", url.Values{
		"csrf_token": {otp.csrf(t)},
		"code":       {testCode},
	})
}

// mcpSession connects an MCP client to the streamable HTTP endpoint.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint:             h.URL + "/mcp",
		HTTPClient:           h.Client,
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	cs, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any, dest any) *mcp.CallToolResult {
	t.Helper()

	result, err := cs.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)

	if dest != nil {
		require.False(t, result.IsError, "tool %s failed: %s", name, extractTextContent(t, result))
		require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), dest))
	}

	return result
}

// extractTextContent pulls the text from the first TextContent in a
// CallToolResult.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
