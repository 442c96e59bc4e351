// Package mcpserver registers MCP tools that expose the portal session:
// its status, route access checks, logout, and the two-step login.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/portal-session/internal/guard"
	"github.com/alexjbarnes/portal-session/internal/login"
	"github.com/alexjbarnes/portal-session/internal/routes"
	"github.com/alexjbarnes/portal-session/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Deps are the session components the tools operate on.
type Deps struct {
	Store      *session.TokenStore
	Guard      *guard.Guard
	Routes     *routes.Table
	Controller *login.Controller
	// Now defaults to time.Now.
	Now func() time.Time
}

// RegisterTools adds all session tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}

	if d.Routes == nil {
		d.Routes = routes.Default()
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_status",
		Description: "Report whether a session token is stored and what it says (subject, role, expiry, landing dashboard). Read-only: never clears the token.",
	}, statusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_check_access",
		Description: "Run the access guard for a role or a route path. Any denial clears the stored token, exactly as opening the view would.",
	}, checkAccessHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_routes",
		Description: "List the portal routes with the role each one requires.",
	}, routesHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_logout",
		Description: "Remove the stored session token and abandon any login in progress.",
	}, logoutHandler(d))

	if d.Controller == nil {
		return
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "login_start",
		Description: "Phase one of login: send email and password. On success the identity service emails a one-time code.",
	}, loginStartHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "login_verify",
		Description: "Phase two of login: submit the emailed one-time code. On success the session token is stored.",
	}, loginVerifyHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "login_resend",
		Description: "Request a new one-time code. Only allowed once the resend timer has reached zero.",
	}, loginResendHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// CheckAccessInput holds parameters for session_check_access.
type CheckAccessInput struct {
	Role string `json:"role,omitempty" jsonschema:"required role (COMPANY, APPLICANT, ADMIN); empty means any valid session"`
	Path string `json:"path,omitempty" jsonschema:"route path such as /cdashboard; overrides role"`
}

// RoutesInput has no parameters.
type RoutesInput struct{}

// LogoutInput has no parameters.
type LogoutInput struct{}

// LoginStartInput holds parameters for login_start.
type LoginStartInput struct {
	Email    string `json:"email" jsonschema:"required,account email"`
	Password string `json:"password" jsonschema:"required,account password"`
}

// LoginVerifyInput holds parameters for login_verify.
type LoginVerifyInput struct {
	Code string `json:"code" jsonschema:"required,one-time code from the email"`
}

// LoginResendInput has no parameters.
type LoginResendInput struct{}

// --- Output types ---

// StatusResult describes the stored session.
type StatusResult struct {
	State      string `json:"state"`
	Subject    string `json:"subject,omitempty"`
	Role       string `json:"role,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	Dashboard  string `json:"dashboard,omitempty"`
	LoginState string `json:"login_state,omitempty"`
}

// AccessResult is a guard decision.
type AccessResult struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	Required   string `json:"required,omitempty"`
	RedirectTo string `json:"redirect_to,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Role       string `json:"role,omitempty"`
}

// RoutesResult lists the route table.
type RoutesResult struct {
	Routes []routes.Route `json:"routes"`
}

// LogoutResult confirms a logout.
type LogoutResult struct {
	Cleared bool `json:"cleared"`
}

// LoginResult reports the controller after a login step.
type LoginResult struct {
	State           string `json:"state"`
	Message         string `json:"message"`
	ResendRemaining int    `json:"resend_remaining"`
	Role            string `json:"role,omitempty"`
	Dashboard       string `json:"dashboard,omitempty"`
}

// --- Handlers ---

func statusHandler(d Deps) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := &StatusResult{}
		if d.Controller != nil {
			result.LoginState = d.Controller.State().String()
		}

		if _, ok := d.Store.Get(); !ok {
			result.State = string(guard.ReasonAbsent)
			return textResult(result), result, nil
		}

		claims, err := d.Store.Decode()
		if err != nil {
			result.State = string(guard.ReasonMalformed)
			return textResult(result), result, nil
		}

		result.State = "valid"
		if claims.ExpiredAt(d.Now()) {
			result.State = string(guard.ReasonExpired)
		}

		result.Subject = claims.Subject
		result.Role = claims.Role.String()
		result.ExpiresAt = claims.ExpiresAt.UTC().Format(time.RFC3339)
		result.Dashboard = string(session.DashboardFor(claims.Role))

		return textResult(result), result, nil
	}
}

func checkAccessHandler(d Deps) mcp.ToolHandlerFor[CheckAccessInput, *AccessResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input CheckAccessInput) (*mcp.CallToolResult, *AccessResult, error) {
		required := session.ParseRole(input.Role)

		if input.Path != "" {
			rt, ok := d.Routes.Lookup(input.Path)
			if !ok {
				return nil, nil, fmt.Errorf("unknown route %q", input.Path)
			}

			if rt.Public {
				result := &AccessResult{Allowed: true, Reason: "public"}
				return textResult(result), result, nil
			}

			required = rt.Role
		}

		dec := d.Guard.Evaluate(required)
		result := &AccessResult{
			Allowed:    dec.Allowed,
			Reason:     string(dec.Reason),
			Required:   required.String(),
			RedirectTo: dec.RedirectTo,
		}

		if dec.Claims != nil {
			result.Subject = dec.Claims.Subject
			result.Role = dec.Claims.Role.String()
		}

		return textResult(result), result, nil
	}
}

func routesHandler(d Deps) mcp.ToolHandlerFor[RoutesInput, *RoutesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ RoutesInput) (*mcp.CallToolResult, *RoutesResult, error) {
		result := &RoutesResult{Routes: d.Routes.Routes()}
		return textResult(result), result, nil
	}
}

func logoutHandler(d Deps) mcp.ToolHandlerFor[LogoutInput, *LogoutResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ LogoutInput) (*mcp.CallToolResult, *LogoutResult, error) {
		if err := d.Store.Clear(); err != nil {
			return nil, nil, err
		}

		if d.Controller != nil {
			d.Controller.Cancel()
		}

		result := &LogoutResult{Cleared: true}

		return textResult(result), result, nil
	}
}

func loginStartHandler(d Deps) mcp.ToolHandlerFor[LoginStartInput, *LoginResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input LoginStartInput) (*mcp.CallToolResult, *LoginResult, error) {
		if err := d.Controller.SubmitCredentials(ctx, input.Email, input.Password); err != nil {
			return nil, nil, errors.New(login.UserMessage(err))
		}

		result := loginResult(d.Controller, login.MsgOTPSent)

		return textResult(result), result, nil
	}
}

func loginVerifyHandler(d Deps) mcp.ToolHandlerFor[LoginVerifyInput, *LoginResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input LoginVerifyInput) (*mcp.CallToolResult, *LoginResult, error) {
		role, err := d.Controller.SubmitOTP(ctx, input.Code)
		if err != nil {
			return nil, nil, errors.New(login.UserMessage(err))
		}

		result := loginResult(d.Controller, login.MsgLoginSuccess)
		result.Role = role.String()
		result.Dashboard = string(session.DashboardFor(role))

		return textResult(result), result, nil
	}
}

func loginResendHandler(d Deps) mcp.ToolHandlerFor[LoginResendInput, *LoginResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ LoginResendInput) (*mcp.CallToolResult, *LoginResult, error) {
		if err := d.Controller.ResendOTP(ctx); err != nil {
			return nil, nil, errors.New(login.UserMessage(err))
		}

		result := loginResult(d.Controller, login.MsgOTPResent)

		return textResult(result), result, nil
	}
}

func loginResult(c *login.Controller, msg string) *LoginResult {
	return &LoginResult{
		State:           c.State().String(),
		Message:         msg,
		ResendRemaining: c.ResendRemaining(),
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
