package server

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/portal-session/internal/routes"
)

const pageStyle = `
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 400px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .error, .notice {
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .error { background: #fef2f2; color: #991b1b; border: 1px solid #fecaca; }
  .notice { background: #f0fdf4; color: #166534; border: 1px solid #bbf7d0; }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; color: #333; }
  input[type="email"], input[type="password"], input[type="text"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    margin-bottom: 1rem;
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
    margin-bottom: 0.5rem;
  }
  button.secondary { background: #fff; color: #1a1a1a; border: 1px solid #d0d0d0; }
  button:disabled { opacity: 0.5; cursor: default; }
  dl { font-size: 0.85rem; margin-bottom: 1rem; }
  dt { font-weight: 500; color: #333; }
  dd { margin-bottom: 0.5rem; color: #666; }
  ul { list-style: none; font-size: 0.9rem; margin-bottom: 1rem; }
  li { margin-bottom: 0.35rem; }
`

var pages = template.Must(template.New("pages").Parse(`
{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} · Job Portal</title>
<style>{{.Style}}</style>
</head>
<body>
<div class="card">
  <h1>{{.Title}}</h1>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  {{if .Notice}}<div class="notice">{{.Notice}}</div>{{end}}
{{end}}

{{define "foot"}}</div>
</body>
</html>{{end}}

{{define "login"}}{{template "head" .}}
  <p class="sub">Sign in with your portal account. A one-time code will be emailed to you.</p>
  <form method="POST" action="/login">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <label for="email">Email</label>
    <input type="email" id="email" name="email" value="{{.Email}}" autocomplete="username" autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password">
    <button type="submit">Send code</button>
  </form>
{{template "foot" .}}{{end}}

{{define "otp"}}{{template "head" .}}
  <p class="sub">Enter the code sent to {{.Email}}.</p>
  <form method="POST" action="/login/otp">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <label for="code">Code</label>
    <input type="text" id="code" name="code" inputmode="numeric" autocomplete="one-time-code" autofocus>
    <button type="submit">Verify</button>
  </form>
  <form method="POST" action="/login/resend">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <button type="submit" class="secondary"{{if gt .ResendRemaining 0}} disabled{{end}}>
      {{if gt .ResendRemaining 0}}Resend code in {{.ResendRemaining}}s{{else}}Resend code{{end}}
    </button>
  </form>
  <form method="POST" action="/login/cancel">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <button type="submit" class="secondary">Use a different account</button>
  </form>
{{template "foot" .}}{{end}}

{{define "view"}}{{template "head" .}}
  <dl>
    <dt>Signed in as</dt><dd>{{.Subject}}</dd>
    <dt>Role</dt><dd>{{.Role}}</dd>
    <dt>Session expires</dt><dd>{{.ExpiresAt}}</dd>
  </dl>
  <form method="POST" action="/logout">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <button type="submit">Log out</button>
  </form>
{{template "foot" .}}{{end}}

{{define "home"}}{{template "head" .}}
  <p class="sub">{{if .Subject}}Signed in as {{.Subject}} ({{.Role}}).{{else}}Not signed in.{{end}}</p>
  <ul>
  {{range .Routes}}<li><a href="{{.Path}}">{{if .Title}}{{.Title}}{{else}}{{.Path}}{{end}}</a>{{if .Role}} · {{.Role}}{{end}}</li>
  {{end}}</ul>
{{template "foot" .}}{{end}}
`))

type pageData struct {
	Title           string
	Style           template.CSS
	Error           string
	Notice          string
	CSRFToken       string
	Email           string
	ResendRemaining int
	Subject         string
	Role            string
	ExpiresAt       string
	Routes          []routes.Route
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data pageData) {
	data.Style = template.CSS(pageStyle)
	data.CSRFToken = s.csrf.issue()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)

	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("rendering page", slog.String("page", name), slog.String("error", err.Error()))
	}
}
