// Package routes maps portal views to the role allowed to open them.
package routes

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/alexjbarnes/portal-session/internal/session"
	"gopkg.in/yaml.v3"
)

// Route is one view. Public views carry no role and skip the guard.
type Route struct {
	Path   string       `yaml:"path" json:"path"`
	Role   session.Role `yaml:"role,omitempty" json:"role,omitempty"`
	Public bool         `yaml:"public,omitempty" json:"public,omitempty"`
	Title  string       `yaml:"title,omitempty" json:"title,omitempty"`
}

// Table is an immutable set of routes keyed by path.
type Table struct {
	routes map[string]Route
}

// pathPattern accepts plain slash-separated segments with no wildcards,
// whitespace or trailing slash.
var pathPattern = regexp.MustCompile(`^/([A-Za-z0-9._~-]+(/[A-Za-z0-9._~-]+)*)?$`)

// reservedPaths are served by the web front itself.
var reservedPaths = map[string]bool{
	"/metrics": true,
	"/mcp":     true,
	"/logout":  true,
	"/api":     true,
}

// reservedPrefixes cover subtrees owned by the web front.
var reservedPrefixes = []string{"/api/", "/login/", "/mcp/"}

// entryPaths must stay public so a signed-out user can reach login.
var entryPaths = map[string]bool{"/": true, "/login": true}

func checkPath(p string) error {
	if !pathPattern.MatchString(p) {
		return fmt.Errorf("path %q must be /-separated segments of letters, digits, '.', '_', '~' or '-'", p)
	}

	if reservedPaths[p] {
		return fmt.Errorf("path %s is reserved", p)
	}

	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return fmt.Errorf("path %s is under reserved %s", p, prefix)
		}
	}

	return nil
}

type tableFile struct {
	Routes []Route `yaml:"routes"`
}

// Default is the portal's built-in routing.
func Default() *Table {
	t, err := New([]Route{
		{Path: "/", Public: true, Title: "Home"},
		{Path: "/login", Public: true, Title: "Login"},
		{Path: "/register", Public: true, Title: "Register"},

		{Path: "/cdashboard", Role: session.RoleCompany, Title: "Company dashboard"},
		{Path: "/csetting", Role: session.RoleCompany, Title: "Company settings"},
		{Path: "/appliedJob", Role: session.RoleCompany, Title: "Applications received"},
		{Path: "/companyinfo", Role: session.RoleCompany, Title: "Company profile"},

		{Path: "/adashboard", Role: session.RoleApplicant, Title: "Applicant dashboard"},
		{Path: "/asetting", Role: session.RoleApplicant, Title: "Applicant settings"},
		{Path: "/viewapplication", Role: session.RoleApplicant, Title: "My applications"},
		{Path: "/applicantinfo", Role: session.RoleApplicant, Title: "Applicant profile"},

		{Path: "/admin", Role: session.RoleAdmin, Title: "Administration"},
	})
	if err != nil {
		panic(err)
	}

	return t
}

// New validates routes and builds a Table.
func New(routes []Route) (*Table, error) {
	t := &Table{routes: make(map[string]Route, len(routes))}

	for i, r := range routes {
		r.Path = strings.TrimSpace(r.Path)
		if err := checkPath(r.Path); err != nil {
			return nil, fmt.Errorf("route %d: %w", i+1, err)
		}

		if entryPaths[r.Path] && !r.Public {
			return nil, fmt.Errorf("route %s must be public", r.Path)
		}

		if r.Public && r.Role != session.NoRole {
			return nil, fmt.Errorf("route %s: public routes cannot require a role", r.Path)
		}

		if !r.Public {
			r.Role = session.ParseRole(string(r.Role))
			if r.Role == session.NoRole {
				return nil, fmt.Errorf("route %s: role is required unless public", r.Path)
			}
		}

		if _, dup := t.routes[r.Path]; dup {
			return nil, fmt.Errorf("duplicate route %s", r.Path)
		}

		t.routes[r.Path] = r
	}

	return t, nil
}

// Parse reads a YAML route table:
//
//	routes:
//	  - path: /cdashboard
//	    role: COMPANY
//	  - path: /login
//	    public: true
func Parse(data []byte) (*Table, error) {
	var f tableFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing route table: %w", err)
	}

	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("route table has no routes")
	}

	return New(f.Routes)
}

// Load reads a table from path, or returns Default when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading route table: %w", err)
	}

	return Parse(data)
}

// Lookup returns the route registered for path.
func (t *Table) Lookup(path string) (Route, bool) {
	r, ok := t.routes[path]
	return r, ok
}

// Routes returns all routes sorted by path.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

// Protected returns the non-public routes sorted by path.
func (t *Table) Protected() []Route {
	var out []Route

	for _, r := range t.Routes() {
		if !r.Public {
			out = append(out, r)
		}
	}

	return out
}

// Marshal renders the table as YAML, suitable for Parse.
func (t *Table) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(tableFile{Routes: t.Routes()})
	if err != nil {
		return nil, fmt.Errorf("encoding route table: %w", err)
	}

	return data, nil
}
