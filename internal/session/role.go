package session

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Role is the permission class carried in the session token's role
// claim. The identity service owns the set of values; roles outside
// the constants below are kept verbatim.
type Role string

const (
	RoleCompany   Role = "COMPANY"
	RoleApplicant Role = "APPLICANT"
	RoleAdmin     Role = "ADMIN"
)

// NoRole is passed to the guard when a view only needs a valid session.
const NoRole Role = ""

var upper = cases.Upper(language.Und)

// ParseRole normalizes user-supplied role names (config files, CLI
// arguments) to the identity service's upper-case form. Roles read from
// a token are never passed through here.
func ParseRole(s string) Role {
	return Role(upper.String(strings.TrimSpace(s)))
}

func (r Role) String() string {
	return string(r)
}

// Dashboard is the landing view a user is sent to after login.
type Dashboard string

const (
	DashboardCompany   Dashboard = "/cdashboard"
	DashboardApplicant Dashboard = "/adashboard"
	DashboardAdmin     Dashboard = "/admin"
)

// DashboardFor picks the post-login landing view for a role. Only
// company and applicant are matched explicitly; every other value,
// including roles the identity service may add later, lands on the
// administrator dashboard.
func DashboardFor(r Role) Dashboard {
	switch r {
	case RoleCompany:
		return DashboardCompany
	case RoleApplicant:
		return DashboardApplicant
	default:
		return DashboardAdmin
	}
}
