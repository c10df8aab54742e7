// Package guard decides whether the current session may open a view.
//
// The decision is advisory: it keeps users away from screens they cannot
// use, while the server independently rejects unauthorized mutations.
package guard

import (
	"campus.org/internal/session"
)

const (
	// LoginPath is the unauthenticated entry point.
	LoginPath = "/login"
	// LandingPath is where authenticated users without the required role go.
	LandingPath = "/dashboard"
)

// Reason explains a decision.
type Reason string

const (
	ReasonAllowed         Reason = "allowed"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonForbidden       Reason = "forbidden"
)

// Decision is the outcome of Authorize.
type Decision struct {
	Allow      bool
	RedirectTo string
	Reason     Reason
}

// Authorize checks a session against a role requirement. An empty
// requirement admits any authenticated user; otherwise the session's roles
// must intersect it. Authentication failures redirect to the login page,
// authorization failures to the landing page.
func Authorize(sess *session.Session, required []string) Decision {
	if sess == nil {
		return Decision{RedirectTo: LoginPath, Reason: ReasonUnauthenticated}
	}
	if len(normalized(required)) == 0 {
		return Decision{Allow: true, Reason: ReasonAllowed}
	}
	for _, role := range required {
		if sess.HasRole(role) {
			return Decision{Allow: true, Reason: ReasonAllowed}
		}
	}
	return Decision{RedirectTo: LandingPath, Reason: ReasonForbidden}
}

func normalized(roles []string) []string {
	var out []string
	for _, r := range roles {
		if r = session.NormalizeRole(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
