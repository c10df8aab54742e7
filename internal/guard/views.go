package guard

import "campus.org/internal/session"

// View names a protected screen.
type View string

const (
	ViewAdmin        View = "admin"
	ViewInstructor   View = "instructor"
	ViewClubOfficial View = "club-official"
	ViewStudent      View = "student"
	ViewClubs        View = "clubs"
	ViewDashboard    View = "dashboard"
)

// Role labels issued by the campus API.
const (
	RoleAdmin        = "ROLE_ADMIN"
	RoleAcademician  = "ROLE_ACADEMICIAN"
	RoleClubOfficial = "ROLE_CLUB_OFFICIAL"
	RoleStudent      = "ROLE_STUDENT"
)

// Views maps each protected screen to its capability requirement. A nil
// requirement admits any authenticated user.
var Views = map[View][]string{
	ViewAdmin:        {RoleAdmin},
	ViewInstructor:   {RoleAcademician},
	ViewClubOfficial: {RoleClubOfficial},
	ViewStudent:      {RoleStudent, RoleClubOfficial},
	ViewClubs:        {RoleStudent, RoleClubOfficial},
	ViewDashboard:    nil,
}

// AuthorizeView authorizes a named view. Unknown views are denied.
func AuthorizeView(sess *session.Session, view View) Decision {
	required, ok := Views[view]
	if !ok {
		if sess == nil {
			return Decision{RedirectTo: LoginPath, Reason: ReasonUnauthenticated}
		}
		return Decision{RedirectTo: LandingPath, Reason: ReasonForbidden}
	}
	return Authorize(sess, required)
}
