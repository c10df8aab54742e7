// Package workflow drives the administrative pending → approved/rejected
// lifecycle for the five request kinds through a dispatch table keyed by
// kind.
package workflow

import (
	"fmt"
	"net/http"
	"strings"

	"campus.org/internal/payload"
)

// Kind names a request kind.
type Kind string

const (
	KindAcademician  Kind = "academician"
	KindClubOfficer  Kind = "club-officer"
	KindClubCreation Kind = "club-creation"
	KindEvent        Kind = "event"
	KindAccount      Kind = "account"
)

// Kinds returns every request kind in display order.
func Kinds() []Kind {
	return []Kind{KindAcademician, KindClubOfficer, KindClubCreation, KindEvent, KindAccount}
}

// QueueKinds returns the kinds backed by a pending queue. Account lists the
// user directory, whose entries are not awaiting a decision.
func QueueKinds() []Kind {
	out := make([]Kind, 0, len(routes))
	for _, k := range Kinds() {
		if !routes[k].directory {
			out = append(out, k)
		}
	}
	return out
}

// ParseKind accepts a kind name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := routes[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// addressing says which identifier a kind's mutation endpoints take.
type addressing int

const (
	byRecord addressing = iota
	bySubject
)

type endpoint struct {
	method   string
	template string
}

type route struct {
	list    string
	approve *endpoint
	reject  *endpoint
	by      addressing
	// directory lists existing entities rather than undecided requests.
	directory bool
}

var (
	recordIDFields  = []payload.Accessor{payload.Key("id"), payload.Key("requestId")}
	subjectIDFields = []payload.Accessor{payload.Key("userId"), payload.Path("user", "id"), payload.Key("id")}
)

// routes is the dispatch table. A nil endpoint means the remote API offers
// no such transition for the kind.
var routes = map[Kind]route{
	KindAcademician: {
		list:    "/auth/admin/requests/academicians",
		approve: &endpoint{http.MethodPost, "/auth/admin/approve-academician/%s"},
		reject:  &endpoint{http.MethodPost, "/auth/admin/reject-academician/%s"},
		by:      bySubject,
	},
	KindClubOfficer: {
		list:    "/auth/admin/pending/club-official",
		approve: &endpoint{http.MethodPost, "/auth/admin/approve/club-official/%s"},
		reject:  &endpoint{http.MethodPost, "/auth/admin/reject/club-official/%s"},
		by:      bySubject,
	},
	KindClubCreation: {
		list:    "/admin/clubs/request",
		approve: &endpoint{http.MethodPost, "/admin/clubs/requests/%s/approve"},
		reject:  &endpoint{http.MethodPost, "/admin/clubs/requests/%s/reject"},
		by:      byRecord,
	},
	KindEvent: {
		list:    "/events/manage/pending",
		approve: &endpoint{http.MethodPut, "/events/manage/%s/approve"},
		reject:  &endpoint{http.MethodPut, "/events/manage/%s/reject"},
		by:      byRecord,
	},
	KindAccount: {
		list:      "/admin/users",
		reject:    &endpoint{http.MethodDelete, "/admin/users/%s"},
		by:        bySubject,
		directory: true,
	},
}

func (r route) endpointFor(a Action) *endpoint {
	switch a {
	case Approve:
		return r.approve
	case Reject:
		return r.reject
	}
	return nil
}

// closeClub is a transition on an active club, not on a creation request.
var closeClub = endpoint{http.MethodDelete, "/admin/clubs/%s"}

const activeClubsPath = "/admin/clubs/active"
