package dashboard

import (
	"context"
	"strings"

	"campus.org/internal/campus"
	"campus.org/internal/events"
	"campus.org/internal/guard"
	"campus.org/internal/payload"
	"campus.org/internal/screen"
	"campus.org/internal/session"
	"campus.org/internal/workflow"
)

// Summary is the administrator overview.
type Summary struct {
	TotalStudents int
	ActiveClubs   int
	MonthlyEvents int
	PendingTotal  int
	Pending       workflow.Totals
	// Errors lists the panels whose fetch failed; their figures are zero.
	Errors map[string]error
}

// Admin is the administrator dashboard.
type Admin struct {
	base
	api    *campus.API
	engine *workflow.Engine
}

// NewAdmin creates the administrator dashboard.
func NewAdmin(api *campus.API, engine *workflow.Engine, sessions SessionSource, opts ...Option) *Admin {
	return &Admin{base: newBase(sessions, opts), api: api, engine: engine}
}

// Summary fetches users, active clubs, events and the pending queues
// concurrently. A failed panel contributes zero.
func (a *Admin) Summary(ctx context.Context) (Summary, error) {
	if _, err := a.authorize(guard.ViewAdmin); err != nil {
		return Summary{}, err
	}
	scope := screen.Mount(ctx, string(guard.ViewAdmin))
	defer scope.Unmount()

	users := screen.NewPanel[payload.Record]("users")
	clubs := screen.NewPanel[payload.Record]("active-clubs")
	evs := screen.NewPanel[payload.Record]("events")
	var (
		totals     workflow.Totals
		pendingErr error
	)
	screen.Gather(scope,
		screen.Fetch(users, a.api.Users),
		screen.Fetch(clubs, a.api.ActiveClubs),
		screen.Fetch(evs, a.api.Events),
		func(s *screen.Scope) { totals, pendingErr = a.engine.PendingTotal(s.Context()) },
	)

	sum := Summary{
		TotalStudents: countStudents(users.Items()),
		ActiveClubs:   len(clubs.Items()),
		MonthlyEvents: len(events.InMonth(events.FromRecords(evs.Items(), a.events), a.now)),
		PendingTotal:  totals.Total,
		Pending:       totals,
		Errors: errorsOf(map[string]error{
			users.Name(): users.Err(),
			clubs.Name(): clubs.Err(),
			evs.Name():   evs.Err(),
			"pending":    pendingErr,
		}),
	}
	for kind, err := range totals.Failed {
		sum.Errors["pending:"+string(kind)] = err
	}
	return sum, nil
}

var studentRole = session.NormalizeRole(guard.RoleStudent)

func countStudents(users []payload.Record) int {
	n := 0
	for _, u := range users {
		for _, r := range session.RolesOf(u) {
			if strings.EqualFold(r, studentRole) {
				n++
				break
			}
		}
	}
	return n
}
