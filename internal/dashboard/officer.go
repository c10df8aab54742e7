package dashboard

import (
	"context"

	"campus.org/internal/campus"
	"campus.org/internal/events"
	"campus.org/internal/guard"
	"campus.org/internal/payload"
	"campus.org/internal/screen"
	"campus.org/internal/workflow"
)

// OfficerView is the club official's overview.
type OfficerView struct {
	ManagedClubs []payload.Record
	Events       map[events.Bucket][]events.Event
	Errors       map[string]error
}

// MembershipQueue is one club's pending membership requests.
type MembershipQueue struct {
	Club     payload.ID
	Requests []workflow.Request
	// Count is the server's pending count, or the listed pending requests
	// when the count is unavailable.
	Count  int
	Errors map[string]error
}

// Officer is the club official dashboard.
type Officer struct {
	base
	api    *campus.API
	engine *workflow.Engine
}

// NewOfficer creates the club official dashboard. Membership decisions go
// through engine, which owns the confirmation prompt.
func NewOfficer(api *campus.API, engine *workflow.Engine, sessions SessionSource, opts ...Option) *Officer {
	return &Officer{base: newBase(sessions, opts), api: api, engine: engine}
}

// Events partitions the events managed by the official.
func (o *Officer) Events(ctx context.Context) (OfficerView, error) {
	if _, err := o.authorize(guard.ViewClubOfficial); err != nil {
		return OfficerView{}, err
	}
	scope := screen.Mount(ctx, string(guard.ViewClubOfficial))
	defer scope.Unmount()

	clubs := screen.NewPanel[payload.Record]("managed-clubs")
	managed := screen.NewPanel[payload.Record]("my-events")
	screen.Gather(scope,
		screen.Fetch(clubs, o.api.MyManagedClubs),
		screen.Fetch(managed, o.api.MyEvents),
	)
	return OfficerView{
		ManagedClubs: clubs.Items(),
		Events:       events.Partition(events.FromRecords(managed.Items(), o.events), o.now),
		Errors: errorsOf(map[string]error{
			clubs.Name():   clubs.Err(),
			managed.Name(): managed.Err(),
		}),
	}, nil
}

// MembershipRequests loads a club's pending membership requests and their
// count.
func (o *Officer) MembershipRequests(ctx context.Context, clubID payload.ID) (MembershipQueue, error) {
	if _, err := o.authorize(guard.ViewClubOfficial); err != nil {
		return MembershipQueue{}, err
	}
	scope := screen.Mount(ctx, string(guard.ViewClubOfficial))
	defer scope.Unmount()

	requests := screen.NewPanel[workflow.Request]("membership-requests")
	var (
		count    int
		countErr error
	)
	screen.Gather(scope,
		screen.Fetch(requests, func(ctx context.Context) ([]workflow.Request, error) {
			return o.engine.ListMembershipRequests(ctx, clubID)
		}),
		func(s *screen.Scope) { count, countErr = o.api.PendingMembershipRequestCount(s.Context(), clubID) },
	)

	q := MembershipQueue{
		Club:     clubID,
		Requests: requests.Items(),
		Count:    count,
		Errors: errorsOf(map[string]error{
			requests.Name():    requests.Err(),
			"membership-count": countErr,
		}),
	}
	if countErr != nil && requests.Err() == nil {
		q.Count = 0
		for _, r := range q.Requests {
			if r.Status == workflow.Pending {
				q.Count++
			}
		}
	}
	return q, nil
}

// ApproveMembership admits the requester into the club.
func (o *Officer) ApproveMembership(ctx context.Context, clubID, requestID payload.ID) (workflow.MembershipResult, error) {
	return o.decide(ctx, clubID, requestID, workflow.Approve)
}

// RejectMembership turns the membership request down.
func (o *Officer) RejectMembership(ctx context.Context, clubID, requestID payload.ID) (workflow.MembershipResult, error) {
	return o.decide(ctx, clubID, requestID, workflow.Reject)
}

func (o *Officer) decide(ctx context.Context, clubID, requestID payload.ID, action workflow.Action) (workflow.MembershipResult, error) {
	if _, err := o.authorize(guard.ViewClubOfficial); err != nil {
		return workflow.MembershipResult{Club: clubID, Request: requestID, Action: action}, err
	}
	return o.engine.DecideMembership(ctx, clubID, requestID, action)
}

// EventRegistrations lists the registrations of one managed event.
func (o *Officer) EventRegistrations(ctx context.Context, eventID payload.ID) ([]payload.Record, error) {
	if _, err := o.authorize(guard.ViewClubOfficial); err != nil {
		return nil, err
	}
	return o.api.EventRegistrations(ctx, eventID)
}
