package dashboard

import (
	"context"

	"campus.org/internal/campus"
	"campus.org/internal/events"
	"campus.org/internal/guard"
	"campus.org/internal/payload"
	"campus.org/internal/reconcile"
	"campus.org/internal/screen"
)

// ClubsView is the club directory as seen by a student.
type ClubsView struct {
	All         []payload.Record
	Eligible    []payload.Record
	Outstanding []payload.ID
	Errors      map[string]error
}

// EventsView is a lifecycle partition plus the events open for
// registration.
type EventsView struct {
	Buckets map[events.Bucket][]events.Event
	Open    []events.Event
	Errors  map[string]error
}

// Student is the student dashboard. It keeps the membership and
// registration triads of the mounted view.
type Student struct {
	base
	api           *campus.API
	memberships   *reconcile.Triad
	registrations *reconcile.Triad
}

// NewStudent creates the student dashboard.
func NewStudent(api *campus.API, sessions SessionSource, opts ...Option) *Student {
	return &Student{
		base: newBase(sessions, opts),
		api:  api,
		memberships: reconcile.NewTriad(reconcile.Config{
			CandidateID:   reconcile.RecordIDs,
			ConfirmedID:   reconcile.MembershipIDs,
			OutstandingID: reconcile.MembershipIDs,
			Submit:        api.RequestMembership,
			Withdraw:      api.WithdrawMembershipRequest,
		}),
		registrations: reconcile.NewTriad(reconcile.Config{
			CandidateID:   reconcile.RegistrationIDs,
			ConfirmedID:   reconcile.RegistrationIDs,
			OutstandingID: reconcile.RegistrationIDs,
			Submit:        api.RegisterForEvent,
		}),
	}
}

// Clubs loads all clubs, the student's memberships and outstanding
// requests, and returns the clubs the student may still request.
func (s *Student) Clubs(ctx context.Context) (ClubsView, error) {
	if _, err := s.authorize(guard.ViewClubs); err != nil {
		return ClubsView{}, err
	}
	scope := screen.Mount(ctx, string(guard.ViewClubs))
	defer scope.Unmount()

	all := screen.NewPanel[payload.Record]("clubs")
	mine := screen.NewPanel[payload.Record]("memberships")
	requested := screen.NewPanel[payload.Record]("membership-requests")
	screen.Gather(scope,
		screen.Fetch(all, s.api.Clubs),
		screen.Fetch(mine, s.api.MyMemberships),
		screen.Fetch(requested, s.api.MyMembershipRequests),
	)
	s.memberships.SetCandidates(all.Items())
	s.memberships.SetConfirmed(mine.Items(), mine.Err())
	s.memberships.SetOutstanding(requested.Items(), requested.Err())

	return ClubsView{
		All:         all.Items(),
		Eligible:    s.memberships.Eligible(),
		Outstanding: s.memberships.Outstanding(),
		Errors: errorsOf(map[string]error{
			all.Name():       all.Err(),
			mine.Name():      mine.Err(),
			requested.Name(): requested.Err(),
		}),
	}, nil
}

// RequestMembership files a membership request. The club leaves the
// eligible set immediately, before the next Clubs call.
func (s *Student) RequestMembership(ctx context.Context, clubID payload.ID) ([]payload.Record, error) {
	if _, err := s.authorize(guard.ViewClubs); err != nil {
		return nil, err
	}
	if err := s.memberships.Submit(ctx, clubID); err != nil {
		return s.memberships.Eligible(), err
	}
	return s.memberships.Eligible(), nil
}

// WithdrawMembership cancels an outstanding membership request.
func (s *Student) WithdrawMembership(ctx context.Context, clubID payload.ID) ([]payload.Record, error) {
	if _, err := s.authorize(guard.ViewClubs); err != nil {
		return nil, err
	}
	if err := s.memberships.Withdraw(ctx, clubID); err != nil {
		return s.memberships.Eligible(), err
	}
	return s.memberships.Eligible(), nil
}

// Events partitions the student's registrations and lists the upcoming
// events the student has not registered for.
func (s *Student) Events(ctx context.Context) (EventsView, error) {
	if _, err := s.authorize(guard.ViewStudent); err != nil {
		return EventsView{}, err
	}
	scope := screen.Mount(ctx, string(guard.ViewStudent))
	defer scope.Unmount()

	regs := screen.NewPanel[payload.Record]("registrations")
	all := screen.NewPanel[payload.Record]("events")
	screen.Gather(scope,
		screen.Fetch(regs, s.api.MyRegistrations),
		screen.Fetch(all, s.api.Events),
	)

	upcoming := events.Filter(events.FromRecords(all.Items(), s.events), events.Upcoming, s.now)
	candidates := make([]payload.Record, 0, len(upcoming))
	for _, ev := range upcoming {
		candidates = append(candidates, ev.Payload)
	}
	s.registrations.SetCandidates(candidates)
	s.registrations.SetConfirmed(regs.Items(), regs.Err())
	// Registrations are confirmed at once; there is no outstanding state.
	s.registrations.SetOutstanding(nil, nil)

	open := []events.Event{}
	if s.registrations.Known() {
		registered := payload.IDs(regs.Items(), reconcile.RegistrationIDs...)
		open = reconcile.Eligible(upcoming, func(ev events.Event) payload.ID { return ev.ID }, registered, s.registrations.Outstanding())
	}

	return EventsView{
		Buckets: events.Partition(events.FromRecords(regs.Items(), s.events), s.now),
		Open:    open,
		Errors: errorsOf(map[string]error{
			regs.Name(): regs.Err(),
			all.Name():  all.Err(),
		}),
	}, nil
}

// RegisterForEvent registers for an open event; it stops being open at
// once.
func (s *Student) RegisterForEvent(ctx context.Context, eventID payload.ID) error {
	if _, err := s.authorize(guard.ViewStudent); err != nil {
		return err
	}
	return s.registrations.Submit(ctx, eventID)
}
