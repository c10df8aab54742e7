package workflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"campus.org/internal/obs"
	"campus.org/internal/payload"
	"campus.org/internal/remote"
)

// KindMembership is a request to join a club, decided by the club's
// officials rather than an administrator. Its queue is scoped to one club,
// so it is not part of the admin dispatch table.
const KindMembership Kind = "membership"

const membershipPendingPath = "/clubs/%s/membership-requests/pending"

var membershipDecisions = map[Action]endpoint{
	Approve: {http.MethodPut, "/clubs/%s/membership-requests/%s/approve"},
	Reject:  {http.MethodPut, "/clubs/%s/membership-requests/%s/reject"},
}

// MembershipResult reports a decision on a club membership request.
type MembershipResult struct {
	Club    payload.ID
	Request payload.ID
	Action  Action
	Outcome Outcome
	Message string
	// Pending is the club's queue re-fetched after a successful decision.
	Pending    []Request
	RefetchErr error
}

// ListMembershipRequests fetches the club's pending membership requests.
// Requests are addressed by their own id.
func (e *Engine) ListMembershipRequests(ctx context.Context, clubID payload.ID) ([]Request, error) {
	if clubID.Empty() {
		return nil, ErrMissingTarget
	}
	recs, err := e.rc.GetRecords(ctx, fmt.Sprintf(membershipPendingPath, url.PathEscape(clubID.String())))
	if err != nil {
		return nil, fmt.Errorf("list membership requests of club %s: %w", clubID, err)
	}
	out := make([]Request, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FromRecord(KindMembership, rec, e.normalizer))
	}
	return out, nil
}

// DecideMembership approves or rejects one membership request of a club
// under the same policy as the admin queues: confirm first, surface the
// server's message on failure, re-fetch the club's queue on success.
func (e *Engine) DecideMembership(ctx context.Context, clubID, requestID payload.ID, action Action) (MembershipResult, error) {
	res := MembershipResult{Club: clubID, Request: requestID, Action: action}
	ep, ok := membershipDecisions[action]
	if !ok {
		return res, fmt.Errorf("%w: %s %s", ErrUnsupported, action, KindMembership)
	}
	if clubID.Empty() || requestID.Empty() {
		return res, ErrMissingTarget
	}

	ok, err := e.confirmed(ctx, fmt.Sprintf("%s membership request %s for club %s?", titleCase(string(action)), requestID, clubID))
	if err != nil {
		return res, fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		res.Outcome = Declined
		e.record(ctx, string(KindMembership), string(action), requestID, res.Outcome, "")
		return res, nil
	}

	path := fmt.Sprintf(ep.template, url.PathEscape(clubID.String()), url.PathEscape(requestID.String()))
	if err := e.rc.Do(ctx, ep.method, path, nil, nil); err != nil {
		res.Outcome = Failed
		res.Message = remote.Message(err, FallbackMessage)
		e.record(ctx, string(KindMembership), string(action), requestID, res.Outcome, res.Message)
		return res, fmt.Errorf("%s membership %s of club %s: %w", action, requestID, clubID, err)
	}
	res.Outcome = Succeeded
	e.record(ctx, string(KindMembership), string(action), requestID, res.Outcome, "")

	res.Pending, res.RefetchErr = e.ListMembershipRequests(ctx, clubID)
	if res.RefetchErr != nil {
		obs.Logger().WithError(res.RefetchErr).WithField("club", clubID.String()).Warn("re-fetch after membership decision failed")
	}
	return res, nil
}
