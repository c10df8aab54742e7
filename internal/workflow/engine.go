package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"campus.org/internal/audit"
	"campus.org/internal/obs"
	"campus.org/internal/payload"
	"campus.org/internal/remote"
	"campus.org/internal/temporal"
)

// FallbackMessage is shown when a failed mutation carries no server message.
const FallbackMessage = "operation failed"

// Transport is the subset of the REST client the engine needs.
type Transport interface {
	Do(ctx context.Context, method, path string, body, out any) error
	GetRecords(ctx context.Context, path string) ([]payload.Record, error)
}

// Confirmer asks the operator before a mutation is dispatched.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) { return f(ctx, prompt) }

// AlwaysConfirm approves every prompt.
var AlwaysConfirm Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })

// Outcome is how a mutation attempt ended.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Declined  Outcome = "declined"
	Failed    Outcome = "failed"
)

// Result reports a request transition.
type Result struct {
	Kind    Kind
	Action  Action
	Target  payload.ID
	Outcome Outcome
	// Message is the server's message on failure, or FallbackMessage.
	Message string
	// Pending is the kind's queue re-fetched after a successful mutation.
	Pending []Request
	// RefetchErr reports a failed re-fetch; the mutation itself succeeded.
	RefetchErr error
}

// ClubResult reports closing an active club.
type ClubResult struct {
	Club       payload.ID
	Outcome    Outcome
	Message    string
	Active     []payload.Record
	RefetchErr error
}

// Totals is the sum of every pending queue.
type Totals struct {
	ByKind map[Kind]int
	Total  int
	// Failed holds the kinds whose fetch failed; they count as zero.
	Failed map[Kind]error
}

// Engine executes administrative transitions.
//
// After any successful mutation the engine re-fetches the affected queue
// from the server instead of splicing the record out locally; the server
// may reject, merge or reorder, so only its listing is trusted. This is the
// opposite of the membership reconciler, which overlays its own requests
// optimistically until the next fetch.
type Engine struct {
	rc         Transport
	confirm    Confirmer
	normalizer *temporal.Normalizer
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfirmer sets the confirmation prompt. Without one every mutation
// is declined.
func WithConfirmer(c Confirmer) Option {
	return func(e *Engine) { e.confirm = c }
}

// WithNormalizer sets how submission instants are read.
func WithNormalizer(n *temporal.Normalizer) Option {
	return func(e *Engine) {
		if n != nil {
			e.normalizer = n
		}
	}
}

// New creates an engine over the transport.
func New(rc Transport, opts ...Option) *Engine {
	e := &Engine{
		rc:         rc,
		normalizer: temporal.New(temporal.SubmittedFields),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListPending fetches the kind's queue.
func (e *Engine) ListPending(ctx context.Context, kind Kind) ([]Request, error) {
	r, ok := routes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	recs, err := e.rc.GetRecords(ctx, r.list)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	out := make([]Request, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FromRecord(kind, rec, e.normalizer))
	}
	return out, nil
}

// Approve approves the request addressed by target.
func (e *Engine) Approve(ctx context.Context, kind Kind, target payload.ID) (Result, error) {
	return e.dispatch(ctx, kind, Approve, target)
}

// Reject rejects the request addressed by target.
func (e *Engine) Reject(ctx context.Context, kind Kind, target payload.ID) (Result, error) {
	return e.dispatch(ctx, kind, Reject, target)
}

// Apply checks the local state machine before dispatching, so a request
// already known to be decided is refused without a network call. Directory
// kinds skip the check: an account's status is its activation, not a
// decision, and removing an active account is allowed.
func (e *Engine) Apply(ctx context.Context, req Request, action Action) (Result, error) {
	if r, ok := routes[req.Kind]; ok && !r.directory {
		if _, err := Transition(req.Status, action); err != nil {
			return Result{Kind: req.Kind, Action: action, Target: req.Target}, err
		}
	}
	return e.dispatch(ctx, req.Kind, action, req.Target)
}

func (e *Engine) dispatch(ctx context.Context, kind Kind, action Action, target payload.ID) (Result, error) {
	res := Result{Kind: kind, Action: action, Target: target}
	r, ok := routes[kind]
	if !ok {
		return res, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	ep := r.endpointFor(action)
	if ep == nil {
		return res, fmt.Errorf("%w: %s %s", ErrUnsupported, action, kind)
	}
	if target.Empty() {
		return res, ErrMissingTarget
	}

	ok, err := e.confirmed(ctx, fmt.Sprintf("%s %s request %s?", titleCase(string(action)), kind, target))
	if err != nil {
		return res, fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		res.Outcome = Declined
		e.record(ctx, string(kind), string(action), target, res.Outcome, "")
		return res, nil
	}

	path := fmt.Sprintf(ep.template, url.PathEscape(target.String()))
	if err := e.rc.Do(ctx, ep.method, path, nil, nil); err != nil {
		res.Outcome = Failed
		res.Message = remote.Message(err, FallbackMessage)
		e.record(ctx, string(kind), string(action), target, res.Outcome, res.Message)
		return res, fmt.Errorf("%s %s %s: %w", action, kind, target, err)
	}
	res.Outcome = Succeeded
	e.record(ctx, string(kind), string(action), target, res.Outcome, "")

	// Strictly after the mutation response.
	res.Pending, res.RefetchErr = e.ListPending(ctx, kind)
	if res.RefetchErr != nil {
		obs.Logger().WithError(res.RefetchErr).WithField("kind", kind).Warn("re-fetch after mutation failed")
	}
	return res, nil
}

// CloseClub deactivates an active club. It is distinct from rejecting a
// club-creation request.
func (e *Engine) CloseClub(ctx context.Context, clubID payload.ID) (ClubResult, error) {
	res := ClubResult{Club: clubID}
	if clubID.Empty() {
		return res, ErrMissingTarget
	}
	ok, err := e.confirmed(ctx, fmt.Sprintf("Close club %s? This cannot be undone.", clubID))
	if err != nil {
		return res, fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		res.Outcome = Declined
		e.record(ctx, "club", "close", clubID, res.Outcome, "")
		return res, nil
	}
	path := fmt.Sprintf(closeClub.template, url.PathEscape(clubID.String()))
	if err := e.rc.Do(ctx, closeClub.method, path, nil, nil); err != nil {
		res.Outcome = Failed
		res.Message = remote.Message(err, FallbackMessage)
		e.record(ctx, "club", "close", clubID, res.Outcome, res.Message)
		return res, fmt.Errorf("close club %s: %w", clubID, err)
	}
	res.Outcome = Succeeded
	e.record(ctx, "club", "close", clubID, res.Outcome, "")
	res.Active, res.RefetchErr = e.rc.GetRecords(ctx, activeClubsPath)
	return res, nil
}

// PendingTotal fetches every queue concurrently and sums the requests still
// pending. The account directory is not a queue and is left out. A failed
// kind counts as zero and is reported in Totals.Failed; an error is
// returned only when every kind failed.
func (e *Engine) PendingTotal(ctx context.Context) (Totals, error) {
	kinds := QueueKinds()
	counts := make([]int, len(kinds))
	errs := make([]error, len(kinds))

	var wg sync.WaitGroup
	for i, k := range kinds {
		wg.Add(1)
		go func(i int, k Kind) {
			defer wg.Done()
			reqs, err := e.ListPending(ctx, k)
			counts[i], errs[i] = countPending(reqs), err
		}(i, k)
	}
	wg.Wait()

	t := Totals{ByKind: make(map[Kind]int, len(kinds)), Failed: map[Kind]error{}}
	for i, k := range kinds {
		if errs[i] != nil {
			t.Failed[k] = errs[i]
			t.ByKind[k] = 0
			continue
		}
		t.ByKind[k] = counts[i]
		t.Total += counts[i]
	}
	if len(t.Failed) == len(kinds) {
		return t, errors.Join(errs...)
	}
	return t, nil
}

func countPending(reqs []Request) int {
	n := 0
	for _, r := range reqs {
		if r.Status == Pending {
			n++
		}
	}
	return n
}

func (e *Engine) confirmed(ctx context.Context, prompt string) (bool, error) {
	if e.confirm == nil {
		return false, nil
	}
	return e.confirm.Confirm(ctx, prompt)
}

func (e *Engine) record(ctx context.Context, kind, action string, target payload.ID, outcome Outcome, message string) {
	obs.WorkflowAction(kind, action, string(outcome))
	fields := map[string]any{
		"kind":    kind,
		"target":  target.String(),
		"outcome": string(outcome),
	}
	if message != "" {
		fields["message"] = message
	}
	if err := audit.LogEvent(ctx, "workflow."+action, fields); err != nil {
		obs.Logger().WithError(err).Warn("audit log failed")
	}
	obs.Logger().WithFields(logrus.Fields{
		"kind":    kind,
		"action":  action,
		"target":  target.String(),
		"outcome": outcome,
	}).Info("workflow action")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
