// Package reconcile prevents duplicate requests by subtracting confirmed
// and outstanding identifiers from a candidate collection.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"campus.org/internal/payload"
)

// ErrNotEligible is returned when a request is filed for a candidate that is
// already confirmed, outstanding or in flight.
var ErrNotEligible = errors.New("candidate not eligible")

var (
	// MembershipIDs reads the club id of a membership or membership request.
	MembershipIDs = []payload.Accessor{payload.Key("clubId"), payload.Path("club", "id"), payload.Key("id")}
	// RegistrationIDs reads the event id of a registration.
	RegistrationIDs = []payload.Accessor{payload.Key("eventId"), payload.Path("event", "id"), payload.Key("id")}
	// RecordIDs reads a candidate's own id.
	RecordIDs = []payload.Accessor{payload.Key("id")}
)

// Eligible returns the candidates whose id is in neither confirmed nor
// outstanding. Empty ids never match. A candidate without an id is dropped
// rather than kept as the plain set difference would, since no request can
// address it.
func Eligible[T any](candidates []T, idOf func(T) payload.ID, confirmed, outstanding []payload.ID) []T {
	excluded := make(map[payload.ID]struct{}, len(confirmed)+len(outstanding))
	for _, set := range [][]payload.ID{confirmed, outstanding} {
		for _, id := range set {
			if !id.Empty() {
				excluded[id] = struct{}{}
			}
		}
	}
	out := make([]T, 0, len(candidates))
	for _, c := range candidates {
		id := idOf(c)
		// Unaddressable, so never eligible.
		if id.Empty() {
			continue
		}
		if _, ok := excluded[id]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Func files or cancels a request for one candidate.
type Func func(ctx context.Context, id payload.ID) error

// Config wires a Triad.
type Config struct {
	CandidateID   []payload.Accessor
	ConfirmedID   []payload.Accessor
	OutstandingID []payload.Accessor
	Submit        Func
	Withdraw      Func
}

// Triad holds the three independently fetched collections of one view.
//
// Confirmed and outstanding start unknown and become unknown again when
// their fetch fails. While either is unknown nothing is eligible, so a
// failed load can never let a duplicate request through.
//
// A successful Submit is reflected immediately through an optimistic
// overlay, before the outstanding collection is fetched again. This is
// deliberately the opposite of the approval workflow, which never updates
// locally and always re-fetches after a mutation.
type Triad struct {
	cfg Config

	mu          sync.Mutex
	candidates  []payload.Record
	confirmed   []payload.ID
	outstanding []payload.ID
	// set once the matching fetch succeeded
	confirmedKnown   bool
	outstandingKnown bool
	overlay          map[payload.ID]struct{}
	inflight         map[payload.ID]struct{}
}

// NewTriad creates an empty triad.
func NewTriad(cfg Config) *Triad {
	if len(cfg.CandidateID) == 0 {
		cfg.CandidateID = RecordIDs
	}
	return &Triad{
		cfg:      cfg,
		overlay:  make(map[payload.ID]struct{}),
		inflight: make(map[payload.ID]struct{}),
	}
}

// SetCandidates replaces the candidate collection.
func (t *Triad) SetCandidates(recs []payload.Record) {
	t.mu.Lock()
	t.candidates = recs
	t.mu.Unlock()
}

// SetConfirmed replaces the confirmed collection with the result of its
// fetch. A non-nil err marks it unknown.
func (t *Triad) SetConfirmed(recs []payload.Record, err error) {
	var ids []payload.ID
	if err == nil {
		ids = payload.IDs(recs, t.cfg.ConfirmedID...)
	}
	t.mu.Lock()
	t.confirmed, t.confirmedKnown = ids, err == nil
	t.mu.Unlock()
}

// SetOutstanding replaces the outstanding collection with the result of its
// fetch. A non-nil err marks it unknown.
func (t *Triad) SetOutstanding(recs []payload.Record, err error) {
	var ids []payload.ID
	if err == nil {
		ids = payload.IDs(recs, t.cfg.OutstandingID...)
	}
	t.mu.Lock()
	t.outstanding, t.outstandingKnown = ids, err == nil
	t.mu.Unlock()
}

// Known reports whether both confirmed and outstanding were loaded.
func (t *Triad) Known() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.knownLocked()
}

func (t *Triad) knownLocked() bool { return t.confirmedKnown && t.outstandingKnown }

// Eligible recomputes the eligible candidates from the current inputs. It
// is empty while an input is unknown.
func (t *Triad) Eligible() []payload.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eligibleLocked()
}

func (t *Triad) eligibleLocked() []payload.Record {
	if !t.knownLocked() {
		return []payload.Record{}
	}
	return Eligible(t.candidates, t.candidateID, t.confirmed, t.pendingLocked())
}

// Outstanding returns the outstanding ids including this view's overlay.
func (t *Triad) Outstanding() []payload.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingLocked()
}

// Submit files a request for id and, on success, treats it as outstanding
// at once.
func (t *Triad) Submit(ctx context.Context, id payload.ID) error {
	if t.cfg.Submit == nil {
		return errors.New("no submit function configured")
	}
	if err := t.begin(id); err != nil {
		return err
	}
	err := t.cfg.Submit(ctx, id)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
	if err != nil {
		return err
	}
	t.overlay[id] = struct{}{}
	return nil
}

// Withdraw cancels an outstanding request for id.
func (t *Triad) Withdraw(ctx context.Context, id payload.ID) error {
	if t.cfg.Withdraw == nil {
		return errors.New("no withdraw function configured")
	}
	if id.Empty() {
		return fmt.Errorf("%w: empty id", ErrNotEligible)
	}
	if err := t.cfg.Withdraw(ctx, id); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.overlay, id)
	kept := t.outstanding[:0:0]
	for _, o := range t.outstanding {
		if o != id {
			kept = append(kept, o)
		}
	}
	t.outstanding = kept
	return nil
}

func (t *Triad) begin(id payload.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id.Empty() {
		return fmt.Errorf("%w: empty id", ErrNotEligible)
	}
	if !t.knownLocked() {
		return fmt.Errorf("%w: %s: existing requests not loaded", ErrNotEligible, id)
	}
	if _, ok := t.inflight[id]; ok {
		return fmt.Errorf("%w: %s already in flight", ErrNotEligible, id)
	}
	for _, c := range t.eligibleLocked() {
		if t.candidateID(c) == id {
			t.inflight[id] = struct{}{}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotEligible, id)
}

func (t *Triad) pendingLocked() []payload.ID {
	out := make([]payload.ID, 0, len(t.outstanding)+len(t.overlay))
	out = append(out, t.outstanding...)
	for id := range t.overlay {
		out = append(out, id)
	}
	return out
}

func (t *Triad) candidateID(rec payload.Record) payload.ID {
	return payload.FirstID(rec, t.cfg.CandidateID...)
}
