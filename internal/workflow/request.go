package workflow

import (
	"errors"
	"strings"
	"time"

	"campus.org/internal/payload"
	"campus.org/internal/temporal"
)

var (
	ErrUnknownKind   = errors.New("unknown request kind")
	ErrUnsupported   = errors.New("transition not supported for kind")
	ErrTerminal      = errors.New("request already decided")
	ErrMissingTarget = errors.New("request target is required")
)

// Action is an administrative transition.
type Action string

const (
	Approve Action = "approve"
	Reject  Action = "reject"
)

// Status is a request's lifecycle state.
type Status string

const (
	Pending  Status = "pending"
	Approved Status = "approved"
	Rejected Status = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == Approved || s == Rejected }

// Transition applies action to a request in state from. Approved and
// rejected are terminal.
func Transition(from Status, action Action) (Status, error) {
	if from.Terminal() {
		return from, ErrTerminal
	}
	switch action {
	case Approve:
		return Approved, nil
	case Reject:
		return Rejected, nil
	}
	return from, ErrUnsupported
}

// ParseStatus maps server status labels onto the lifecycle. Unrecognized
// labels are pending.
func ParseStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVED", "ACTIVE", "ACCEPTED":
		return Approved
	case "REJECTED", "DECLINED", "CANCELLED":
		return Rejected
	}
	return Pending
}

// Request is one item of a pending queue.
type Request struct {
	ID          payload.ID
	Kind        Kind
	SubjectRef  payload.ID
	Target      payload.ID
	Status      Status
	SubmittedAt *time.Time
	Payload     payload.Record
}

// FromRecord builds a Request from a listing item. Target is the id the
// kind's mutation endpoints are addressed by.
func FromRecord(kind Kind, rec payload.Record, n *temporal.Normalizer) Request {
	req := Request{
		ID:         payload.FirstID(rec, recordIDFields...),
		Kind:       kind,
		SubjectRef: payload.FirstID(rec, subjectIDFields...),
		Status:     ParseStatus(payload.FirstString(rec, payload.Key("status"))),
		Payload:    rec,
	}
	if r, ok := routes[kind]; ok && r.by == bySubject {
		req.Target = req.SubjectRef
	} else {
		req.Target = req.ID
	}
	if n != nil {
		if t, ok := n.Normalize(rec); ok {
			req.SubmittedAt = &t
		}
	}
	return req
}
