// Package dashboard assembles the role-specific views: it runs the access
// guard, fetches each collection into its own panel and derives the figures
// the views show.
package dashboard

import (
	"errors"
	"fmt"
	"time"

	"campus.org/internal/guard"
	"campus.org/internal/session"
	"campus.org/internal/temporal"
)

// ErrDenied is matched by every *DeniedError.
var ErrDenied = errors.New("view denied")

// DeniedError carries the guard decision that refused a view.
type DeniedError struct {
	View     guard.View
	Decision guard.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("view %s denied (%s), redirect to %s", e.View, e.Decision.Reason, e.Decision.RedirectTo)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// SessionSource yields the current session.
type SessionSource interface {
	Get() *session.Session
}

// Option configures a dashboard.
type Option func(*base)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.clock = now
		}
	}
}

// WithLocation sets the location for zone-less event dates and calendar
// months.
func WithLocation(loc *time.Location) Option {
	return func(b *base) {
		if loc != nil {
			b.events = temporal.New(temporal.EventFields, temporal.WithLocation(loc))
		}
	}
}

type base struct {
	sessions SessionSource
	clock    func() time.Time
	events   *temporal.Normalizer
}

func newBase(sessions SessionSource, opts []Option) base {
	b := base{
		sessions: sessions,
		clock:    time.Now,
		events:   temporal.New(temporal.EventFields),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// now reads the clock in the normalizer's location so calendar-month
// boundaries line up with zone-less dates.
func (b base) now() time.Time { return b.clock().In(b.events.Location()) }

// authorize runs the guard before any fetch.
func (b base) authorize(view guard.View) (*session.Session, error) {
	var sess *session.Session
	if b.sessions != nil {
		sess = b.sessions.Get()
	}
	d := guard.AuthorizeView(sess, view)
	if !d.Allow {
		return nil, &DeniedError{View: view, Decision: d}
	}
	return sess, nil
}

func errorsOf(named map[string]error) map[string]error {
	out := make(map[string]error)
	for k, err := range named {
		if err != nil {
			out[k] = err
		}
	}
	return out
}
