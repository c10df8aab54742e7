package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"campus.org/internal/obs"
	"campus.org/internal/payload"
)

// ErrNoCredential is returned by a CredentialStore holding nothing.
var ErrNoCredential = errors.New("no persisted credential")

// Credential is the persisted form of a session. Only Token is
// authoritative; the other fields are a cache for fast initial paint and are
// rewritten from a fresh decode whenever the session is restored.
type Credential struct {
	Token       string
	Subject     string
	UserID      payload.ID
	PrimaryRole string
	SavedAt     time.Time
}

// CredentialStore persists the bearer credential.
type CredentialStore interface {
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, cred Credential) error
	Clear(ctx context.Context) error
}

// EventKind describes a session change.
type EventKind int

const (
	// Established: a session was derived at login or restore.
	Established EventKind = iota + 1
	// Cleared: the user logged out.
	Cleared
	// Invalidated: the server rejected the credential.
	Invalidated
)

func (k EventKind) String() string {
	switch k {
	case Established:
		return "established"
	case Cleared:
		return "cleared"
	case Invalidated:
		return "invalidated"
	}
	return "unknown"
}

// Event is delivered to subscribers after every change.
type Event struct {
	Kind    EventKind
	Session *Session
	Reason  string
}

// Store owns the single current session. Every mutation (login, logout,
// 401 invalidation) goes through one write path.
type Store struct {
	decoder *Decoder
	persist CredentialStore
	now     func() time.Time

	mu      sync.RWMutex
	current *Session
	subs    map[int]func(Event)
	nextSub int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDecoder overrides the default unverified decoder.
func WithDecoder(d *Decoder) StoreOption {
	return func(s *Store) {
		if d != nil {
			s.decoder = d
		}
	}
}

// WithClock overrides time.Now for persisted timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs a Store persisting through cs.
func NewStore(cs CredentialStore, opts ...StoreOption) (*Store, error) {
	if cs == nil {
		return nil, errors.New("credential store is required")
	}
	s := &Store{
		decoder: defaultDecoder,
		persist: cs,
		now:     time.Now,
		subs:    make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns the current session or nil when unauthenticated.
func (s *Store) Get() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Token returns the current bearer credential, or "" when unauthenticated.
func (s *Store) Token() string {
	if sess := s.Get(); sess != nil {
		return sess.Token
	}
	return ""
}

// Subscribe registers fn for session changes and returns its cancel func.
func (s *Store) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Restore re-derives the session from the persisted credential. An
// undecodable credential is cleared and leaves the store unauthenticated.
func (s *Store) Restore(ctx context.Context) (*Session, error) {
	cred, err := s.persist.Load(ctx)
	if errors.Is(err, ErrNoCredential) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	sess, err := s.decoder.Decode(cred.Token)
	if err != nil {
		obs.Logger().WithError(err).Warn("persisted credential rejected")
		if werr := s.write(ctx, nil, Cleared, "persisted credential rejected"); werr != nil {
			return nil, werr
		}
		return nil, nil
	}
	if err := s.write(ctx, sess, Established, "restored"); err != nil {
		return nil, err
	}
	return sess, nil
}

// Set derives a session from a freshly issued credential. A credential that
// fails to decode clears the store.
func (s *Store) Set(ctx context.Context, token string) (*Session, error) {
	sess, err := s.decoder.Decode(token)
	if err != nil {
		if werr := s.write(ctx, nil, Cleared, "credential rejected"); werr != nil {
			return nil, werr
		}
		return nil, err
	}
	if err := s.write(ctx, sess, Established, "login"); err != nil {
		return nil, err
	}
	return sess, nil
}

// Clear logs out. Clearing an empty store is a no-op.
func (s *Store) Clear(ctx context.Context) error {
	return s.write(ctx, nil, Cleared, "logout")
}

// Invalidate drops the session after the server rejected the credential.
// It is idempotent so concurrent 401s clear once.
func (s *Store) Invalidate(ctx context.Context, reason string) error {
	return s.write(ctx, nil, Invalidated, reason)
}

func (s *Store) write(ctx context.Context, sess *Session, kind EventKind, reason string) error {
	s.mu.Lock()
	if sess == nil {
		had := s.current != nil
		if err := s.persist.Clear(ctx); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("clear credential: %w", err)
		}
		s.current = nil
		subs := s.snapshotSubs()
		s.mu.Unlock()
		if !had {
			return nil
		}
		if kind == Invalidated {
			obs.SessionInvalidated()
		}
		obs.Logger().WithFields(logrus.Fields{"event": kind.String(), "reason": reason}).Info("session ended")
		notify(subs, Event{Kind: kind, Reason: reason})
		return nil
	}

	cred := Credential{
		Token:       sess.Token,
		Subject:     sess.Subject,
		UserID:      sess.UserID,
		PrimaryRole: sess.PrimaryRole(),
		SavedAt:     s.now().UTC(),
	}
	if err := s.persist.Save(ctx, cred); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("save credential: %w", err)
	}
	s.current = sess
	subs := s.snapshotSubs()
	s.mu.Unlock()

	obs.Logger().WithFields(logrus.Fields{
		"event":   kind.String(),
		"subject": sess.Subject,
		"roles":   sess.Roles,
	}).Info("session established")
	notify(subs, Event{Kind: kind, Session: sess, Reason: reason})
	return nil
}

func (s *Store) snapshotSubs() []func(Event) {
	out := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
