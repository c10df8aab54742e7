package session

import (
	"context"

	"campus.org/internal/payload"
)

type sessionContextKey struct{}

// ContextWithSession attaches the current session to the context.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// FromContext extracts the session attached by ContextWithSession.
func FromContext(ctx context.Context) (*Session, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(sessionContextKey{}).(*Session)
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}

// UserIDFromContext returns the acting user's identifier, falling back to
// the subject when the credential carries no numeric id.
func UserIDFromContext(ctx context.Context) (payload.ID, bool) {
	s, ok := FromContext(ctx)
	if !ok {
		return "", false
	}
	if !s.UserID.Empty() {
		return s.UserID, true
	}
	if s.Subject != "" {
		return payload.ID(s.Subject), true
	}
	return "", false
}
