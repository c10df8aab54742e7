package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrForbidden    = errors.New("remote: forbidden")
	ErrNotFound     = errors.New("remote: not found")
	ErrConflict     = errors.New("remote: conflict")
)

// Error is a non-2xx response from the campus API.
type Error struct {
	Method    string
	Path      string
	Status    int
	Message   string
	RequestID string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

// Is maps status codes onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrConflict:
		return e.Status == http.StatusConflict
	}
	return false
}

// Message returns the server-provided message carried by err, or fallback
// when the server sent none.
func Message(err error, fallback string) string {
	var rerr *Error
	if errors.As(err, &rerr) && strings.TrimSpace(rerr.Message) != "" {
		return rerr.Message
	}
	return fallback
}
