// Package campus exposes the campus API endpoints used by this client as
// typed calls over the REST transport.
package campus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"campus.org/internal/payload"
	"campus.org/internal/remote"
	"campus.org/internal/session"
)

var (
	// ErrNoToken is returned when a login response carries no credential.
	ErrNoToken = errors.New("login response carried no token")
	// ErrMissingID is returned when an addressed call receives an empty id.
	ErrMissingID = errors.New("identifier is required")
)

var tokenFields = []payload.Accessor{payload.Key("token"), payload.Key("accessToken"), payload.Key("jwt")}

// Credentials are the login form values.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration is the sign-up form shared by students and academicians.
type Registration struct {
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Email         string `json:"email"`
	Password      string `json:"password"`
	StudentNumber string `json:"studentNumber,omitempty"`
	Department    string `json:"department,omitempty"`
	Title         string `json:"title,omitempty"`
}

// Doer is the subset of the REST transport used here.
type Doer interface {
	Do(ctx context.Context, method, path string, body, out any) error
	GetRecords(ctx context.Context, path string) ([]payload.Record, error)
}

// SessionWriter receives freshly issued credentials.
type SessionWriter interface {
	Set(ctx context.Context, token string) (*session.Session, error)
	Clear(ctx context.Context) error
}

// API is the typed campus client.
type API struct {
	rc       Doer
	sessions SessionWriter
}

// New wires the API over a transport and the session store.
func New(rc Doer, sessions SessionWriter) *API {
	return &API{rc: rc, sessions: sessions}
}

// Transport returns the underlying transport for callers that address
// endpoints from a dispatch table.
func (a *API) Transport() Doer { return a.rc }

// Login exchanges credentials for a token and establishes the session.
func (a *API) Login(ctx context.Context, creds Credentials) (*session.Session, error) {
	creds.Email = strings.TrimSpace(creds.Email)
	if creds.Email == "" || creds.Password == "" {
		return nil, errors.New("email and password are required")
	}
	var resp payload.Record
	if err := a.rc.Do(ctx, http.MethodPost, "/auth/login", creds, &resp); err != nil {
		return nil, err
	}
	token := payload.FirstString(resp, tokenFields...)
	if token == "" {
		return nil, ErrNoToken
	}
	if a.sessions == nil {
		return session.Decode(token)
	}
	return a.sessions.Set(ctx, token)
}

// Logout drops the local session. The API has no server-side logout.
func (a *API) Logout(ctx context.Context) error {
	if a.sessions == nil {
		return nil
	}
	return a.sessions.Clear(ctx)
}

// RegisterStudent signs up a student account.
func (a *API) RegisterStudent(ctx context.Context, reg Registration) error {
	return a.rc.Do(ctx, http.MethodPost, "/auth/register/student", reg, nil)
}

// RegisterAcademician signs up an academician; the account stays pending
// until an administrator approves it.
func (a *API) RegisterAcademician(ctx context.Context, reg Registration) error {
	return a.rc.Do(ctx, http.MethodPost, "/auth/register/academician", reg, nil)
}

func (a *API) Clubs(ctx context.Context) ([]payload.Record, error) {
	return a.rc.GetRecords(ctx, "/clubs")
}

func (a *API) ActiveClubs(ctx context.Context) ([]payload.Record, error) {
	return a.rc.GetRecords(ctx, "/admin/clubs/active")
}

func (a *API) MyMemberships(ctx context.Context) ([]payload.Record, error) {
	return a.rc.GetRecords(ctx, "/clubs/my-memberships")
}

func (a *API) MyManagedClubs(ctx context.Context) ([]payload.Record, error) {
	return a.rc.GetRecords(ctx, "/clubs/my-managed-clubs")
}

func (a *API) MyMembershipRequests(ctx context.Context) ([]payload.Record, error) {
	return a.rc.GetRecords(ctx, "/clubs/my-membership-requests")
}

// RequestMembership files a membership request for the club.
func (a *API) RequestMembership(ctx context.Context, clubID payload.ID) error {
	p, err := Path("/clubs/%s/membership-requests", clubID)
	if err != nil {
		return err
	}
	return a.rc.Do(ctx, http.MethodPost, p, nil, nil)
}

// WithdrawMembershipRequest cancels an outstanding membership request.
func (a *API) WithdrawMembershipRequest(ctx context.Context, clubID payload.ID) error {
	p, err := Path("/clubs/%s/membership-requests", clubID)
	if err != nil {
		return err
	}
	return a.rc.Do(ctx, http.MethodDelete, p, nil, nil)
}

func (a *API) BoardMembers(ctx context.Context, clubID payload.ID) ([]payload.Record, error) {
	p, err := Path("/clubs/%s/board-members", clubID)
	if err != nil {
		return nil, err
	}
	return a.rc.GetRecords(ctx, p)
}

func (a *API) Events(ctx context.Context) ([]payload.Record, error) {
	return a.rc.GetRecords(ctx, "/events")
}

func (a *API) MyRegistrations(ctx context.Context) ([]payload.Record, error) {
	return a.rc.GetRecords(ctx, "/events/my-registrations")
}

// MyEvents lists the events managed by the current club official.
func (a *API) MyEvents(ctx context.Context) ([]payload.Record, error) {
	return a.rc.GetRecords(ctx, "/events/manage/my-events")
}

// RegisterForEvent records participation in an event.
func (a *API) RegisterForEvent(ctx context.Context, eventID payload.ID) error {
	p, err := Path("/events/%s/registrations", eventID)
	if err != nil {
		return err
	}
	return a.rc.Do(ctx, http.MethodPost, p, nil, nil)
}

// PendingMembershipRequestCount returns how many membership requests of
// the club await a decision. The API answers {"count": n} or a bare number.
func (a *API) PendingMembershipRequestCount(ctx context.Context, clubID payload.ID) (int, error) {
	p, err := Path("/clubs/%s/membership-requests/pending/count", clubID)
	if err != nil {
		return 0, err
	}
	var raw json.RawMessage
	if err := a.rc.Do(ctx, http.MethodGet, p, nil, &raw); err != nil {
		return 0, err
	}
	return countOf(raw)
}

// EventRegistrations lists who registered for an event the official manages.
func (a *API) EventRegistrations(ctx context.Context, eventID payload.ID) ([]payload.Record, error) {
	p, err := Path("/events/manage/%s/registrations", eventID)
	if err != nil {
		return nil, err
	}
	return a.rc.GetRecords(ctx, p)
}

func (a *API) Users(ctx context.Context) ([]payload.Record, error) {
	return a.rc.GetRecords(ctx, "/admin/users")
}

// Path fills a single-identifier endpoint template, escaping the id.
func Path(template string, id payload.ID) (string, error) {
	if id.Empty() {
		return "", ErrMissingID
	}
	return fmt.Sprintf(template, url.PathEscape(strings.TrimSpace(id.String()))), nil
}

func countOf(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n), nil
	}
	var rec payload.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, fmt.Errorf("decode count: %w", err)
	}
	v, ok := payload.First(rec, payload.Key("count"))
	if !ok {
		return 0, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("decode count: unexpected %T", v)
	}
	return int(f), nil
}

var _ Doer = (*remote.Client)(nil)
