package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"campus.org/internal/payload"
	"campus.org/internal/remote"
	"campus.org/internal/workflow"
)

// fakeCampus serves the admin queues from memory.
type fakeCampus struct {
	mu        sync.Mutex
	queues    map[string][]map[string]any
	mutations []string
	fail      map[string]int
}

func newFakeCampus() *fakeCampus {
	return &fakeCampus{
		queues: map[string][]map[string]any{
			"/api/auth/admin/requests/academicians": {
				{"id": 100, "userId": 7, "name": "Dr. A", "requestDate": "2025-11-02T09:30:00"},
				{"id": 101, "userId": 8, "name": "Dr. B"},
			},
			"/api/auth/admin/pending/club-official": {{"userId": 21}},
			"/api/admin/clubs/request":              {{"id": 3, "name": "Chess"}, {"id": 4}, {"id": 5, "status": "APPROVED"}},
			"/api/events/manage/pending":            {},
			"/api/admin/users":                      {{"id": "u-1", "status": "ACTIVE"}, {"id": "u-2", "status": "ACTIVE"}, {"id": "u-3"}},
			"/api/admin/clubs/active":               {{"id": 42}, {"id": 43}},
			"/api/clubs/5/membership-requests/pending": {
				{"id": 70, "userId": 11, "status": "PENDING"},
				{"id": 71, "userId": 12, "status": "PENDING"},
			},
		},
		fail: map[string]int{},
	}
}

func (f *fakeCampus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code, ok := f.fail[r.URL.Path]; ok {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"message":"Service unavailable"}`))
		return
	}
	if r.Method == http.MethodGet {
		q, ok := f.queues[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(q)
		return
	}
	f.mutations = append(f.mutations, r.Method+" "+r.URL.Path)
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/auth/admin/approve-academician/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/auth/admin/approve-academician/")
		key := "/api/auth/admin/requests/academicians"
		if !f.remove(key, "userId", id) {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"Request already processed"}`))
			return
		}
	case strings.HasPrefix(r.URL.Path, "/api/clubs/"):
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/clubs/"), "/")
		if len(parts) != 4 || !f.remove("/api/clubs/"+parts[0]+"/membership-requests/pending", "id", parts[2]) {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"Membership request already decided"}`))
			return
		}
	case strings.HasPrefix(r.URL.Path, "/api/admin/clubs/requests/"):
		id := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/admin/clubs/requests/"), "/")[0]
		f.remove("/api/admin/clubs/request", "id", id)
	case strings.HasPrefix(r.URL.Path, "/api/admin/clubs/"):
		f.remove("/api/admin/clubs/active", "id", strings.TrimPrefix(r.URL.Path, "/api/admin/clubs/"))
	case strings.HasPrefix(r.URL.Path, "/api/events/manage/"):
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeCampus) remove(queue, field, id string) bool {
	items := f.queues[queue]
	for i, it := range items {
		if payload.IDOf(it[field]).String() == id {
			f.queues[queue] = append(items[:i:i], items[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeCampus) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mutations)
}

func newEngine(t *testing.T, fake *fakeCampus, c workflow.Confirmer) *workflow.Engine {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	rc, err := remote.New(srv.URL + "/api")
	if err != nil {
		t.Fatalf("remote: %v", err)
	}
	return workflow.New(rc, workflow.WithConfirmer(c))
}

func targets(reqs []workflow.Request) []payload.ID {
	out := make([]payload.ID, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Target)
	}
	return out
}

func contains(ids []payload.ID, id payload.ID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestListPendingAddressesBySubject(t *testing.T) {
	e := newEngine(t, newFakeCampus(), workflow.AlwaysConfirm)
	reqs, err := e.ListPending(context.Background(), workflow.KindAcademician)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	first := reqs[0]
	if first.ID != "100" || first.Target != "7" || first.SubjectRef != "7" {
		t.Fatalf("unexpected addressing %+v", first)
	}
	if first.Status != workflow.Pending {
		t.Fatalf("expected pending, got %s", first.Status)
	}
	if first.SubmittedAt == nil {
		t.Fatalf("expected submitted instant")
	}
	if reqs[1].SubmittedAt != nil {
		t.Fatalf("missing requestDate must stay unknown")
	}
}

func TestListPendingAddressesByRecord(t *testing.T) {
	e := newEngine(t, newFakeCampus(), workflow.AlwaysConfirm)
	reqs, err := e.ListPending(context.Background(), workflow.KindClubCreation)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := targets(reqs); len(got) != 3 || got[0] != "3" || got[1] != "4" {
		t.Fatalf("unexpected targets %v", got)
	}
}

func TestApproveRefetchesQueue(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, workflow.AlwaysConfirm)

	res, err := e.Approve(context.Background(), workflow.KindAcademician, "7")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Outcome != workflow.Succeeded {
		t.Fatalf("expected success, got %s", res.Outcome)
	}
	if res.RefetchErr != nil {
		t.Fatalf("refetch: %v", res.RefetchErr)
	}
	if got := targets(res.Pending); contains(got, "7") || !contains(got, "8") {
		t.Fatalf("expected 7 gone and 8 kept, got %v", got)
	}
}

func TestSecondApproveIsRejectedByServer(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, workflow.AlwaysConfirm)
	ctx := context.Background()

	if _, err := e.Approve(ctx, workflow.KindAcademician, "7"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	res, err := e.Approve(ctx, workflow.KindAcademician, "7")
	if !errors.Is(err, remote.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if res.Outcome != workflow.Failed || res.Message != "Request already processed" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Pending != nil {
		t.Fatalf("failed mutation must not re-fetch")
	}
	after, err := e.ListPending(ctx, workflow.KindAcademician)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(after) != 1 || after[0].Target != "8" {
		t.Fatalf("queue changed by failed approve: %v", targets(after))
	}
}

func TestDeclinedConfirmationDispatchesNothing(t *testing.T) {
	fake := newFakeCampus()
	var prompts []string
	decline := workflow.ConfirmFunc(func(_ context.Context, prompt string) (bool, error) {
		prompts = append(prompts, prompt)
		return false, nil
	})
	e := newEngine(t, fake, decline)

	res, err := e.Reject(context.Background(), workflow.KindClubCreation, "3")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Outcome != workflow.Declined {
		t.Fatalf("expected declined, got %s", res.Outcome)
	}
	if fake.mutationCount() != 0 {
		t.Fatalf("declined confirmation dispatched a mutation")
	}
	if len(prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(prompts))
	}
}

func TestNoConfirmerDeclines(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, nil)
	res, err := e.Approve(context.Background(), workflow.KindClubCreation, "3")
	if err != nil || res.Outcome != workflow.Declined {
		t.Fatalf("expected declined, got %+v %v", res, err)
	}
}

func TestFailureWithoutMessageUsesFallback(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, workflow.AlwaysConfirm)
	res, err := e.Approve(context.Background(), workflow.KindEvent, "9")
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Message != workflow.FallbackMessage {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestAccountApproveUnsupported(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, workflow.AlwaysConfirm)
	_, err := e.Approve(context.Background(), workflow.KindAccount, "u-1")
	if !errors.Is(err, workflow.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if fake.mutationCount() != 0 {
		t.Fatalf("unsupported transition reached the server")
	}
}

func TestAccountRejectDeletesUser(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, workflow.AlwaysConfirm)
	if _, err := e.Reject(context.Background(), workflow.KindAccount, "u-2"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if fake.mutations[0] != "DELETE /api/admin/users/u-2" {
		t.Fatalf("unexpected mutation %v", fake.mutations)
	}
}

func TestUnknownKindAndMissingTarget(t *testing.T) {
	e := newEngine(t, newFakeCampus(), workflow.AlwaysConfirm)
	ctx := context.Background()
	if _, err := e.Approve(ctx, workflow.Kind("course"), "1"); !errors.Is(err, workflow.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := e.Approve(ctx, workflow.KindEvent, ""); !errors.Is(err, workflow.ErrMissingTarget) {
		t.Fatalf("expected ErrMissingTarget, got %v", err)
	}
	if _, err := e.ListPending(ctx, workflow.Kind("")); !errors.Is(err, workflow.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestApplyRefusesDecidedRequest(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, workflow.AlwaysConfirm)
	req := workflow.Request{Kind: workflow.KindClubCreation, Target: "3", Status: workflow.Approved}
	if _, err := e.Apply(context.Background(), req, workflow.Reject); !errors.Is(err, workflow.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if fake.mutationCount() != 0 {
		t.Fatalf("terminal request reached the server")
	}
}

func TestCloseClubIsSeparateFromCreationReject(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, workflow.AlwaysConfirm)
	res, err := e.CloseClub(context.Background(), "42")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if fake.mutations[0] != "DELETE /api/admin/clubs/42" {
		t.Fatalf("unexpected mutation %v", fake.mutations)
	}
	if res.Outcome != workflow.Succeeded || len(res.Active) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	reqs, _ := e.ListPending(context.Background(), workflow.KindClubCreation)
	if len(reqs) != 3 {
		t.Fatalf("closing a club must not touch creation requests")
	}
}

func TestPendingTotalIsolatesFailures(t *testing.T) {
	fake := newFakeCampus()
	fake.fail["/api/auth/admin/pending/club-official"] = http.StatusInternalServerError
	e := newEngine(t, fake, workflow.AlwaysConfirm)

	totals, err := e.PendingTotal(context.Background())
	if err != nil {
		t.Fatalf("pending total: %v", err)
	}
	// 2 academicians + 2 undecided club requests + 0 events; accounts are not a queue.
	if totals.Total != 4 {
		t.Fatalf("expected 4, got %d (%v)", totals.Total, totals.ByKind)
	}
	if _, ok := totals.ByKind[workflow.KindAccount]; ok {
		t.Fatalf("account directory counted as a queue: %v", totals.ByKind)
	}
	if totals.ByKind[workflow.KindClubCreation] != 2 {
		t.Fatalf("decided club request counted as pending: %v", totals.ByKind)
	}
	if _, ok := totals.Failed[workflow.KindClubOfficer]; !ok || len(totals.Failed) != 1 {
		t.Fatalf("expected club-officer failure only, got %v", totals.Failed)
	}
}

func TestPendingTotalAllFailed(t *testing.T) {
	fake := newFakeCampus()
	for path := range fake.queues {
		fake.fail[path] = http.StatusBadGateway
	}
	e := newEngine(t, fake, workflow.AlwaysConfirm)
	totals, err := e.PendingTotal(context.Background())
	if err == nil {
		t.Fatalf("expected error when every queue failed")
	}
	if totals.Total != 0 {
		t.Fatalf("expected zero total, got %d", totals.Total)
	}
}

func TestApplyRemovesActiveAccount(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, workflow.AlwaysConfirm)
	ctx := context.Background()

	users, err := e.ListPending(ctx, workflow.KindAccount)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if users[0].Status != workflow.Approved {
		t.Fatalf("expected active user, got %s", users[0].Status)
	}
	res, err := e.Apply(ctx, users[0], workflow.Reject)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Outcome != workflow.Succeeded || fake.mutations[0] != "DELETE /api/admin/users/u-1" {
		t.Fatalf("unexpected result %+v %v", res, fake.mutations)
	}
}

func TestDecideMembershipRefetchesClubQueue(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, workflow.AlwaysConfirm)
	ctx := context.Background()

	reqs, err := e.ListMembershipRequests(ctx, "5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := targets(reqs); len(got) != 2 || got[0] != "70" || reqs[0].SubjectRef != "11" {
		t.Fatalf("unexpected queue %+v", reqs)
	}

	res, err := e.DecideMembership(ctx, "5", "70", workflow.Approve)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Outcome != workflow.Succeeded || fake.mutations[0] != "PUT /api/clubs/5/membership-requests/70/approve" {
		t.Fatalf("unexpected result %+v %v", res, fake.mutations)
	}
	if got := targets(res.Pending); len(got) != 1 || got[0] != "71" {
		t.Fatalf("expected only 71 left, got %v", got)
	}

	res, err = e.DecideMembership(ctx, "5", "70", workflow.Reject)
	if !errors.Is(err, remote.ErrConflict) || res.Message != "Membership request already decided" {
		t.Fatalf("expected server conflict message, got %+v %v", res, err)
	}
	if res.Pending != nil {
		t.Fatalf("failed decision must not re-fetch")
	}
}

func TestDecideMembershipDeclinedAndMissingIDs(t *testing.T) {
	fake := newFakeCampus()
	e := newEngine(t, fake, nil)
	ctx := context.Background()

	res, err := e.DecideMembership(ctx, "5", "70", workflow.Reject)
	if err != nil || res.Outcome != workflow.Declined {
		t.Fatalf("expected declined, got %+v %v", res, err)
	}
	if _, err := e.DecideMembership(ctx, "", "70", workflow.Approve); !errors.Is(err, workflow.ErrMissingTarget) {
		t.Fatalf("expected ErrMissingTarget, got %v", err)
	}
	if _, err := e.ListMembershipRequests(ctx, ""); !errors.Is(err, workflow.ErrMissingTarget) {
		t.Fatalf("expected ErrMissingTarget, got %v", err)
	}
	if fake.mutationCount() != 0 {
		t.Fatalf("declined decision reached the server: %v", fake.mutations)
	}
}
