package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

type fakeAPI struct {
	mu       sync.Mutex
	token    string
	requests []map[string]any
	calls    []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "admin@uni.edu",
		"roles":  []string{"ROLE_ADMIN", "ROLE_CLUB_OFFICIAL"},
		"userId": 1,
	}).SignedString([]byte("server-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &fakeAPI{
		token:    tok,
		requests: []map[string]any{{"id": 3, "name": "Chess"}, {"id": 4, "name": "Drama"}},
	}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	switch {
	case r.URL.Path == "/api/auth/login":
		_ = json.NewEncoder(w).Encode(map[string]string{"token": f.token})
	case r.Header.Get("Authorization") != "Bearer "+f.token:
		w.WriteHeader(http.StatusUnauthorized)
	case r.Method == http.MethodGet && r.URL.Path == "/api/admin/clubs/request":
		_ = json.NewEncoder(w).Encode(f.requests)
	case r.Method == http.MethodPost && r.URL.Path == "/api/admin/clubs/requests/3/approve":
		f.requests = f.requests[1:]
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && r.URL.Path == "/api/clubs/5/membership-requests/70/approve":
		w.WriteHeader(http.StatusOK)
	default:
		_, _ = w.Write([]byte(`[]`))
	}
}

func (f *fakeAPI) mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if !strings.HasPrefix(c, http.MethodGet) && !strings.HasSuffix(c, "/auth/login") {
			out = append(out, c)
		}
	}
	return out
}

func setupEnv(t *testing.T) *fakeAPI {
	t.Helper()
	fake := newFakeAPI(t)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	t.Chdir(t.TempDir())
	t.Setenv("CAMPUS_API_BASE_URL", srv.URL+"/api")
	t.Setenv("CAMPUS_SESSION_DRIVER", "sqlite")
	t.Setenv("CAMPUS_SESSION_DSN", filepath.Join(t.TempDir(), "session.db"))
	t.Setenv("CAMPUS_LOG_LEVEL", "error")
	return fake
}

func execute(t *testing.T, stdin string, args ...string) (string, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &out, &errOut)
	return out.String(), errOut.String(), code
}

func TestLoginPersistsAcrossInvocations(t *testing.T) {
	setupEnv(t)

	out, errOut, code := execute(t, "", "login", "--email", "admin@uni.edu", "--password", "pw")
	if code != 0 {
		t.Fatalf("login failed: %s", errOut)
	}
	if !strings.Contains(out, "logged in as admin@uni.edu") {
		t.Fatalf("unexpected login output %q", out)
	}

	out, _, code = execute(t, "", "whoami")
	if code != 0 || !strings.Contains(out, "role_admin") || !strings.Contains(out, "admin") {
		t.Fatalf("unexpected whoami output %q", out)
	}

	if _, _, code = execute(t, "", "logout"); code != 0 {
		t.Fatalf("logout failed")
	}
	out, _, _ = execute(t, "", "whoami")
	if !strings.Contains(out, "not logged in") {
		t.Fatalf("expected logged out, got %q", out)
	}
}

func TestApproveWithConfirmation(t *testing.T) {
	fake := setupEnv(t)
	if _, errOut, code := execute(t, "", "login", "-e", "admin@uni.edu", "-p", "pw"); code != 0 {
		t.Fatalf("login failed: %s", errOut)
	}

	out, _, code := execute(t, "n\n", "approve", "club-creation", "3")
	if code != 0 || !strings.Contains(out, "cancelled") {
		t.Fatalf("expected cancelled, got %q", out)
	}
	if len(fake.mutations()) != 0 {
		t.Fatalf("declined approve dispatched %v", fake.mutations())
	}

	out, errOut, code := execute(t, "y\n", "approve", "club-creation", "3")
	if code != 0 {
		t.Fatalf("approve failed: %s", errOut)
	}
	if !strings.Contains(out, "1 club-creation request(s) still pending") {
		t.Fatalf("unexpected approve output %q", out)
	}
	if got := fake.mutations(); len(got) != 1 || got[0] != "POST /api/admin/clubs/requests/3/approve" {
		t.Fatalf("unexpected mutations %v", got)
	}
}

func TestMembersApprove(t *testing.T) {
	fake := setupEnv(t)
	if _, errOut, code := execute(t, "", "login", "-e", "admin@uni.edu", "-p", "pw"); code != 0 {
		t.Fatalf("login failed: %s", errOut)
	}
	out, errOut, code := execute(t, "y\n", "members", "approve", "5", "70")
	if code != 0 {
		t.Fatalf("members approve failed: %s", errOut)
	}
	if !strings.Contains(out, "approve membership request 70: done") || !strings.Contains(out, "0 membership request(s) still pending") {
		t.Fatalf("unexpected output %q", out)
	}
	if got := fake.mutations(); len(got) != 1 || got[0] != "PUT /api/clubs/5/membership-requests/70/approve" {
		t.Fatalf("unexpected mutations %v", got)
	}
}

func TestAdminCommandsRequireLogin(t *testing.T) {
	setupEnv(t)
	_, errOut, code := execute(t, "", "pending")
	if code == 0 {
		t.Fatalf("expected failure without session")
	}
	if !strings.Contains(errOut, "/login") {
		t.Fatalf("expected redirect to login, got %q", errOut)
	}
}

func TestUnknownKind(t *testing.T) {
	setupEnv(t)
	if _, errOut, code := execute(t, "", "login", "-e", "admin@uni.edu", "-p", "pw"); code != 0 {
		t.Fatalf("login failed: %s", errOut)
	}
	_, errOut, code := execute(t, "", "approve", "course", "1", "--yes")
	if code == 0 || !strings.Contains(errOut, "unknown request kind") {
		t.Fatalf("expected unknown kind error, got %q", errOut)
	}
}

func TestMetricsExport(t *testing.T) {
	setupEnv(t)
	path := filepath.Join(t.TempDir(), "campus.prom")
	if _, errOut, code := execute(t, "", "login", "-e", "admin@uni.edu", "-p", "pw", "--metrics-out", path); code != 0 {
		t.Fatalf("login failed: %s", errOut)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), "campus_remote_requests_total") {
		t.Fatalf("metrics file missing request counter")
	}
}

func TestPromptConfirmer(t *testing.T) {
	cases := map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false, "maybe\n": false}
	for input, want := range cases {
		var out bytes.Buffer
		c := newPromptConfirmer(strings.NewReader(input), &out)
		got, err := c.Confirm(context.Background(), "Approve?")
		if err != nil || got != want {
			t.Fatalf("input %q: got %v, %v", input, got, err)
		}
		if !strings.Contains(out.String(), "[y/N]") {
			t.Fatalf("prompt not shown")
		}
	}
}

func TestVersionRunsOffline(t *testing.T) {
	t.Setenv("CAMPUS_SESSION_DRIVER", "redis")
	out, _, code := execute(t, "", "version")
	if code != 0 || !strings.Contains(out, "campusctl") {
		t.Fatalf("version failed: %q", out)
	}
}
