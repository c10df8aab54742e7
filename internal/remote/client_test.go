package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"campus.org/internal/audit"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

type recordingInvalidator struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/api", opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestDoAttachesBearerAndRequestID(t *testing.T) {
	var gotAuth, gotReqID, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, WithTokenSource(staticToken("abc")))

	ctx := audit.WithRequestID(context.Background(), "req-1")
	var out struct{ OK bool }
	if err := c.Get(ctx, "/clubs", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected decoded body")
	}
	if gotAuth != "Bearer abc" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotReqID != "req-1" {
		t.Fatalf("unexpected request id %q", gotReqID)
	}
	if gotPath != "/api/clubs" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestDoWithoutTokenSendsNoAuthorization(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected authorization header")
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("expected generated request id")
		}
		w.WriteHeader(http.StatusNoContent)
	}, WithTokenSource(staticToken("")))
	if err := c.Do(context.Background(), http.MethodPost, "/auth/logout", nil, nil); err != nil {
		t.Fatalf("do: %v", err)
	}
}

func TestDoSendsJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["reason"] != "duplicate" {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusOK)
	})
	err := c.Do(context.Background(), http.MethodPost, "/admin/clubs/requests/3/reject", map[string]string{"reason": "duplicate"}, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
}

func TestUnauthorizedInvalidatesSession(t *testing.T) {
	inv := &recordingInvalidator{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, WithTokenSource(staticToken("stale")), WithInvalidator(inv))

	err := c.Get(context.Background(), "/clubs/my-memberships", nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !IsUnauthorized(err) {
		t.Fatalf("IsUnauthorized should report true")
	}
	if len(inv.reasons) != 1 {
		t.Fatalf("expected one invalidation, got %d", len(inv.reasons))
	}
}

func TestForbiddenDoesNotInvalidate(t *testing.T) {
	inv := &recordingInvalidator{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}, WithInvalidator(inv))
	err := c.Get(context.Background(), "/admin/users", nil)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if len(inv.reasons) != 0 {
		t.Fatalf("403 must not invalidate the session")
	}
}

func TestServerMessageSurfaced(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"message field", `{"message":"Request already processed"}`, "Request already processed"},
		{"error field", `{"error":"Club not found"}`, "Club not found"},
		{"json string", `"Already a member"`, "Already a member"},
		{"plain text", `Bad state`, "Bad state"},
		{"html page", `<html>oops</html>`, "operation failed"},
		{"empty", ``, "operation failed"},
		{"no message", `{"status":409}`, "operation failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(tc.body))
			})
			err := c.Do(context.Background(), http.MethodPost, "/x", nil, nil)
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			if got := Message(err, "operation failed"); got != tc.want {
				t.Fatalf("message = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMessageFallbackForTransportErrors(t *testing.T) {
	if got := Message(errors.New("dial tcp: refused"), "operation failed"); got != "operation failed" {
		t.Fatalf("got %q", got)
	}
}

func TestGetRecords(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "status=PENDING" {
			t.Errorf("query %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"id":7,"name":"Chess"},{"id":"8"},null,3]`))
	})
	recs, err := c.GetRecords(context.Background(), "/clubs?status=PENDING")
	if err != nil {
		t.Fatalf("get records: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0]["name"] != "Chess" {
		t.Fatalf("unexpected first record %v", recs[0])
	}
}

func TestGetRecordsNullBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`null`))
	})
	recs, err := c.GetRecords(context.Background(), "/events")
	if err != nil {
		t.Fatalf("get records: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty collection, got %v", recs)
	}
}

func TestNewRejectsRelativeBase(t *testing.T) {
	if _, err := New("/api"); err == nil {
		t.Fatalf("expected error for relative base url")
	}
}

func TestRateLimitCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, WithRateLimit(0.001, 1))
	if err := c.Do(context.Background(), http.MethodGet, "/a", nil, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Do(ctx, http.MethodGet, "/b", nil, nil); err == nil {
		t.Fatalf("expected rate limit error on cancelled context")
	}
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, WithCircuitBreaker("campus-test", 2, time.Minute))

	for i := 0; i < 2; i++ {
		if err := c.Do(context.Background(), http.MethodGet, "/clubs", nil, nil); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	err := c.Do(context.Background(), http.MethodGet, "/clubs", nil, nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 server calls, got %d", calls.Load())
	}
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}, WithCircuitBreaker("campus-test", 1, time.Minute))

	for i := 0; i < 3; i++ {
		if err := c.Do(context.Background(), http.MethodPost, "/x", nil, nil); !errors.Is(err, ErrConflict) {
			t.Fatalf("call %d: expected conflict, got %v", i, err)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("expected every call to reach the server, got %d", calls.Load())
	}
}
