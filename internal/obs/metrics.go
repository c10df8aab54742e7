package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	remoteInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campus_remote_in_flight_requests",
		Help: "In-flight requests to the campus API.",
	})

	remoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_remote_requests_total",
			Help: "Total number of requests sent to the campus API.",
		},
		[]string{"method", "path", "status"},
	)

	remoteRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campus_remote_request_duration_seconds",
			Help:    "Campus API request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	workflowActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_workflow_actions_total",
			Help: "Approval workflow actions by kind, action and outcome.",
		},
		[]string{"kind", "action", "outcome"},
	)

	sessionInvalidationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campus_session_invalidations_total",
		Help: "Sessions dropped after the server rejected the credential.",
	})
)

// Init registers the client metrics in the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(remoteInFlight, remoteRequestsTotal, remoteRequestDuration,
			workflowActionsTotal, sessionInvalidationsTotal)
	})
}

// WorkflowAction counts one approval workflow action.
func WorkflowAction(kind, action, outcome string) {
	workflowActionsTotal.WithLabelValues(kind, action, outcome).Inc()
}

// SessionInvalidated counts one server-side credential rejection.
func SessionInvalidated() {
	sessionInvalidationsTotal.Inc()
}

// InstrumentTransport measures every round trip to the campus API.
func InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		remoteInFlight.Inc()
		defer remoteInFlight.Dec()
		start := time.Now()

		resp, err := next.RoundTrip(r)
		status := "error"
		if err == nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		remoteRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		remoteRequestsTotal.WithLabelValues(method, path, status).Inc()
		return resp, err
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// CanonicalPath collapses identifier segments to ":id" so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if looksLikeID(s) {
			segs[i] = ":id"
		}
	}
	return strings.Join(segs, "/")
}

func looksLikeID(seg string) bool {
	if seg == "" {
		return false
	}
	digits := 0
	for _, r := range seg {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '-' || unicode.IsLetter(r):
		default:
			return false
		}
	}
	if digits == len(seg) {
		return true
	}
	// UUIDs and ULIDs carry digits mixed with letters and are long.
	return digits > 0 && len(seg) >= 20
}
