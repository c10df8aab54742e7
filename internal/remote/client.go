// Package remote is the REST transport to the campus API. It attaches the
// bearer credential to every call and handles a rejected credential once,
// here, instead of at each call site.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"campus.org/internal/audit"
	"campus.org/internal/ids"
	"campus.org/internal/obs"
	"campus.org/internal/payload"
)

const (
	authHeader      = "Authorization"
	bearer          = "Bearer "
	requestIDHeader = "X-Request-ID"
	maxMessageBytes = 512
	maxBodyBytes    = 8 << 20
)

var messageFields = []payload.Accessor{payload.Key("message"), payload.Key("error"), payload.Key("detail")}

// TokenSource yields the current bearer credential ("" when none).
type TokenSource interface {
	Token() string
}

// Invalidator drops the session after the server rejected its credential.
type Invalidator interface {
	Invalidate(ctx context.Context, reason string) error
}

// Client issues JSON requests against the campus API.
type Client struct {
	base        *url.URL
	http        *http.Client
	limiter     *rate.Limiter
	tokens      TokenSource
	invalidator Invalidator
	breaker     *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit throttles outgoing calls with a token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithTokenSource sets where the bearer credential comes from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithInvalidator sets who is told about a 401.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Client) { c.invalidator = inv }
}

// WithCircuitBreaker stops calling the API for cooldown once failures
// consecutive calls failed at the transport or with a 5xx. Client errors
// such as 401 or 409 mean the server is healthy and never trip it.
func WithCircuitBreaker(name string, failures uint32, cooldown time.Duration) Option {
	return func(c *Client) {
		if failures == 0 {
			return
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: healthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				obs.Logger().WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("circuit breaker state changed")
			},
		})
	}
}

func healthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var rerr *Error
	return errors.As(err, &rerr) && rerr.Status < http.StatusInternalServerError
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	c := &Client{
		base: u,
		http: &http.Client{
			Transport: otelhttp.NewTransport(obs.InstrumentTransport(http.DefaultTransport)),
			Timeout:   15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get decodes a JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// GetRecords fetches a JSON collection.
func (c *Client) GetRecords(ctx context.Context, path string) ([]payload.Record, error) {
	var raw json.RawMessage
	if err := c.Do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return payload.Records(raw)
}

// Do sends one request. A 2xx body is decoded into out when out is non-nil;
// any other status becomes an *Error. A 401 invalidates the session first.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set(authHeader, bearer+tok)
		}
	}
	requestID := audit.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = ids.New()
	}
	req.Header.Set(requestIDHeader, requestID)

	if c.breaker == nil {
		return c.send(ctx, req, path, requestID, out)
	}
	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.send(ctx, req, path, requestID, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return err
}

func (c *Client) send(ctx context.Context, req *http.Request, path, requestID string, out any) error {
	method := req.Method
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &Error{
			Method:    method,
			Path:      path,
			Status:    resp.StatusCode,
			Message:   serverMessage(data),
			RequestID: requestID,
		}
		log := obs.Logger().WithFields(logrus.Fields{
			"method":     method,
			"path":       path,
			"status":     resp.StatusCode,
			"request_id": requestID,
		})
		if resp.StatusCode == http.StatusUnauthorized {
			log.Warn("credential rejected by server")
			if c.invalidator != nil {
				if ierr := c.invalidator.Invalidate(ctx, "401 from "+path); ierr != nil {
					log.WithError(ierr).Error("session invalidation failed")
				}
			}
		} else {
			log.WithField("message", rerr.Message).Info("request failed")
		}
		return rerr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) resolve(path string) string {
	u := *c.base
	rel, err := url.Parse(path)
	if err != nil {
		u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
		return u.String()
	}
	u.Path = c.base.Path + "/" + strings.TrimLeft(rel.Path, "/")
	u.RawPath = c.base.EscapedPath() + "/" + strings.TrimLeft(rel.EscapedPath(), "/")
	u.RawQuery = rel.RawQuery
	return u.String()
}

// serverMessage extracts {"message": ...} style bodies, falling back to a
// short plain-text body.
func serverMessage(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ""
	}
	var rec payload.Record
	if err := json.Unmarshal(trimmed, &rec); err == nil {
		return payload.FirstString(rec, messageFields...)
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return strings.TrimSpace(s)
	}
	if trimmed[0] == '<' || len(trimmed) > maxMessageBytes {
		return ""
	}
	return string(trimmed)
}

// IsUnauthorized reports whether err is a rejected credential.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }
