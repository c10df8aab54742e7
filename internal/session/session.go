// Package session derives the current user's identity from the bearer
// credential issued by the campus API and owns the process-wide session.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campus.org/internal/payload"
)

// ErrInvalidToken indicates the credential could not be decoded into a session.
var ErrInvalidToken = errors.New("invalid token")

var (
	roleClaims   = []payload.Accessor{payload.Key("roles"), payload.Key("authorities"), payload.Key("role")}
	userIDClaims = []payload.Accessor{payload.Key("userId"), payload.Key("user_id"), payload.Key("uid"), payload.Key("id")}
)

// Session is the identity carried by a bearer credential. It is only ever
// produced by Decode.
type Session struct {
	Subject   string
	Roles     []string
	UserID    payload.ID
	ExpiresAt *time.Time
	TokenID   string
	Token     string
}

// HasRole reports whether the session holds the role label.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	role = NormalizeRole(role)
	if role == "" {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PrimaryRole returns the first role carried by the credential.
func (s *Session) PrimaryRole() string {
	if s == nil || len(s.Roles) == 0 {
		return ""
	}
	return s.Roles[0]
}

// Expired reports whether the credential's expiry has passed. Sessions
// without an expiry never report expired; the server decides.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt == nil {
		return false
	}
	return !now.Before(*s.ExpiresAt)
}

// Decoder turns credentials into sessions.
type Decoder struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithSecret enables HS256 signature and expiry verification. Without a
// secret the credential is decoded unverified; the server remains the
// authority and rejects forged credentials with a 401.
func WithSecret(secret string) DecoderOption {
	return func(d *Decoder) {
		if s := strings.TrimSpace(secret); s != "" {
			d.secret = []byte(s)
		}
	}
}

// WithIssuer requires the given issuer when verifying.
func WithIssuer(issuer string) DecoderOption {
	return func(d *Decoder) { d.issuer = strings.TrimSpace(issuer) }
}

// NewDecoder constructs a Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{leeway: 5 * time.Second}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var defaultDecoder = NewDecoder()

// Decode decodes a credential with the default, unverified decoder.
func Decode(token string) (*Session, error) {
	return defaultDecoder.Decode(token)
}

// Decode fails closed: any error yields a nil session and ErrInvalidToken.
func (d *Decoder) Decode(token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims, err := d.parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	rec := payload.Record(claims)

	sess := &Session{
		Subject: strings.TrimSpace(subject),
		Roles:   extractRoles(rec),
		UserID:  payload.FirstID(rec, userIDClaims...),
		TokenID: payload.FirstString(rec, payload.Key("jti")),
		Token:   token,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		sess.ExpiresAt = &t
	}
	return sess, nil
}

func (d *Decoder) parse(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if len(d.secret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, err
		}
		return claims, nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(d.leeway),
	}
	if d.issuer != "" {
		opts = append(opts, jwt.WithIssuer(d.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return d.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token not valid")
	}
	return claims, nil
}

// RolesOf reads the normalized role set of any payload shaped like the
// credential claims, such as a user listing item.
func RolesOf(rec payload.Record) []string { return extractRoles(rec) }

// extractRoles accepts a single role string, an array of strings or an
// array of {"authority": "..."} objects.
func extractRoles(rec payload.Record) []string {
	raw, ok := payload.First(rec, roleClaims...)
	if !ok {
		return nil
	}
	var labels []string
	switch v := raw.(type) {
	case string:
		labels = []string{v}
	case []string:
		labels = v
	case []any:
		for _, item := range v {
			switch it := item.(type) {
			case string:
				labels = append(labels, it)
			case map[string]any:
				if s := payload.FirstString(payload.Record(it), payload.Key("authority"), payload.Key("name")); s != "" {
					labels = append(labels, s)
				}
			}
		}
	}
	return dedupeRoles(labels)
}

// NormalizeRole trims and lower-cases a role label.
func NormalizeRole(role string) string {
	return strings.TrimSpace(strings.ToLower(role))
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = NormalizeRole(role)
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
