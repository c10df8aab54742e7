package credstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"campus.org/internal/migrate"
	"campus.org/internal/payload"
	"campus.org/internal/session"
)

var _ session.CredentialStore = (*SQL)(nil)

// Dialect selects the placeholder style of the underlying driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "pgx"
)

// slot is the single row holding the credential.
const slot = "current"

// SQL persists the credential in a one-row table.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL wraps an open database. Call Migrate before first use.
func NewSQL(db *sql.DB, dialect Dialect) (*SQL, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	switch dialect {
	case SQLite, Postgres:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	return &SQL{db: db, dialect: dialect}, nil
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the credential schema up to date.
func (s *SQL) Migrate(ctx context.Context) error {
	migs, err := migrate.FromFS(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	opts := []migrate.Option{migrate.WithTable("credstore_migrations")}
	if s.dialect == Postgres {
		opts = append(opts, migrate.WithDollarPlaceholders())
	}
	if err := migrate.NewManager(s.db, migs, opts...).Up(ctx); err != nil {
		return fmt.Errorf("migrate credential store: %w", err)
	}
	return nil
}

func (s *SQL) Load(ctx context.Context) (session.Credential, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`select token, subject, user_id, primary_role, saved_at_ms from session_credentials where slot = ?`), slot)
	var (
		cred    session.Credential
		userID  string
		savedMS int64
	)
	if err := row.Scan(&cred.Token, &cred.Subject, &userID, &cred.PrimaryRole, &savedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Credential{}, session.ErrNoCredential
		}
		return session.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	cred.UserID = payload.ID(userID)
	cred.SavedAt = time.UnixMilli(savedMS).UTC()
	return cred, nil
}

func (s *SQL) Save(ctx context.Context, cred session.Credential) error {
	if strings.TrimSpace(cred.Token) == "" {
		return errors.New("credential token is empty")
	}
	saved := cred.SavedAt
	if saved.IsZero() {
		saved = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
insert into session_credentials (slot, token, subject, user_id, primary_role, saved_at_ms)
values (?, ?, ?, ?, ?, ?)
on conflict (slot) do update set
	token = excluded.token,
	subject = excluded.subject,
	user_id = excluded.user_id,
	primary_role = excluded.primary_role,
	saved_at_ms = excluded.saved_at_ms`),
		slot, cred.Token, cred.Subject, cred.UserID.String(), cred.PrimaryRole, saved.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Clear deletes the credential; deleting an absent row is not an error.
func (s *SQL) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.bind(`delete from session_credentials where slot = ?`), slot); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// bind rewrites "?" placeholders into "$n" for PostgreSQL.
func (s *SQL) bind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
