// Package migrate applies ordered forward-only SQL migrations and records
// them in a bookkeeping table.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const defaultMigrationsTable = "schema_migrations"

// Migration is one named schema step.
type Migration struct {
	Name string
	SQL  string
}

// Manager executes migrations against one database.
type Manager struct {
	db         *sql.DB
	migrations []Migration
	table      string
	dollar     bool
	now        func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the default bookkeeping table.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// WithDollarPlaceholders switches bind parameters to $n (PostgreSQL).
func WithDollarPlaceholders() Option {
	return func(m *Manager) { m.dollar = true }
}

// NewManager constructs a Manager. Migrations run in name order.
func NewManager(db *sql.DB, migrations []Migration, opts ...Option) *Manager {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	m := &Manager{
		db:         db,
		migrations: sorted,
		table:      defaultMigrationsTable,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations, each in its own transaction together
// with its bookkeeping row.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return err
	}
	for _, mig := range m.migrations {
		if executed[mig.Name] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.Name, err)
		}
	}
	return nil
}

// Status returns applied migration names in order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by name asc`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name          text primary key,
			applied_at_ms bigint not null
		)`, m.table)
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", m.table, err)
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(mig.SQL) {
		if strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";")) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	insert := fmt.Sprintf(`insert into %s(name, applied_at_ms) values (%s, %s)`, m.table, m.param(1), m.param(2))
	if _, err := tx.ExecContext(ctx, insert, mig.Name, m.now().UTC().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) param(n int) string {
	if m.dollar {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}

// FromFS reads every *.up.sql file under dir.
func FromFS(fsys fs.FS, dir string) ([]Migration, error) {
	var out []Migration
	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".up.sql") {
			return nil
		}
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		out = append(out, Migration{Name: path.Base(p), SQL: string(body)})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString bool
	for _, r := range sql {
		current.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
