package credstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Open connects to the configured database and migrates it. The caller
// registers the driver (modernc.org/sqlite as "sqlite", pgx as "pgx").
func Open(ctx context.Context, driver, dsn string) (*SQL, *sql.DB, error) {
	dialect := Dialect(strings.TrimSpace(driver))
	if dialect == "" {
		dialect = SQLite
	}
	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}

	store, err := NewSQL(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

// sqliteDSN turns a bare path into a file URI with busy timeout, creating
// the parent directory.
func sqliteDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "campus.db"
	}
	if strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	_ = os.MkdirAll(filepath.Dir(dsn), 0o700)
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dsn)
}
