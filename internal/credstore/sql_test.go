package credstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"campus.org/internal/session"
)

func newMockStore(t *testing.T, dialect Dialect) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewSQL(db, dialect)
	if err != nil {
		t.Fatalf("NewSQL: %v", err)
	}
	return store, mock
}

func TestSQLLoadMissing(t *testing.T) {
	store, mock := newMockStore(t, SQLite)
	mock.ExpectQuery("select token, subject, user_id, primary_role, saved_at_ms from session_credentials").
		WithArgs("current").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Load(context.Background())
	if !errors.Is(err, session.ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLSaveAndLoad(t *testing.T) {
	store, mock := newMockStore(t, SQLite)
	saved := time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into session_credentials").
		WithArgs("current", "tok", "ayse@uni.edu", "17", "role_student", saved.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("select token, subject, user_id, primary_role, saved_at_ms from session_credentials").
		WithArgs("current").
		WillReturnRows(sqlmock.NewRows([]string{"token", "subject", "user_id", "primary_role", "saved_at_ms"}).
			AddRow("tok", "ayse@uni.edu", "17", "role_student", saved.UnixMilli()))

	err := store.Save(context.Background(), session.Credential{
		Token: "tok", Subject: "ayse@uni.edu", UserID: "17", PrimaryRole: "role_student", SavedAt: saved,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	cred, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cred.Token != "tok" || cred.UserID != "17" || !cred.SavedAt.Equal(saved) {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLClearIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t, SQLite)
	mock.ExpectExec("delete from session_credentials").WithArgs("current").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from session_credentials").WithArgs("current").WillReturnResult(sqlmock.NewResult(0, 0))

	for i := 0; i < 2; i++ {
		if err := store.Clear(context.Background()); err != nil {
			t.Fatalf("Clear #%d: %v", i+1, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLSaveRejectsEmptyToken(t *testing.T) {
	store, _ := newMockStore(t, SQLite)
	if err := store.Save(context.Background(), session.Credential{}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	store, _ := newMockStore(t, Postgres)
	got := store.bind("delete from t where a = ? and b = ?")
	if got != "delete from t where a = $1 and b = $2" {
		t.Fatalf("bind() = %q", got)
	}
	lite, _ := newMockStore(t, SQLite)
	if q := lite.bind("where a = ?"); q != "where a = ?" {
		t.Fatalf("sqlite placeholders changed: %q", q)
	}
}

func TestNewSQLRejectsUnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	if _, err := NewSQL(db, "oracle"); err == nil {
		t.Fatal("expected unsupported dialect error")
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.Load(ctx); !errors.Is(err, session.ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if err := m.Save(ctx, session.Credential{Token: "t"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if c, err := m.Load(ctx); err != nil || c.Token != "t" {
		t.Fatalf("Load = %+v, %v", c, err)
	}
	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := m.Clear(ctx); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}
