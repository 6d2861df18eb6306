package migrations

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sqlx.Open() error: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestList(t *testing.T) {
	files := fstest.MapFS{
		"0002_more.sql": {Data: []byte("ALTER TABLE x ADD COLUMN y int;")},
		"0001_init.sql": {Data: []byte("CREATE TABLE x (id int);")},
		"README.txt":    {Data: []byte("ignore")},
	}
	svc, err := NewServiceWithFS(openSQLite(t), files)
	if err != nil {
		t.Fatalf("NewServiceWithFS() error: %v", err)
	}

	list, err := svc.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 migration files, got %d", len(list))
	}
	if list[0].Name != "0001_init.sql" || list[1].Name != "0002_more.sql" {
		t.Fatalf("expected migrations sorted by name, got %+v", list)
	}
	if list[0].Checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestApplyAndStatus(t *testing.T) {
	svc, err := NewService(openSQLite(t))
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	svc.nowFunc = func() time.Time { return time.Date(2026, 2, 16, 12, 30, 0, 0, time.UTC) }

	status, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(status) == 0 {
		t.Fatalf("expected embedded sqlite3 migrations")
	}
	for _, st := range status {
		if st.Applied {
			t.Fatalf("expected %s to be pending before Apply", st.Name)
		}
	}

	applied, err := svc.Apply(context.Background())
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if len(applied) != len(status) {
		t.Fatalf("expected %d applied migrations, got %d", len(status), len(applied))
	}

	status, err = svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	for _, st := range status {
		if !st.Applied || st.AppliedAt != "2026-02-16T12:30:00Z" {
			t.Fatalf("expected %s to be applied, got %+v", st.Name, st)
		}
	}

	again, err := svc.Apply(context.Background())
	if err != nil {
		t.Fatalf("second Apply() error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected second Apply to be a no-op, applied %v", again)
	}
}

func TestApplyStopsOnBrokenMigration(t *testing.T) {
	files := fstest.MapFS{
		"0001_init.sql":   {Data: []byte("CREATE TABLE x (id int);")},
		"0002_broken.sql": {Data: []byte("NOT VALID SQL;")},
	}
	svc, err := NewServiceWithFS(openSQLite(t), files)
	if err != nil {
		t.Fatalf("NewServiceWithFS() error: %v", err)
	}

	applied, err := svc.Apply(context.Background())
	if err == nil {
		t.Fatalf("expected Apply() to fail on broken migration")
	}
	if len(applied) != 1 || applied[0] != "0001_init.sql" {
		t.Fatalf("expected only 0001_init.sql applied, got %v", applied)
	}
}

func TestNewServiceWithPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	svc, err := NewService(sqlx.NewDb(db, "postgres"))
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}

	list, err := svc.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) == 0 {
		t.Fatalf("expected embedded postgres migrations")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestApplyPostgresRecordsMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{"0001_init.sql": {Data: []byte("CREATE TABLE x (id int);")}}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	svc, err := NewServiceWithFS(sqlx.NewDb(db, "postgres"), files)
	if err != nil {
		t.Fatalf("NewServiceWithFS() error: %v", err)
	}

	mock.ExpectQuery("SELECT name, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE x").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO schema_migrations \(name, checksum, applied_at\) VALUES \(\$1, \$2, \$3\)`).
		WithArgs("0001_init.sql", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if _, err := svc.Apply(context.Background()); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}
