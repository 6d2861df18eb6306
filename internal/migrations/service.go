package migrations

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed sql
var embedded embed.FS

type FileInfo struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

type Status struct {
	Name      string `json:"name"`
	Checksum  string `json:"checksum"`
	Applied   bool   `json:"applied"`
	AppliedAt string `json:"applied_at,omitempty"`
}

// Service applies the embedded migrations for one SQL dialect and tracks
// them in the schema_migrations table.
type Service struct {
	db      *sqlx.DB
	files   fs.FS
	nowFunc func() time.Time
}

// NewService selects the migration set from the driver name of db.
func NewService(db *sqlx.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	sub, err := fs.Sub(embedded, path.Join("sql", db.DriverName()))
	if err != nil {
		return nil, fmt.Errorf("migrations for driver %q: %w", db.DriverName(), err)
	}
	return NewServiceWithFS(db, sub)
}

func NewServiceWithFS(db *sqlx.DB, files fs.FS) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &Service{db: db, files: files, nowFunc: time.Now}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	checksum TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("ensure schema_migrations schema: %w", err)
	}
	return nil
}

func (s *Service) List() ([]FileInfo, error) {
	entries, err := fs.ReadDir(s.files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	out := make([]FileInfo, 0)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := fs.ReadFile(s.files, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(b)
		out = append(out, FileInfo{Name: e.Name(), Checksum: hex.EncodeToString(sum[:])})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Service) Status(ctx context.Context) ([]Status, error) {
	files, err := s.List()
	if err != nil {
		return nil, err
	}
	applied, err := s.loadApplied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(files))
	for _, f := range files {
		appliedAt, ok := applied[f.Name]
		out = append(out, Status{
			Name:      f.Name,
			Checksum:  f.Checksum,
			Applied:   ok,
			AppliedAt: appliedAt,
		})
	}
	return out, nil
}

// Apply runs every pending migration in name order, each in its own
// transaction, and returns the names it applied.
func (s *Service) Apply(ctx context.Context) ([]string, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, st := range status {
		if st.Applied {
			continue
		}
		if err := s.applyOne(ctx, st); err != nil {
			return done, err
		}
		done = append(done, st.Name)
	}
	return done, nil
}

func (s *Service) applyOne(ctx context.Context, st Status) error {
	body, err := fs.ReadFile(s.files, st.Name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", st.Name, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", st.Name, err)
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", st.Name, err)
	}
	q := tx.Rebind(`INSERT INTO schema_migrations (name, checksum, applied_at) VALUES (?, ?, ?)`)
	appliedAt := s.nowFunc().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, q, st.Name, st.Checksum, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", st.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", st.Name, err)
	}
	return nil
}

func (s *Service) loadApplied(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Name      string `db:"name"`
		AppliedAt string `db:"applied_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, applied_at FROM schema_migrations`); err != nil {
		return nil, fmt.Errorf("query migration state: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Name] = r.AppliedAt
	}
	return out, nil
}
