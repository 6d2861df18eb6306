package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"usersvc/users-api/internal/config"
	"usersvc/users-api/internal/migrations"
	"usersvc/users-api/internal/posts"
	"usersvc/users-api/internal/users"
)

// Store is the user and post services over the configured backend. Both
// share one database handle. Migrations is nil for backends without a SQL
// schema.
type Store struct {
	Backend    string
	Users      *users.Service
	Posts      *posts.Service
	Migrations *migrations.Service
	ping       func(ctx context.Context) error
}

// OpenStore builds the repository for cfg.Store.Backend. SQL backends are
// migrated first when DBAutoMigrate is set.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Store, error) {
	st := &Store{Backend: cfg.Store.Backend}

	var repo users.Repository
	var postRepo posts.Repository
	switch cfg.Store.Backend {
	case config.BackendPostgres, config.BackendSQLite:
		driver, _ := cfg.SQLDriver()
		db, err := OpenDB(driver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		migrationService, err := migrations.NewService(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create migration service: %w", err)
		}
		if cfg.DBAutoMigrate {
			applied, err := migrationService.Apply(ctx)
			if err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.Info("migrations applied", "names", applied)
			}
		}
		dialect, err := users.DialectFor(driver)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		sqlRepo, err := users.NewSQLRepository(db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create sql user repository: %w", err)
		}
		postSQL, err := posts.NewSQLRepository(db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create sql post repository: %w", err)
		}
		repo = sqlRepo
		postRepo = postSQL
		st.Migrations = migrationService
		st.ping = sqlRepo.Ping
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir bolt dir: %w", err)
		}
		db, err := bolt.Open(cfg.BoltPath, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("open bolt database: %w", err)
		}
		boltRepo, err := users.NewBoltRepository(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create bolt user repository: %w", err)
		}
		postBolt, err := posts.NewBoltRepository(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create bolt post repository: %w", err)
		}
		repo = boltRepo
		postRepo = postBolt
	case config.BackendMemory:
		if cfg.Store.StateFile == "" {
			repo = users.NewMemoryRepository()
			postRepo = posts.NewMemoryRepository()
			break
		}
		memRepo, err := users.NewMemoryRepositoryWithFile(cfg.Store.StateFile)
		if err != nil {
			return nil, fmt.Errorf("create memory user repository: %w", err)
		}
		postMem, err := posts.NewMemoryRepositoryWithFile(posts.StateFileFor(cfg.Store.StateFile))
		if err != nil {
			return nil, fmt.Errorf("create memory post repository: %w", err)
		}
		repo = memRepo
		postRepo = postMem
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}

	svc, err := users.NewService(repo, logger)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("create user service: %w", err)
	}
	postSvc, err := posts.NewService(postRepo, svc, logger)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("create post service: %w", err)
	}
	st.Users = svc
	st.Posts = postSvc
	return st, nil
}

// Ready reports whether the backing database answers. Non-SQL stores are
// always ready.
func (s *Store) Ready(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

// Close releases the shared handle through the user repository, which
// owns it.
func (s *Store) Close() error {
	if err := s.Posts.Close(); err != nil {
		_ = s.Users.Close()
		return err
	}
	return s.Users.Close()
}

// OpenDB opens a sqlx handle for driver. SQLite is limited to one
// connection so in-memory databases are shared and writers never contend.
func OpenDB(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == config.BackendSQLite {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// WaitForDB pings the database every interval until it answers or timeout
// elapses.
func WaitForDB(ctx context.Context, driver, dsn string, timeout, interval time.Duration, logger *slog.Logger) error {
	db, err := OpenDB(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		err := db.PingContext(pingCtx)
		pingCancel()
		if err == nil {
			return nil
		}
		logger.Debug("database not ready", "driver", driver, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not ready within %s: %w", driver, timeout, err)
		case <-time.After(interval):
		}
	}
}
