package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"usersvc/users-api/internal/audit"
	"usersvc/users-api/internal/config"
	"usersvc/users-api/internal/httpserver"
	"usersvc/users-api/internal/uploads"
)

type App struct {
	cfg    config.Config
	log    *slog.Logger
	store  *Store
	server *httpserver.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	uploadStore, err := uploads.NewDiskStore(cfg.Uploads.Dir, cfg.Uploads.MaxBytes)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create upload store: %w", err)
	}

	store.Posts.WithImages(uploadStore)

	deps := httpserver.Deps{
		Users:        store.Users,
		Posts:        store.Posts,
		Uploads:      uploadStore,
		Audit:        audit.NewLogger(cfg.AuditLogFile),
		Ready:        store.Ready,
		StoreBackend: store.Backend,
		Logger:       logger,
	}
	if store.Migrations != nil {
		deps.Migrations = store.Migrations
	}
	if cfg.S3.BucketName != "" {
		presigner, err := uploads.NewS3Presigner(uploads.S3Config{
			Bucket:          cfg.S3.BucketName,
			Region:          cfg.AWSRegion,
			Endpoint:        cfg.S3.Endpoint,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create s3 presigner: %w", err)
		}
		deps.Presigner = presigner
	}

	return &App{
		cfg:    cfg,
		log:    logger,
		store:  store,
		server: httpserver.New(cfg.HTTP, deps),
	}, nil
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// down and closes the store.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr, "store", a.store.Backend)
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if cerr := a.store.Close(); cerr != nil {
		a.log.Error("close store", "error", cerr)
		if err == nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	}
	return err
}
