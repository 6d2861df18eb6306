package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/urfave/cli/v2"

	"usersvc/users-api/internal/app"
	"usersvc/users-api/internal/config"
	"usersvc/users-api/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serve := &cli.Command{
		Name:        "serve",
		Description: "run the HTTP API",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "gops",
				Usage: "start the gops diagnostics agent",
			},
		},
		Action: withConfig(func(c *cli.Context, cfg config.Config, logger *slog.Logger) error {
			if c.Bool("gops") {
				if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
					logger.Warn("could not start gops agent", "error", err)
				} else {
					defer agent.Close()
				}
			}
			a, err := app.New(c.Context, cfg, logger)
			if err != nil {
				return fmt.Errorf("create app: %w", err)
			}
			return a.Run(c.Context)
		}),
	}

	cliApp := cli.App{
		Name:        "server",
		Description: "users API server and administration commands",
		Action:      serve.Action,
		Flags:       serve.Flags,
		Commands: []*cli.Command{serve, {
			Name:        "migrate",
			Description: "apply pending SQL migrations",
			Action: withSQLStore(func(c *cli.Context, st *app.Store, logger *slog.Logger) error {
				applied, err := st.Migrations.Apply(c.Context)
				if err != nil {
					return err
				}
				logger.Info("migrations applied", "count", len(applied), "names", applied)
				return nil
			}),
			Subcommands: []*cli.Command{{
				Name:        "status",
				Description: "print the applied state of every migration as JSON",
				Action: withSQLStore(func(c *cli.Context, st *app.Store, _ *slog.Logger) error {
					status, err := st.Migrations.Status(c.Context)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(status)
				}),
			}},
		}, {
			Name:        "reset",
			Description: "delete every user, post and like and restart ids at 1",
			Action: withConfig(func(c *cli.Context, cfg config.Config, logger *slog.Logger) error {
				st, err := app.OpenStore(c.Context, cfg, logger)
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.Posts.Reset(c.Context); err != nil {
					return err
				}
				return st.Users.Reset(c.Context)
			}),
		}, {
			Name:        "wait-for-db",
			Description: "block until the configured SQL database answers pings",
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  "timeout",
					Usage: "give up after this long",
					Value: 60 * time.Second,
				},
				&cli.DurationFlag{
					Name:  "interval",
					Usage: "time between pings",
					Value: 2 * time.Second,
				},
			},
			Action: withConfig(func(c *cli.Context, cfg config.Config, logger *slog.Logger) error {
				driver, ok := cfg.SQLDriver()
				if !ok {
					return fmt.Errorf("STORE_BACKEND=%s has no database to wait for", cfg.Store.Backend)
				}
				if err := app.WaitForDB(c.Context, driver, cfg.DatabaseURL, c.Duration("timeout"), c.Duration("interval"), logger); err != nil {
					return err
				}
				logger.Info("database ready", "driver", driver)
				return nil
			}),
		}},
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func withConfig(f func(*cli.Context, config.Config, *slog.Logger) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return f(c, cfg, observability.NewLogger(cfg.LogLevel))
	}
}

func withSQLStore(f func(*cli.Context, *app.Store, *slog.Logger) error) cli.ActionFunc {
	return withConfig(func(c *cli.Context, cfg config.Config, logger *slog.Logger) error {
		if _, ok := cfg.SQLDriver(); !ok {
			return fmt.Errorf("STORE_BACKEND=%s has no migrations", cfg.Store.Backend)
		}
		cfg.DBAutoMigrate = false
		st, err := app.OpenStore(c.Context, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		return f(c, st, logger)
	})
}
