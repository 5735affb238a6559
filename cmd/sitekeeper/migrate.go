package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/splax/sitekeeper/internal/app/migrate"
	"github.com/splax/sitekeeper/internal/repository/sqlite"
	"github.com/splax/sitekeeper/pkg/config"
	"github.com/splax/sitekeeper/pkg/logger"
)

func migrateCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringSliceFlag{Name: "env-file", Value: []string{".env"}, Usage: "dotenv files loaded before reading the environment"},
		&cli.DurationFlag{Name: "migrate-timeout", Value: time.Minute, Usage: "command timeout"},
	}
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the state database schema",
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply pending migrations",
				Flags:  flags,
				Action: withRunner(func(ctx context.Context, _ *cli.Command, r migrate.Runner) error { return r.Ensure(ctx) }),
			},
			{
				Name:   "status",
				Usage:  "Show applied and pending migrations",
				Flags:  flags,
				Action: withRunner(printMigrationStatus),
			},
			{
				Name:  "down",
				Usage: "Roll back to --target, or by one version when unset",
				Flags: append([]cli.Flag{
					&cli.Int64Flag{Name: "target", Usage: "target version"},
				}, flags...),
				Action: withRunner(func(ctx context.Context, cmd *cli.Command, r migrate.Runner) error {
					return r.Down(ctx, cmd.Int64("target"))
				}),
			},
		},
	}
}

func withRunner(fn func(ctx context.Context, cmd *cli.Command, r migrate.Runner) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		if err := config.LoadDotEnv(cmd.StringSlice("env-file")...); err != nil {
			return err
		}
		cfg := config.LoadServerConfig()
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		log := logger.New("migrate", level)

		ctx, cancel := context.WithTimeout(ctx, cmd.Duration("migrate-timeout"))
		defer cancel()

		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		db, err := sqlite.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("sqlite handle: %w", err)
		}
		defer sqlDB.Close()

		runner, err := migrate.New(sqlDB, sqlite.Migrations(), log)
		if err != nil {
			return fmt.Errorf("configure migration runner: %w", err)
		}
		if err := fn(ctx, cmd, runner); err != nil {
			return err
		}
		log.Info("migration command completed", "command", cmd.Name, "database", cfg.DatabasePath)
		return nil
	}
}

func printMigrationStatus(ctx context.Context, _ *cli.Command, r migrate.Runner) error {
	statuses, err := r.Status(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED\tSOURCE")
	for _, st := range statuses {
		applied := "-"
		if !st.AppliedAt.IsZero() {
			applied = st.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", st.Source.Version, st.State, applied, filepath.Base(st.Source.Path))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	version, err := r.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("current version: %d\n", version)
	return nil
}
