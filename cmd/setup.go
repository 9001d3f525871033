package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/desertthunder/marks/internal/services"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/urfave/cli/v3"
)

// SetupConfig writes the example config to the --config path. Backend overrides given as flags or
// environment variables are saved into the new file.
func (r *Runner) SetupConfig(ctx context.Context, cmd *cli.Command) error {
	path := r.configPath

	if cmd.Bool("force") {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove existing config: %w", err)
		}
	}

	if err := shared.CreateConfigFile(path); err != nil {
		return err
	}
	r.logger.Info("config file created", "path", path)

	if cmd.IsSet("url") || cmd.IsSet("key") {
		config, err := shared.LoadConfig(path)
		if err != nil {
			return err
		}
		if cmd.IsSet("url") {
			config.Backend.URL = cmd.String("url")
		}
		if cmd.IsSet("key") {
			config.Backend.AnonKey = cmd.String("key")
		}
		if err := shared.SaveConfig(path, config); err != nil {
			return err
		}
	}

	r.writePlain("✓ Config written to %s\n", path)
	r.writePlainln("Next steps:")
	r.writePlain("1. Set backend.url and backend.anon_key to your project's values\n")
	r.writePlain("2. Run 'marks auth login'\n")
	return nil
}

// SetupDatabase initializes the local database and runs migrations.
func (r *Runner) SetupDatabase(ctx context.Context, cmd *cli.Command) error {
	path := r.config.Database.Path
	r.logger.Info("initializing database", "path", path)

	db, err := shared.NewDatabase(path)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()

	shared.ConfigureDatabase(db, r.config.Database.MaxOpenConns, r.config.Database.MaxIdleConns)

	switch {
	case cmd.Bool("rollback"):
		r.logger.Info("rolling back last migration")
		if err := shared.RollbackMigration(db); err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		r.writePlain("✓ Rolled back the last migration\n")
		return nil
	case cmd.Bool("status"):
		statuses, err := shared.MigrationStatuses(db)
		if err != nil {
			return fmt.Errorf("failed to read migrations: %w", err)
		}
		r.writePlainHeader("Migrations: " + path)
		for _, s := range statuses {
			mark := "✗"
			if s.Applied {
				mark = "✓"
			}
			r.writePlain("%s %04d %s\n", mark, s.Version, s.Name)
		}
		return nil
	}

	r.logger.Info("running database migrations")
	if err := shared.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	r.logger.Infof("setup complete for database: %v", path)
	return r.writePlain("✓ Database ready at %s\n", path)
}

// SetupSchema prints the statements that create the bookmarks table, or applies them with --apply.
func (r *Runner) SetupSchema(ctx context.Context, cmd *cli.Command) error {
	bm := r.config.Bookmarks
	channel := r.config.Backend.Postgres.Channel
	statements := services.BookmarksSchema(bm.Schema, bm.Table, channel)

	if !cmd.Bool("apply") {
		return r.writePlain("%s\n", strings.Join(statements, "\n\n"))
	}

	dsn := r.config.Backend.Postgres.DSN
	if dsn == "" {
		return fmt.Errorf("%w: backend.postgres.dsn is required to apply the schema", shared.ErrMissingConfig)
	}

	db, err := services.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	r.logger.Info("applying bookmarks schema", "schema", bm.Schema, "table", bm.Table, "statements", len(statements))
	if err := services.ApplySchema(ctx, db, bm.Schema, bm.Table, channel); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return r.writePlain("✓ Schema applied to %s.%s\n", bm.Schema, bm.Table)
}
