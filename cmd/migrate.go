package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/upgrade"
)

var migrationsDir string

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE:  func(cmd *cobra.Command, args []string) error { return migrateUp() },
		},
		migrateDownCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrate.Migrate, dsn string) error {
					v, dirty, err := m.Version()
					if err != nil {
						return fmt.Errorf("get version: %w", err)
					}
					fmt.Printf("version: %d, dirty: %v\n", v, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force set migration version (no migration applied)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator(func(m *migrate.Migrate, dsn string) error {
					if err := m.Force(version); err != nil {
						return fmt.Errorf("force version: %w", err)
					}
					slog.Info("forced version", "version", version)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "drop",
			Short: "Drop all tables (DANGEROUS)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrate.Migrate, dsn string) error {
					if err := m.Drop(); err != nil {
						return fmt.Errorf("drop: %w", err)
					}
					slog.Info("all tables dropped")
					return nil
				})
			},
		},
	)
	return cmd
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				steps = 1
			}
			return withMigrator(func(m *migrate.Migrate, dsn string) error {
				if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
					return fmt.Errorf("migrate down: %w", err)
				}
				v, dirty, _ := m.Version()
				slog.Info("rollback complete", "version", v, "dirty", dirty)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	return cmd
}

func migrateUp() error {
	return withMigrator(func(m *migrate.Migrate, dsn string) error {
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migrate up: %w", err)
		}
		v, dirty, _ := m.Version()
		slog.Info("migration complete", "version", v, "dirty", dirty)

		// SQL is in; now the Go-side data hooks.
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			slog.Warn("could not connect for data hooks", "error", err)
			return nil
		}
		defer db.Close()
		count, err := upgrade.RunPendingHooks(context.Background(), db)
		if err != nil {
			slog.Warn("data hooks failed", "error", err)
		} else if count > 0 {
			slog.Info("data hooks applied", "count", count)
		}
		return nil
	})
}

// withMigrator resolves the DSN and migrations source, runs fn, and
// closes the migrator.
func withMigrator(fn func(m *migrate.Migrate, dsn string) error) error {
	// The DSN is a secret and comes from the environment only;
	// config.Load reads CLAWGATE_POSTGRES_DSN into Database.PostgresDSN.
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dsn := cfg.Database.PostgresDSN
	if dsn == "" {
		return fmt.Errorf("CLAWGATE_POSTGRES_DSN environment variable is not set")
	}

	m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	return fn(m, dsn)
}

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	// Env override, used by the Docker entrypoint.
	if v := os.Getenv("CLAWGATE_MIGRATIONS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}
