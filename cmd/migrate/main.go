package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/logger"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	var migrationDir string

	open := func() (*migrate.Migrate, error) {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is not set")
		}
		m, err := migrate.New(fmt.Sprintf("file://%s", migrationDir), cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("initialize migrations: %w", err)
		}
		return m, nil
	}

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply database schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&migrationDir, "path", "migrations", "Path to migration files")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := open()
				if err != nil {
					return err
				}
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("up: %w", err)
				}
				logVersion(log, m, "Migrated up")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := open()
				if err != nil {
					return err
				}
				if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("down: %w", err)
				}
				log.Info().Msg("Migrated down")
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := open()
				if err != nil {
					return err
				}
				logVersion(log, m, "Schema version")
				return nil
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				m, err := open()
				if err != nil {
					return err
				}
				if err := m.Force(v); err != nil {
					return fmt.Errorf("force: %w", err)
				}
				log.Info().Int("version", v).Msg("Forced schema version")
				return nil
			},
		},
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Migration failed")
		os.Exit(1)
	}
}

func logVersion(log zerolog.Logger, m *migrate.Migrate, msg string) {
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.Error().Err(err).Msg("Failed to read schema version")
		return
	}
	log.Info().Uint("version", version).Bool("dirty", dirty).Msg(msg)
}
