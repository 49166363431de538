package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/kv/postgres"
)

// newMigrator is replaced in tests
var newMigrator = postgres.NewMigrator

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long:  `Database migration tool for managing the postgres schema. Use with 'up' or 'down' subcommands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	cmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	cmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending database migrations",
			Long: `Apply all pending database migrations to bring the schema up to date.
The connection parameters are read from the storage.postgres section of the
configuration file.`,
			Args: cobra.NoArgs,
			RunE: runMigrateUp,
		},
		&cobra.Command{
			Use:   "down",
			Short: "Migrate the database down",
			Long: `Migrate the database schema down by reverting migrations.
WARNING: This operation can result in data loss. Use with caution.

Examples:
  # Migrate down by 1 step
  cloudkv migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way (WARNING: destroys all data)
  cloudkv migrate down --config config.yaml --yes`,
			Args: cobra.NoArgs,
			RunE: runMigrateDown,
		},
	)
	return cmd
}

// setupMigration builds a migrator for the configured postgres database
func setupMigration() (postgres.Migrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.GetType() != config.StorageTypePostgres {
		return nil, fmt.Errorf("migrate requires postgres storage, configured storage is %s", cfg.Storage.GetType())
	}
	connString, err := cfg.Storage.Postgres.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}
	return newMigrator(connString)
}

func closeMigrator(m postgres.Migrator) {
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		slog.Error("Error closing migrator", "error", errors.Join(srcErr, dbErr))
	}
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}
	ok, err := confirmMigration(cmd, "About to apply migrations to the configured database. Continue?")
	if err != nil || !ok {
		return err
	}

	m, err := setupMigration()
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := executeMigrateUp(m, numSteps); err != nil {
		return err
	}
	displayMigrationVersion(cmd.OutOrStdout(), m)
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}

	prompt := "WARNING: This will migrate down ALL steps and may result in complete data loss. Continue?"
	if numSteps > 0 {
		prompt = fmt.Sprintf("WARNING: This will migrate down %d step(s) and may result in data loss. Continue?", numSteps)
	}
	ok, err := confirmMigration(cmd, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("migration cancelled by user")
	}

	m, err := setupMigration()
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := executeMigrateDown(m, numSteps); err != nil {
		return err
	}
	displayMigrationVersion(cmd.OutOrStdout(), m)
	return nil
}

// confirmMigration asks for confirmation on the command's input unless --yes is set
func confirmMigration(cmd *cobra.Command, prompt string) (bool, error) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return true, nil
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (yes/no): ", prompt)
	response, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}
	switch strings.TrimSpace(strings.ToLower(response)) {
	case "yes", "y":
		return true, nil
	default:
		slog.Info("Migration cancelled by user")
		return false, nil
	}
}

func stepCount(numSteps uint) (int, error) {
	if numSteps > math.MaxInt {
		return 0, fmt.Errorf("number of steps exceeds maximum allowed value")
	}
	return int(numSteps), nil // #nosec G115 -- overflow checked above
}

func executeMigrateUp(m postgres.Migrator, numSteps uint) error {
	var err error
	if numSteps == 0 {
		slog.Info("Applying all pending migrations")
		err = m.Up()
	} else {
		n, convErr := stepCount(numSteps)
		if convErr != nil {
			return convErr
		}
		slog.Info("Applying migrations", "steps", n)
		err = m.Steps(n)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("No migrations to apply, database is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func executeMigrateDown(m postgres.Migrator, numSteps uint) error {
	var err error
	if numSteps == 0 {
		slog.Warn("Migrating down all steps, this will remove all schema")
		err = m.Down()
	} else {
		n, convErr := stepCount(numSteps)
		if convErr != nil {
			return convErr
		}
		slog.Info("Migrating down", "steps", n)
		err = m.Steps(-n)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("No migrations to revert, database is already at the oldest version")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func displayMigrationVersion(w io.Writer, m postgres.Migrator) {
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		_, _ = fmt.Fprintln(w, "no migrations applied")
	case err != nil:
		slog.Warn("Failed to get migration version", "error", err)
	case dirty:
		_, _ = fmt.Fprintf(w, "version %d (dirty, manual intervention may be required)\n", version)
	default:
		_, _ = fmt.Fprintf(w, "version %d\n", version)
	}
}
