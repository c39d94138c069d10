package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transientlab/skymatch/pkg/errors"
)

// SchemaMigrator is the slice of the migration runner the CLI drives.  The
// postgres migrator satisfies it directly.
type SchemaMigrator interface {
	Up() error
	Down(steps int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Close() error
}

// MigratorFactory opens a migration handle from the loaded configuration.
type MigratorFactory func(cliCtx *CLIContext) (SchemaMigrator, error)

var (
	migrateSteps        int
	migrateForceVersion int
)

// NewMigrateCmd creates the migrate command with its up, down, version, and
// force subcommands.
func NewMigrateCmd(factory MigratorFactory) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the catalog database schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, factory, func(m SchemaMigrator) error {
				if err := m.Up(); err != nil {
					return err
				}
				PrintSuccess(cmd, "schema is up to date")
				return nil
			})
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll the schema back by a number of migration steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, factory, func(m SchemaMigrator) error {
				if err := m.Down(migrateSteps); err != nil {
					return err
				}
				PrintSuccess(cmd, fmt.Sprintf("rolled back %d step(s)", migrateSteps))
				return nil
			})
		},
	}
	downCmd.Flags().IntVar(&migrateSteps, "steps", 1, "Number of migration steps to roll back")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show the currently applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, factory, func(m SchemaMigrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				return PrintResult(cmd, migrationStatus{Version: version, Dirty: dirty})
			})
		},
	}

	forceCmd := &cobra.Command{
		Use:   "force",
		Short: "Overwrite the recorded schema version without running migrations",
		Long:  "Overwrite the recorded schema version without running any migrations.\nOnly use this to recover from a dirty state after repairing the schema by\nhand; forcing the wrong version leaves schema and record out of sync.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, factory, func(m SchemaMigrator) error {
				if err := m.Force(migrateForceVersion); err != nil {
					return err
				}
				PrintSuccess(cmd, fmt.Sprintf("schema version forced to %d", migrateForceVersion))
				return nil
			})
		},
	}
	forceCmd.Flags().IntVar(&migrateForceVersion, "version", 0, "Schema version to record (required)")
	forceCmd.MarkFlagRequired("version")

	migrateCmd.AddCommand(upCmd, downCmd, versionCmd, forceCmd)
	return migrateCmd
}

// withMigrator opens the migration handle, runs fn, and always closes the
// handle again.
func withMigrator(cmd *cobra.Command, factory MigratorFactory, fn func(SchemaMigrator) error) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	if factory == nil {
		return errors.New(errors.CodeInternal, "migration backend is not wired")
	}

	m, err := factory(cliCtx)
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(m)
}

// migrationStatus reports the applied schema version.
type migrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func (s migrationStatus) String() string {
	if s.Version == 0 {
		return "no migrations applied"
	}
	if s.Dirty {
		return fmt.Sprintf("schema version %d (dirty; repair the schema by hand, then run migrate force)", s.Version)
	}
	return fmt.Sprintf("schema version %d", s.Version)
}
