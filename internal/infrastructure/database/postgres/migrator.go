package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// source driver
	_ "github.com/lib/pq"                                // database/sql driver for the migration handle

	"github.com/transientlab/skymatch/internal/config"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
)

// ─────────────────────────────────────────────────────────────────────────────
// Migrator
// ─────────────────────────────────────────────────────────────────────────────

// Migrator manages schema migrations through golang-migrate.  It holds its
// own database/sql handle, separate from the pgx pool, because the migrate
// postgres driver speaks database/sql.  Migrations run automatically on
// worker and API server startup and on demand through the migrate CLI
// command.
type Migrator struct {
	db     *sql.DB
	m      *migrate.Migrate
	logger logging.Logger
}

// NewMigrator opens a migration handle against the configured database using
// the migration files under cfg.MigrationPath.  The caller must Close the
// migrator when done.
func NewMigrator(cfg config.DatabaseConfig, logger logging.Logger) (*Migrator, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Named("migrator")

	if cfg.MigrationPath == "" {
		return nil, fmt.Errorf("migration path is not configured")
	}

	db, err := sql.Open("postgres", buildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open migration database handle: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialise migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+cfg.MigrationPath, cfg.DBName, driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &Migrator{db: db, m: m, logger: logger}, nil
}

// Up applies all pending migrations.  An already up-to-date schema is not an
// error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			mg.logger.Info("schema already up to date")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := mg.m.Version()
	if err == nil {
		mg.logger.Info("migrations applied",
			logging.Int("version", int(version)),
			logging.Bool("dirty", dirty))
	}
	return nil
}

// Down rolls the schema back by the given number of migration steps.  This
// is intended for development and test databases.
func (mg *Migrator) Down(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be greater than 0, got %d", steps)
	}

	if err := mg.m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("no migrations to roll back")
		}
		return fmt.Errorf("failed to rollback %d step(s): %w", steps, err)
	}
	return nil
}

// Version reports the currently applied migration version and whether the
// schema is dirty.  A dirty state means a previous migration failed partway
// and needs manual intervention (see Force).  A database with no applied
// migrations reports version 0.
func (mg *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = mg.m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Force overwrites the recorded schema version without running any
// migrations.  Only use this to recover from a dirty state after fixing the
// schema by hand; forcing the wrong version leaves schema and record
// permanently out of sync.
func (mg *Migrator) Force(version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	mg.logger.Warn("migration version forced", logging.Int("version", version))
	return nil
}

// Reset rolls back every migration and re-applies them from scratch.  This
// drops all tables; never point it at a production database.
func (mg *Migrator) Reset() error {
	if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back all migrations: %w", err)
	}
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to re-apply migrations: %w", err)
	}
	return nil
}

// Close releases the migration source, driver, and database handle.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	closeErr := mg.db.Close()

	switch {
	case srcErr != nil:
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	case dbErr != nil:
		return fmt.Errorf("failed to close migration driver: %w", dbErr)
	default:
		return closeErr
	}
}
