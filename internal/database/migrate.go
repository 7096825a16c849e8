package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"apex-codegen/internal/logging"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnsupportedDialect is returned for databases without versioned
// migrations. sqlite databases are created with gorm AutoMigrate instead.
var ErrUnsupportedDialect = errors.New("versioned migrations require postgres")

// MigrationStatus represents the current migration state
type MigrationStatus struct {
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// MigrationRunner handles database migrations
type MigrationRunner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	log     *zap.Logger
}

// NewMigrationRunner opens databaseURL and prepares the embedded migrations.
func NewMigrationRunner(databaseURL string) (*MigrationRunner, error) {
	if Dialect(databaseURL) != DialectPostgres {
		return nil, ErrUnsupportedDialect
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create PostgreSQL driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return &MigrationRunner{
		migrate: m,
		db:      db,
		log:     logging.L().Named("migrate"),
	}, nil
}

// Up applies all pending migrations
func (r *MigrationRunner) Up() error {
	r.log.Info("running database migrations")

	if err := r.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.log.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.log.Info("migrations completed", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Down rolls back the last migration
func (r *MigrationRunner) Down() error {
	if err := r.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.log.Info("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("rollback failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.log.Info("rollback completed", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Version returns the current migration version
func (r *MigrationRunner) Version() (MigrationStatus, error) {
	version, dirty, err := r.migrate.Version()
	status := MigrationStatus{
		Version: version,
		Dirty:   dirty,
		Applied: version > 0,
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return MigrationStatus{}, nil
		}
		status.Error = err.Error()
		return status, err
	}
	return status, nil
}

// Force sets the migration version without running migrations. It is for
// clearing a dirty state.
func (r *MigrationRunner) Force(version int) error {
	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	r.log.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// Close closes the migration runner and database connection
func (r *MigrationRunner) Close() error {
	srcErr, dbErr := r.migrate.Close()
	if srcErr != nil {
		return fmt.Errorf("failed to close source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close database: %w", dbErr)
	}
	return nil
}

// Migrate applies all pending migrations for postgres URLs. Other dialects
// are left to the caller's AutoMigrate.
func Migrate(databaseURL string) error {
	runner, err := NewMigrationRunner(databaseURL)
	if errors.Is(err, ErrUnsupportedDialect) {
		return nil
	}
	if err != nil {
		return err
	}
	defer runner.Close()
	return runner.Up()
}
