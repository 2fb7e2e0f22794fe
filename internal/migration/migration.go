// Package migration applies the embedded sqlite schema migrations.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Manager handles database migrations
type Manager struct {
	migrator *migrate.Migrate
	db       *sql.DB
	ownsDB   bool
	log      *zap.Logger
}

// NewManagerWithDB creates a migration manager on an existing connection.
// The connection stays open when the manager is closed.
func NewManagerWithDB(db *sql.DB, log *zap.Logger) (*Manager, error) {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(MigrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return &Manager{
		migrator: migrator,
		db:       db,
		log:      log.Named("migration"),
	}, nil
}

// NewManager opens dbPath and creates a manager that owns the connection.
func NewManager(dbPath string, log *zap.Logger) (*Manager, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	m, err := NewManagerWithDB(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	m.ownsDB = true
	return m, nil
}

// Up runs all pending migrations, first repairing a dirty version if needed.
func (m *Manager) Up() error {
	m.log.Info("Running database migrations")

	if err := m.FixDirtyState(); err != nil {
		return err
	}

	err := m.migrator.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		m.log.Info("No new migrations to run")
	} else {
		m.log.Info("Migrations completed successfully")
	}
	return nil
}

// Down rolls back steps migrations; zero rolls back everything.
func (m *Manager) Down(steps int) error {
	m.log.Info("Rolling back migrations", zap.Int("steps", steps))

	var err error
	if steps > 0 {
		err = m.migrator.Steps(-steps)
	} else {
		err = m.migrator.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		m.log.Info("No migrations to rollback")
	} else {
		m.log.Info("Migration rollback completed successfully")
	}
	return nil
}

// Steps applies n migrations forward.
func (m *Manager) Steps(n int) error {
	err := m.migrator.Steps(n)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate %d steps: %w", n, err)
	}
	return nil
}

// Force sets the migration version without running migrations
func (m *Manager) Force(version int) error {
	m.log.Info("Forcing migration version", zap.Int("version", version))

	if err := m.migrator.Force(version); err != nil {
		return fmt.Errorf("failed to force migration version: %w", err)
	}
	return nil
}

// Version returns the current migration version
func (m *Manager) Version() (uint, bool, error) {
	version, dirty, err := m.migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// FixDirtyState attempts to fix a dirty migration state
func (m *Manager) FixDirtyState() error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	m.log.Warn("Database is in dirty state, attempting to fix", zap.Uint("version", version))

	if err := m.migrator.Force(int(version)); err == nil {
		m.log.Info("Cleaned dirty state", zap.Uint("version", version))
		return nil
	} else if version == 0 {
		return fmt.Errorf("database is dirty at version 0 and cannot be fixed automatically: %w", err)
	}

	if err := m.migrator.Force(int(version - 1)); err != nil {
		return fmt.Errorf("failed to fix dirty database state: %w", err)
	}
	m.log.Info("Forced to previous version", zap.Uint("version", version-1))
	return nil
}

// Close releases the connection when the manager opened it.
func (m *Manager) Close() error {
	if m.ownsDB {
		return m.db.Close()
	}
	return nil
}
