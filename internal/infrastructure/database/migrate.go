package database

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Migrator applies the SQL files under a migrations directory.
type Migrator struct {
	m      *migrate.Migrate
	db     *sql.DB
	logger *zap.Logger
}

// NewMigrator opens a lib/pq connection to databaseURL and binds it to the
// migration files in dir.
func NewMigrator(databaseURL, dir string, logger *zap.Logger) (*Migrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to resolve migrations dir: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(abs), "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	return &Migrator{m: m, db: db, logger: logger.Named("migrate")}, nil
}

// Up applies pending migrations; steps <= 0 applies all of them.
func (m *Migrator) Up(steps int) error {
	var err error
	if steps > 0 {
		err = m.m.Steps(steps)
	} else {
		err = m.m.Up()
	}
	return m.done("up", err)
}

// Down rolls back migrations; steps <= 0 rolls back all of them.
func (m *Migrator) Down(steps int) error {
	var err error
	if steps > 0 {
		err = m.m.Steps(-steps)
	} else {
		err = m.m.Down()
	}
	return m.done("down", err)
}

// Force sets the version without running migrations, clearing a dirty flag.
func (m *Migrator) Force(version int) error {
	if err := m.m.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	m.logger.Info("forced migration version", zap.Int("version", version))
	return nil
}

// Version returns the applied version; zero when nothing has been applied.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	return errors.Join(srcErr, dbErr)
}

func (m *Migrator) done(direction string, err error) error {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		m.logger.Info("no migrations to apply", zap.String("direction", direction))
		return nil
	case err != nil:
		return fmt.Errorf("migrate %s failed: %w", direction, err)
	}

	version, dirty, verr := m.Version()
	if verr != nil {
		return verr
	}
	m.logger.Info("migrations applied",
		zap.String("direction", direction),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}
