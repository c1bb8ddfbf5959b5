package store

import (
	"database/sql"
	"errors"
	"time"
)

// Store wraps the sync engine's durable state database
type Store struct {
	*sql.DB
	driver string
}

// Config holds database connection configuration
type Config struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	SkipMigrations  bool          `toml:"skip_migrations"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Driver:       "sqlite3",
		DSN:          "marketsync.db",
		MaxOpenConns: 1,
	}
}

// ErrNotFound is returned when a snapshot does not exist
var ErrNotFound = errors.New("store: not found")

// Open creates a new database connection and verifies it
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if driver == "sqlite3" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{
		DB:     db,
		driver: driver,
	}, nil
}

// OpenWithConfig creates a connection with pool settings applied and, unless
// skipped, the schema migrated to head
func OpenWithConfig(config Config) (*Store, error) {
	s, err := Open(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}

	if config.MaxOpenConns > 0 {
		s.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		s.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		s.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if !config.SkipMigrations {
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// Driver returns the database driver name
func (s *Store) Driver() string {
	return s.driver
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
