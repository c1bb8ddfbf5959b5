package store

import "fmt"

// migration is one versioned schema change, applied in its own transaction
type migration struct {
	Version int
	SQL     string
}

// migrations are applied in order; append only, never edit a shipped entry
var migrations = []migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE IF NOT EXISTS sync_snapshots (
				job_id           TEXT PRIMARY KEY,
				state            TEXT NOT NULL,
				total            INTEGER NOT NULL,
				completed_count  INTEGER NOT NULL,
				failed_count     INTEGER NOT NULL,
				processed        INTEGER NOT NULL,
				percent          REAL NOT NULL,
				current_item_id  TEXT NOT NULL DEFAULT '',
				current_step     TEXT NOT NULL DEFAULT '',
				retry_at         TIMESTAMP,
				rate_limit_count INTEGER NOT NULL DEFAULT 0,
				retry_attempts   INTEGER NOT NULL DEFAULT 0,
				errors           TEXT NOT NULL DEFAULT '[]',
				eta_seconds      REAL,
				last_error       TEXT NOT NULL DEFAULT '',
				created_at       TIMESTAMP NOT NULL,
				updated_at       TIMESTAMP NOT NULL
			)
		`,
	},
	{
		Version: 2,
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_sync_snapshots_state_updated
			ON sync_snapshots (state, updated_at)
		`,
	},
}

// Migrate applies all pending migrations, recording each in
// schema_migrations. Safe to run at every boot; SQLite's file locking
// serializes concurrent migrators.
func (s *Store) Migrate() error {
	if err := s.createSchemaTable(); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	applied, err := s.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version, 0 when none
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) createSchemaTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := s.Exec(query)
	return err
}

func (s *Store) appliedVersions() (map[int]bool, error) {
	rows, err := s.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(m.SQL); err != nil {
		tx.Rollback()
		return err
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
