package audit

import (
	"database/sql"
	"fmt"
)

type migration struct {
	Version     string
	Description string
	SQL         string
}

// migrations are applied in order; each version is applied at most once.
var migrations = []migration{
	{
		Version:     "001",
		Description: "session_events",
		SQL: `
			CREATE TABLE session_events (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL CHECK (kind IN ('session_started', 'session_stopped', 'session_purged')),
				viewer_id TEXT NOT NULL,
				operator_id TEXT NOT NULL DEFAULT '',
				original_operator_id TEXT NOT NULL DEFAULT '',
				connection_id TEXT NOT NULL DEFAULT '',
				occurred_at DATETIME NOT NULL
			);
			CREATE INDEX idx_session_events_time ON session_events (occurred_at DESC);
			CREATE INDEX idx_session_events_viewer ON session_events (viewer_id, occurred_at);
		`,
	},
}

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %s_%s: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	versions := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return err
	}
	return tx.Commit()
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
