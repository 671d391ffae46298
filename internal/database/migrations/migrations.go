// Package migrations owns the SQLite schema. Each migration is a list of
// statements registered under a timestamp; Run applies whatever the target
// database is missing, oldest first, and records it in schema_migrations.
//
// Migration files are named YYYYMMDD-HHmmss-description.go after their
// timestamp, e.g. 20251008-114500-scheduler-claims.go.
package migrations

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Migration is one schema change set, applied in a single transaction.
type Migration struct {
	Timestamp   string // YYYYMMDD-HHmmss, orders and identifies the migration
	Description string
	Up          []string
}

var registry []Migration

// Register adds a migration to the registry. Migration files call it from
// init, so importing the package makes their changes known.
func Register(m Migration) {
	registry = append(registry, m)
}

// Run brings the database up to the newest registered migration. Applied
// migrations are skipped, so running it at every boot is safe.
func Run(db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	done, err := appliedSet(db)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	sort.Slice(registry, func(i, j int) bool {
		return registry[i].Timestamp < registry[j].Timestamp
	})

	for _, m := range registry {
		if done[m.Timestamp] {
			continue
		}
		logger.Info("applying migration", "version", m.Timestamp, "description", m.Description)
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %s (%s) failed: %w", m.Timestamp, m.Description, err)
		}
	}

	return nil
}

func appliedSet(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		done[version] = true
	}
	return done, rows.Err()
}

func apply(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.Up {
		if _, err := tx.Exec(stmt); err != nil {
			if alreadyInPlace(err, stmt) {
				continue
			}
			return fmt.Errorf("failed to execute statement: %w\n%s", err, stmt)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Timestamp, m.Description, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// alreadyInPlace reports whether a statement failure means the change exists
// already. Databases that got a column or index out of band, for example
// from a hand-applied hotfix, should not block the migration run.
func alreadyInPlace(err error, stmt string) bool {
	msg := err.Error()
	if strings.Contains(msg, "duplicate column") {
		return true
	}
	if strings.Contains(msg, "already exists") && strings.Contains(stmt, "CREATE INDEX") {
		return true
	}
	return false
}

// AppliedMigration describes one row of schema_migrations.
type AppliedMigration struct {
	Version     string
	Description string
	AppliedAt   time.Time
}

// Applied returns the applied migrations, oldest first.
func Applied(db *sql.DB) ([]AppliedMigration, error) {
	rows, err := db.Query(`SELECT version, description, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		var appliedAt string
		if err := rows.Scan(&m.Version, &m.Description, &appliedAt); err != nil {
			return nil, err
		}
		m.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
