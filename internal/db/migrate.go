// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents an applied database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrations holds the full schema history, embedded so the store needs no
// external files. Append only; never edit an entry that has shipped.
var migrations = []struct {
	version     int
	description string
	sql         string
}{
	{
		version:     1,
		description: "create queued_sales",
		sql: `
		CREATE TABLE IF NOT EXISTS queued_sales (
			local_id    TEXT PRIMARY KEY,
			payload     BLOB NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending'
			            CHECK(status IN ('pending', 'syncing', 'synced', 'failed')),
			retry_count INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
			last_error  TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);`,
	},
	{
		version:     2,
		description: "index queued_sales by status and creation order",
		sql: `
		CREATE INDEX IF NOT EXISTS idx_queued_sales_status ON queued_sales(status);
		CREATE INDEX IF NOT EXISTS idx_queued_sales_created ON queued_sales(created_at, local_id);`,
	},
	{
		version:     3,
		description: "reindex queued_sales by creation time",
		// Drain order is created_at with rowid breaking same-millisecond
		// ties. An index on created_at alone serves that: SQLite appends the
		// rowid to every index entry.
		sql: `
		DROP INDEX IF EXISTS idx_queued_sales_created;
		CREATE INDEX IF NOT EXISTS idx_queued_sales_created ON queued_sales(created_at);`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations in version order, each in its own
// transaction. A checksum mismatch on an already-applied migration means the
// embedded schema history was edited and is treated as corruption.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedByVersion := make(map[int]Migration, len(applied))
	for _, mig := range applied {
		appliedByVersion[mig.Version] = mig
	}

	for _, mig := range migrations {
		checksum := checksumOf(mig.sql)

		if prior, ok := appliedByVersion[mig.version]; ok {
			if prior.Checksum != checksum {
				return fmt.Errorf("migration V%d checksum mismatch: applied=%s embedded=%s",
					mig.version, prior.Checksum, checksum)
			}
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration V%d: %w", mig.version, err)
		}

		if _, err := tx.Exec(mig.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration V%d (%s) failed: %w", mig.version, mig.description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			mig.version, time.Now().Unix(), mig.description, checksum,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration V%d: %w", mig.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration V%d: %w", mig.version, err)
		}
	}

	return nil
}

// checksumOf returns the hex SHA-256 of a migration body.
func checksumOf(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}
