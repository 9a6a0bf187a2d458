package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Fresh database: create everything.
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		// Re-run idempotent DDL so additively-evolved tables and indices
		// exist even when the version number has not moved.
		return createSchema(db)
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration. Migrations are
// additive only: new tables, nullable columns, idempotent indices.
// No destructive migration touches features.
func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return createSchema(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// createSchema creates all required tables and indices. Idempotent.
func createSchema(db *sql.DB) error {
	tables := []string{
		// Schema version tracking.
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Backlog work items. Never deleted through the core.
		`CREATE TABLE IF NOT EXISTS features (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			priority INTEGER NOT NULL DEFAULT 1000,
			category TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			steps TEXT NOT NULL DEFAULT '[]',
			passes INTEGER NOT NULL DEFAULT 0,
			in_progress INTEGER NOT NULL DEFAULT 0,
			dependencies TEXT
		)`,

		// Runnable agent specifications.
		`CREATE TABLE IF NOT EXISTS agent_specs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			icon TEXT,
			spec_version TEXT NOT NULL DEFAULT 'v1',
			objective TEXT NOT NULL,
			task_type TEXT NOT NULL CHECK (task_type IN ('coding','testing','refactoring','documentation','audit','custom')),
			context TEXT,
			tool_policy TEXT NOT NULL,
			max_turns INTEGER NOT NULL CHECK (max_turns BETWEEN 1 AND 500),
			timeout_seconds INTEGER NOT NULL CHECK (timeout_seconds BETWEEN 60 AND 7200),
			parent_spec_id TEXT REFERENCES agent_specs(id),
			source_feature_id INTEGER,
			spec_path TEXT,
			priority INTEGER NOT NULL DEFAULT 1000,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Gate configuration, one-to-one with agent_specs.
		`CREATE TABLE IF NOT EXISTS acceptance_specs (
			id TEXT PRIMARY KEY,
			agent_spec_id TEXT NOT NULL UNIQUE REFERENCES agent_specs(id) ON DELETE CASCADE,
			validators TEXT NOT NULL DEFAULT '[]',
			gate_mode TEXT NOT NULL DEFAULT 'all_pass' CHECK (gate_mode IN ('all_pass','any_pass','weighted')),
			min_score REAL,
			retry_policy TEXT NOT NULL DEFAULT 'none' CHECK (retry_policy IN ('none','fixed','exponential')),
			max_retries INTEGER NOT NULL DEFAULT 0 CHECK (max_retries >= 0),
			fallback_spec_id TEXT REFERENCES agent_specs(id)
		)`,

		// Execution instances.
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			agent_spec_id TEXT NOT NULL REFERENCES agent_specs(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','running','paused','completed','failed','timeout')),
			started_at DATETIME,
			completed_at DATETIME,
			turns_used INTEGER NOT NULL DEFAULT 0 CHECK (turns_used >= 0),
			tokens_in INTEGER NOT NULL DEFAULT 0 CHECK (tokens_in >= 0),
			tokens_out INTEGER NOT NULL DEFAULT 0 CHECK (tokens_out >= 0),
			final_verdict TEXT CHECK (final_verdict IN ('passed','failed','error')),
			acceptance_results TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Content-addressed run outputs.
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES agent_runs(id) ON DELETE CASCADE,
			artifact_type TEXT NOT NULL CHECK (artifact_type IN ('file_change','test_result','log','metric','snapshot')),
			path TEXT,
			content_ref TEXT,
			content_inline TEXT,
			content_hash TEXT NOT NULL CHECK (length(content_hash) = 64),
			size_bytes INTEGER NOT NULL CHECK (size_bytes >= 0),
			metadata TEXT,
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Immutable, densely sequenced audit records.
		`CREATE TABLE IF NOT EXISTS agent_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES agent_runs(id) ON DELETE CASCADE,
			sequence INTEGER NOT NULL,
			event_type TEXT NOT NULL CHECK (event_type IN (
				'started','tool_call','tool_result','turn_complete','acceptance_check',
				'completed','failed','timeout','paused','resumed','policy_violation',
				'tests_executed','sandbox_tests_executed','test_result_artifact_created')),
			timestamp DATETIME NOT NULL,
			payload TEXT,
			payload_truncated INTEGER,
			artifact_ref TEXT REFERENCES artifacts(id) ON DELETE SET NULL,
			tool_name TEXT,
			UNIQUE(run_id, sequence)
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_features_state ON features(passes, in_progress)",
		"CREATE INDEX IF NOT EXISTS idx_features_priority ON features(priority)",

		"CREATE INDEX IF NOT EXISTS idx_agent_specs_feature ON agent_specs(source_feature_id)",
		"CREATE INDEX IF NOT EXISTS idx_agent_specs_task_type ON agent_specs(task_type)",
		"CREATE INDEX IF NOT EXISTS idx_agent_specs_created ON agent_specs(created_at)",

		"CREATE INDEX IF NOT EXISTS idx_agent_runs_spec ON agent_runs(agent_spec_id)",
		"CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status)",
		"CREATE INDEX IF NOT EXISTS idx_agent_runs_spec_status ON agent_runs(agent_spec_id, status)",

		"CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(artifact_type)",
		"CREATE INDEX IF NOT EXISTS idx_artifacts_hash ON artifacts(content_hash)",

		"CREATE INDEX IF NOT EXISTS idx_agent_events_run_seq ON agent_events(run_id, sequence)",
		"CREATE INDEX IF NOT EXISTS idx_agent_events_timestamp ON agent_events(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_agent_events_run_type ON agent_events(run_id, event_type)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO schema_version (version) VALUES (?)
	`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
