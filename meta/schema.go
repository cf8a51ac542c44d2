package meta

// Metadata tables carry the __driftsync__ prefix so they can coexist with
// user tables when the store shares a database file.
const (
	markersTable        = "__driftsync__markers"
	schemaVersionsTable = "__driftsync__schema_versions"
	syncRunsTable       = "__driftsync__sync_runs"
	errorLogTable       = "__driftsync__error_log"
	deadLettersTable    = "__driftsync__dead_letters"
	pendingChangesTable = "__driftsync__pending_changes"
)

// MetaSchemas returns the DDL applied at store startup. Statements are
// idempotent; the store runs them on every open.
func MetaSchemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + markersTable + ` (
			schema_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			position BLOB,
			seq INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (schema_name, table_name, kind)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + schemaVersionsTable + ` (
			schema_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			version INTEGER NOT NULL,
			hash TEXT NOT NULL,
			definition BLOB NOT NULL,
			evolution_type TEXT NOT NULL,
			prev_version INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (schema_name, table_name, version)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + syncRunsTable + ` (
			id TEXT PRIMARY KEY,
			schema_name TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			inserted INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL DEFAULT 0,
			tables_synced INTEGER NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			heartbeat_at INTEGER NOT NULL,
			completed_at INTEGER,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_runs_schema_status
			ON ` + syncRunsTable + ` (schema_name, status)`,

		`CREATE TABLE IF NOT EXISTS ` + errorLogTable + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schema_name TEXT NOT NULL,
			table_name TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			fingerprint INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_error_log_fingerprint
			ON ` + errorLogTable + ` (fingerprint, status)`,

		`CREATE TABLE IF NOT EXISTS ` + deadLettersTable + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schema_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			record_key TEXT NOT NULL,
			payload_ref TEXT NOT NULL,
			error_id INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 1,
			last_error TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letters_record
			ON ` + deadLettersTable + ` (schema_name, table_name, record_key)
			WHERE status = 'pending'`,

		`CREATE TABLE IF NOT EXISTS ` + pendingChangesTable + ` (
			id TEXT PRIMARY KEY,
			schema_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			change_type TEXT NOT NULL,
			safety TEXT NOT NULL,
			column_name TEXT NOT NULL DEFAULT '',
			forward BLOB NOT NULL,
			rollback BLOB NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_changes_status
			ON ` + pendingChangesTable + ` (schema_name, status)`,
	}
}
