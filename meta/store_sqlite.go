package meta

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftsync/driftsync/schema"
)

// SQLiteStore implements Store using SQLite with a single-connection write
// pool and a small read pool. DLQ payload bodies live in a sidecar append
// log; SQLite rows keep the metadata.
type SQLiteStore struct {
	writeDB  *sql.DB
	readDB   *sql.DB
	path     string
	payloads *PayloadLog
	errSeen  *fingerprintFilter
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the metadata database at path and the
// payload log under payloadDir. An empty payloadDir keeps payloads in
// memory, which only makes sense for tests.
func NewSQLiteStore(path, payloadDir string, busyTimeoutMS int) (*SQLiteStore, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	writeDSN := path
	if !isMemoryDB {
		if strings.Contains(writeDSN, "?") {
			writeDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		} else {
			writeDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		}
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open meta write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDSN := path
	if !isMemoryDB {
		if strings.Contains(readDSN, "?") {
			readDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
		} else {
			readDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
		}
	}

	readDB, err := sql.Open("sqlite3", readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open meta read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(0)

	// In-memory databases share nothing between connections; route reads
	// through the single write connection instead.
	if isMemoryDB {
		readDB.Close()
		readDB = writeDB
	}

	if !isMemoryDB {
		for _, db := range []*sql.DB{writeDB, readDB} {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA cache_size=-16000",
				"PRAGMA temp_store=MEMORY",
			} {
				if _, err := db.Exec(pragma); err != nil {
					writeDB.Close()
					readDB.Close()
					return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
				}
			}
		}
	}

	for _, ddl := range MetaSchemas() {
		if _, err := writeDB.Exec(ddl); err != nil {
			writeDB.Close()
			if readDB != writeDB {
				readDB.Close()
			}
			return nil, fmt.Errorf("failed to create meta schema: %w", err)
		}
	}

	payloads, err := OpenPayloadLog(payloadDir)
	if err != nil {
		writeDB.Close()
		if readDB != writeDB {
			readDB.Close()
		}
		return nil, fmt.Errorf("failed to open payload log: %w", err)
	}

	return &SQLiteStore{
		writeDB:  writeDB,
		readDB:   readDB,
		path:     path,
		payloads: payloads,
		errSeen:  newFingerprintFilter(),
	}, nil
}

// Close closes both database pools and the payload log.
func (s *SQLiteStore) Close() error {
	var firstErr error
	if s.payloads != nil {
		if err := s.payloads.Close(); err != nil {
			firstErr = err
		}
	}
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.readDB != nil && s.readDB != s.writeDB {
		if err := s.readDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// GetMarker returns the stored marker, or nil when absent. Absent means
// the caller must full-load before streaming.
func (s *SQLiteStore) GetMarker(schemaName, tableName, kind string) (*Marker, error) {
	row := s.readDB.QueryRow(
		`SELECT schema_name, table_name, kind, position, seq, updated_at
		 FROM `+markersTable+`
		 WHERE schema_name = ? AND table_name = ? AND kind = ?`,
		schemaName, tableName, kind)

	var m Marker
	var updatedMS int64
	err := row.Scan(&m.SchemaName, &m.TableName, &m.Kind, &m.Position, &m.Seq, &updatedMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get marker: %w", err)
	}
	m.UpdatedAt = msToTime(updatedMS)
	return &m, nil
}

// UpdateMarker upserts the marker. A stale update (lower sequence than the
// stored row) is a silent no-op so markers never regress.
func (s *SQLiteStore) UpdateMarker(m Marker) error {
	_, err := s.writeDB.Exec(
		`INSERT INTO `+markersTable+` (schema_name, table_name, kind, position, seq, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(schema_name, table_name, kind) DO UPDATE SET
			position = excluded.position,
			seq = excluded.seq,
			updated_at = excluded.updated_at
		 WHERE excluded.seq >= `+markersTable+`.seq`,
		m.SchemaName, m.TableName, m.Kind, m.Position, m.Seq, nowMS())
	if err != nil {
		return fmt.Errorf("failed to update marker: %w", err)
	}
	return nil
}

// ResetMarker deletes the marker, forcing a full resync. This is the only
// sanctioned way to move a position backwards.
func (s *SQLiteStore) ResetMarker(schemaName, tableName, kind string) error {
	_, err := s.writeDB.Exec(
		`DELETE FROM `+markersTable+` WHERE schema_name = ? AND table_name = ? AND kind = ?`,
		schemaName, tableName, kind)
	if err != nil {
		return fmt.Errorf("failed to reset marker: %w", err)
	}
	log.Info().
		Str("schema", schemaName).
		Str("table", tableName).
		Str("kind", kind).
		Msg("Marker reset, next run will full-load")
	return nil
}

// RegisterSchema records a new version for the table, or returns the
// current one when the content hash is unchanged. The read-compare-insert
// runs in one immediate transaction so versions stay gapless under
// concurrent registration.
func (s *SQLiteStore) RegisterSchema(schemaName string, table schema.Table, evo schema.EvolutionType) (*SchemaVersion, error) {
	hash := table.Hash()
	definition, err := msgpack.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("failed to encode table definition: %w", err)
	}

	tx, err := s.writeDB.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin schema registration: %w", err)
	}
	defer tx.Rollback()

	var latestVersion int64
	var latestHash string
	err = tx.QueryRow(
		`SELECT version, hash FROM `+schemaVersionsTable+`
		 WHERE schema_name = ? AND table_name = ?
		 ORDER BY version DESC LIMIT 1`,
		schemaName, table.Name).Scan(&latestVersion, &latestHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read latest schema version: %w", err)
	}

	if err == nil && latestHash == hash {
		// Identical content never creates a version.
		return &SchemaVersion{
			SchemaName:    schemaName,
			TableName:     table.Name,
			Version:       latestVersion,
			Hash:          hash,
			Table:         table.Clone(),
			EvolutionType: evo,
		}, nil
	}

	version := latestVersion + 1
	createdMS := nowMS()
	_, err = tx.Exec(
		`INSERT INTO `+schemaVersionsTable+`
		 (schema_name, table_name, version, hash, definition, evolution_type, prev_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		schemaName, table.Name, version, hash, definition, string(evo), latestVersion, createdMS)
	if err != nil {
		return nil, fmt.Errorf("failed to insert schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit schema version: %w", err)
	}

	log.Info().
		Str("schema", schemaName).
		Str("table", table.Name).
		Int64("version", version).
		Str("hash", hash).
		Str("evolution", string(evo)).
		Msg("Registered schema version")

	return &SchemaVersion{
		SchemaName:    schemaName,
		TableName:     table.Name,
		Version:       version,
		Hash:          hash,
		Table:         table.Clone(),
		EvolutionType: evo,
		PrevVersion:   latestVersion,
		CreatedAt:     msToTime(createdMS),
	}, nil
}

func scanSchemaVersion(row interface{ Scan(...any) error }) (*SchemaVersion, error) {
	var v SchemaVersion
	var definition []byte
	var evo string
	var createdMS int64
	err := row.Scan(&v.SchemaName, &v.TableName, &v.Version, &v.Hash,
		&definition, &evo, &v.PrevVersion, &createdMS)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(definition, &v.Table); err != nil {
		return nil, fmt.Errorf("failed to decode table definition: %w", err)
	}
	v.EvolutionType = schema.EvolutionType(evo)
	v.CreatedAt = msToTime(createdMS)
	return &v, nil
}

const schemaVersionColumns = `schema_name, table_name, version, hash, definition, evolution_type, prev_version, created_at`

// ListLatestSchemaVersions returns the newest registered version of every
// table in a schema.
func (s *SQLiteStore) ListLatestSchemaVersions(schemaName string) ([]SchemaVersion, error) {
	rows, err := s.readDB.Query(
		`SELECT `+schemaVersionColumns+` FROM `+schemaVersionsTable+` AS sv
		 WHERE schema_name = ?
		   AND version = (SELECT MAX(version) FROM `+schemaVersionsTable+`
		                  WHERE schema_name = sv.schema_name AND table_name = sv.table_name)
		 ORDER BY table_name`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest schema versions: %w", err)
	}
	defer rows.Close()

	var out []SchemaVersion
	for rows.Next() {
		v, err := scanSchemaVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schema version: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// GetSchemaVersion returns one specific version, or nil when absent.
func (s *SQLiteStore) GetSchemaVersion(schemaName, tableName string, version int64) (*SchemaVersion, error) {
	row := s.readDB.QueryRow(
		`SELECT `+schemaVersionColumns+` FROM `+schemaVersionsTable+`
		 WHERE schema_name = ? AND table_name = ? AND version = ?`,
		schemaName, tableName, version)
	v, err := scanSchemaVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schema version: %w", err)
	}
	return v, nil
}

// GetLatestSchemaVersion returns the newest version, or nil when the table
// has never been registered.
func (s *SQLiteStore) GetLatestSchemaVersion(schemaName, tableName string) (*SchemaVersion, error) {
	row := s.readDB.QueryRow(
		`SELECT `+schemaVersionColumns+` FROM `+schemaVersionsTable+`
		 WHERE schema_name = ? AND table_name = ?
		 ORDER BY version DESC LIMIT 1`,
		schemaName, tableName)
	v, err := scanSchemaVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest schema version: %w", err)
	}
	return v, nil
}

func randomID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

// StartRun creates a new running sync run.
func (s *SQLiteStore) StartRun(schemaName, mode string) (*SyncRun, error) {
	run := &SyncRun{
		ID:         randomID(),
		SchemaName: schemaName,
		Mode:       mode,
		Status:     RunRunning,
	}
	startedMS := nowMS()
	_, err := s.writeDB.Exec(
		`INSERT INTO `+syncRunsTable+` (id, schema_name, mode, status, started_at, heartbeat_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, schemaName, mode, RunRunning, startedMS, startedMS)
	if err != nil {
		return nil, fmt.Errorf("failed to start sync run: %w", err)
	}
	run.StartedAt = msToTime(startedMS)
	run.HeartbeatAt = run.StartedAt
	return run, nil
}

// TouchRun refreshes the run heartbeat so the stuck-run sweep leaves it
// alone.
func (s *SQLiteStore) TouchRun(id string) error {
	_, err := s.writeDB.Exec(
		`UPDATE `+syncRunsTable+` SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		nowMS(), id, RunRunning)
	if err != nil {
		return fmt.Errorf("failed to touch sync run: %w", err)
	}
	return nil
}

// AddRunStats folds a counter delta into a running run.
func (s *SQLiteStore) AddRunStats(id string, delta RunStats) error {
	_, err := s.writeDB.Exec(
		`UPDATE `+syncRunsTable+` SET
			processed = processed + ?,
			inserted = inserted + ?,
			updated = updated + ?,
			deleted = deleted + ?,
			failed = failed + ?,
			bytes = bytes + ?,
			tables_synced = tables_synced + ?,
			heartbeat_at = ?
		 WHERE id = ? AND status = ?`,
		delta.Processed, delta.Inserted, delta.Updated, delta.Deleted,
		delta.Failed, delta.Bytes, delta.Tables, nowMS(), id, RunRunning)
	if err != nil {
		return fmt.Errorf("failed to add run stats: %w", err)
	}
	return nil
}

// CompleteRun moves a running run to a terminal state. Terminal states are
// final; completing an already-completed run is a state error.
func (s *SQLiteStore) CompleteRun(id, status string, stats RunStats, note string) error {
	switch status {
	case RunCompleted, RunFailed, RunCancelled:
	default:
		return fmt.Errorf("invalid terminal sync run status %q", status)
	}

	completedMS := nowMS()
	res, err := s.writeDB.Exec(
		`UPDATE `+syncRunsTable+` SET
			status = ?,
			processed = processed + ?,
			inserted = inserted + ?,
			updated = updated + ?,
			deleted = deleted + ?,
			failed = failed + ?,
			bytes = bytes + ?,
			tables_synced = tables_synced + ?,
			note = ?,
			completed_at = ?,
			duration_ms = ? - started_at
		 WHERE id = ? AND status = ?`,
		status, stats.Processed, stats.Inserted, stats.Updated, stats.Deleted,
		stats.Failed, stats.Bytes, stats.Tables, note, completedMS, completedMS,
		id, RunRunning)
	if err != nil {
		return fmt.Errorf("failed to complete sync run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := s.GetRun(id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("sync run %s not found", id)
		}
		return fmt.Errorf("sync run %s is %s, cannot transition to %s", id, existing.Status, status)
	}

	log.Info().
		Str("run_id", id).
		Str("status", status).
		Int64("processed", stats.Processed).
		Int64("failed", stats.Failed).
		Msg("Sync run completed")
	return nil
}

const syncRunColumns = `id, schema_name, mode, status, processed, inserted, updated, deleted,
	failed, bytes, tables_synced, note, started_at, heartbeat_at, completed_at, duration_ms`

func scanSyncRun(row interface{ Scan(...any) error }) (*SyncRun, error) {
	var r SyncRun
	var startedMS, heartbeatMS, durationMS int64
	var completedMS sql.NullInt64
	err := row.Scan(&r.ID, &r.SchemaName, &r.Mode, &r.Status,
		&r.Stats.Processed, &r.Stats.Inserted, &r.Stats.Updated, &r.Stats.Deleted,
		&r.Stats.Failed, &r.Stats.Bytes, &r.Stats.Tables, &r.Note,
		&startedMS, &heartbeatMS, &completedMS, &durationMS)
	if err != nil {
		return nil, err
	}
	r.StartedAt = msToTime(startedMS)
	r.HeartbeatAt = msToTime(heartbeatMS)
	if completedMS.Valid {
		r.CompletedAt = msToTime(completedMS.Int64)
	}
	r.DurationMS = durationMS
	return &r, nil
}

// GetRun returns one run by ID, or nil when absent.
func (s *SQLiteStore) GetRun(id string) (*SyncRun, error) {
	row := s.readDB.QueryRow(
		`SELECT `+syncRunColumns+` FROM `+syncRunsTable+` WHERE id = ?`, id)
	r, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return r, nil
}

// RecoverStuckRuns marks runs whose heartbeat is older than maxAge as
// failed and returns them so the caller can start replacements. A stuck
// run is never resurrected in place.
func (s *SQLiteStore) RecoverStuckRuns(maxAge time.Duration) ([]SyncRun, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	rows, err := s.writeDB.Query(
		`SELECT `+syncRunColumns+` FROM `+syncRunsTable+`
		 WHERE status = ? AND heartbeat_at < ?`,
		RunRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck runs: %w", err)
	}

	var stuck []SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan stuck run: %w", err)
		}
		stuck = append(stuck, *r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stuck runs: %w", err)
	}

	nowVal := nowMS()
	for i := range stuck {
		_, err := s.writeDB.Exec(
			`UPDATE `+syncRunsTable+` SET
				status = ?, note = ?, completed_at = ?, duration_ms = ? - started_at
			 WHERE id = ? AND status = ?`,
			RunFailed, "recovered: heartbeat expired", nowVal, nowVal,
			stuck[i].ID, RunRunning)
		if err != nil {
			return nil, fmt.Errorf("failed to mark run %s failed: %w", stuck[i].ID, err)
		}
		stuck[i].Status = RunFailed
		stuck[i].Note = "recovered: heartbeat expired"
		log.Warn().
			Str("run_id", stuck[i].ID).
			Str("schema", stuck[i].SchemaName).
			Time("heartbeat", stuck[i].HeartbeatAt).
			Msg("Recovered stuck sync run")
	}
	return stuck, nil
}
