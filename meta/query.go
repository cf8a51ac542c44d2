package meta

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftsync/driftsync/schema"
)

// Listing queries are built with goqu so optional filters compose without
// hand-concatenated SQL.
var dialect = goqu.Dialect("sqlite3")

func (s *SQLiteStore) ListMarkers(schemaName string) ([]Marker, error) {
	q := dialect.From(markersTable).
		Select("schema_name", "table_name", "kind", "position", "seq", "updated_at").
		Order(goqu.I("table_name").Asc(), goqu.I("kind").Asc())
	if schemaName != "" {
		q = q.Where(goqu.Ex{"schema_name": schemaName})
	}

	sqlStr, args, err := q.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build marker query: %w", err)
	}
	rows, err := s.readDB.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list markers: %w", err)
	}
	defer rows.Close()

	var out []Marker
	for rows.Next() {
		var m Marker
		var updatedMS int64
		if err := rows.Scan(&m.SchemaName, &m.TableName, &m.Kind, &m.Position, &m.Seq, &updatedMS); err != nil {
			return nil, fmt.Errorf("failed to scan marker: %w", err)
		}
		m.UpdatedAt = msToTime(updatedMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSchemaVersions(schemaName, tableName string, limit int) ([]SchemaVersion, error) {
	q := dialect.From(schemaVersionsTable).
		Select("schema_name", "table_name", "version", "hash", "definition",
			"evolution_type", "prev_version", "created_at").
		Where(goqu.Ex{"schema_name": schemaName, "table_name": tableName}).
		Order(goqu.I("version").Desc())
	if limit > 0 {
		q = q.Limit(uint(limit))
	}

	sqlStr, args, err := q.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build schema version query: %w", err)
	}
	rows, err := s.readDB.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schema versions: %w", err)
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

func (s *SQLiteStore) ListRuns(schemaName string, limit int) ([]SyncRun, error) {
	q := dialect.From(syncRunsTable).
		Select("id", "schema_name", "mode", "status", "processed", "inserted",
			"updated", "deleted", "failed", "bytes", "tables_synced", "note",
			"started_at", "heartbeat_at", "completed_at", "duration_ms").
		Order(goqu.I("started_at").Desc())
	if schemaName != "" {
		q = q.Where(goqu.Ex{"schema_name": schemaName})
	}
	if limit > 0 {
		q = q.Limit(uint(limit))
	}

	sqlStr, args, err := q.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build run query: %w", err)
	}
	rows, err := s.readDB.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListErrors(f ErrorFilter) ([]ErrorRecord, error) {
	q := dialect.From(errorLogTable).
		Select("id", "schema_name", "table_name", "run_id", "kind", "message",
			"detail", "fingerprint", "retry_count", "max_retries", "status",
			"first_seen", "last_seen").
		Order(goqu.I("last_seen").Desc())

	where := goqu.Ex{}
	if f.SchemaName != "" {
		where["schema_name"] = f.SchemaName
	}
	if f.TableName != "" {
		where["table_name"] = f.TableName
	}
	if f.Kind != "" {
		where["kind"] = f.Kind
	}
	if f.Status != "" {
		where["status"] = f.Status
	}
	if len(where) > 0 {
		q = q.Where(where)
	}
	if f.Limit > 0 {
		q = q.Limit(uint(f.Limit))
	}

	sqlStr, args, err := q.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build error query: %w", err)
	}
	rows, err := s.readDB.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		e, err := scanErrorRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error record: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListDeadLetters(f DeadLetterFilter) ([]DeadLetter, error) {
	q := dialect.From(deadLettersTable).
		Select("id", "schema_name", "table_name", "record_key", "payload_ref",
			"error_id", "error_count", "last_error", "status", "created_at", "updated_at").
		Order(goqu.I("updated_at").Desc())

	where := goqu.Ex{}
	if f.SchemaName != "" {
		where["schema_name"] = f.SchemaName
	}
	if f.TableName != "" {
		where["table_name"] = f.TableName
	}
	if f.Status != "" {
		where["status"] = f.Status
	}
	if len(where) > 0 {
		q = q.Where(where)
	}
	if f.Limit > 0 {
		q = q.Limit(uint(f.Limit))
	}

	sqlStr, args, err := q.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build dead letter query: %w", err)
	}
	rows, err := s.readDB.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var createdMS, updatedMS int64
		if err := rows.Scan(&d.ID, &d.SchemaName, &d.TableName, &d.RecordKey,
			&d.PayloadRef, &d.ErrorID, &d.ErrorCount, &d.LastError, &d.Status,
			&createdMS, &updatedMS); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		d.CreatedAt = msToTime(createdMS)
		d.UpdatedAt = msToTime(updatedMS)
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanPendingChange(row interface{ Scan(...any) error }) (*PendingChange, error) {
	var c PendingChange
	var changeType, safety string
	var forward, rollback []byte
	var createdMS, updatedMS int64
	err := row.Scan(&c.ID, &c.SchemaName, &c.TableName, &changeType, &safety,
		&c.Column, &forward, &rollback, &c.Detail, &c.Status, &createdMS, &updatedMS)
	if err != nil {
		return nil, err
	}
	c.ChangeType = schema.ChangeType(changeType)
	if lvl, ok := schema.ParseSafetyLevel(safety); ok {
		c.Safety = lvl
	}
	if err := msgpack.Unmarshal(forward, &c.Forward); err != nil {
		return nil, fmt.Errorf("failed to decode forward statements: %w", err)
	}
	if err := msgpack.Unmarshal(rollback, &c.Rollback); err != nil {
		return nil, fmt.Errorf("failed to decode rollback statements: %w", err)
	}
	c.CreatedAt = msToTime(createdMS)
	c.UpdatedAt = msToTime(updatedMS)
	return &c, nil
}

const pendingColumnsList = "id, schema_name, table_name, change_type, safety, column_name, forward, rollback, detail, status, created_at, updated_at"

func (s *SQLiteStore) GetPendingChange(id string) (*PendingChange, error) {
	row := s.readDB.QueryRow(
		`SELECT `+pendingColumnsList+` FROM `+pendingChangesTable+` WHERE id = ?`, id)
	c, err := scanPendingChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending change: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListPendingChanges(schemaName, status string) ([]PendingChange, error) {
	q := dialect.From(pendingChangesTable).
		Select("id", "schema_name", "table_name", "change_type", "safety",
			"column_name", "forward", "rollback", "detail", "status",
			"created_at", "updated_at").
		Order(goqu.I("created_at").Asc())

	where := goqu.Ex{}
	if schemaName != "" {
		where["schema_name"] = schemaName
	}
	if status != "" {
		where["status"] = status
	}
	if len(where) > 0 {
		q = q.Where(where)
	}

	sqlStr, args, err := q.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build pending change query: %w", err)
	}
	rows, err := s.readDB.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	defer rows.Close()

	var out []PendingChange
	for rows.Next() {
		c, err := scanPendingChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
