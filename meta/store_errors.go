package meta

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftsync/driftsync/telemetry"
)

const (
	fingerprintBucketSize = 4
	fingerprintBits       = 16
	fingerprintBuckets    = 65536 // ~256k fingerprints
)

// fingerprintFilter front-ends the duplicate-error lookup. A miss means the
// fingerprint was definitely never logged in this process, so LogError can
// insert without querying first. A hit falls through to SQLite.
type fingerprintFilter struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
}

func newFingerprintFilter() *fingerprintFilter {
	return &fingerprintFilter{
		filter: cuckoo.NewFilter(fingerprintBucketSize, fingerprintBits,
			fingerprintBuckets, cuckoo.TableTypePacked),
	}
}

func (f *fingerprintFilter) mightContain(fp uint64) bool {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, fp)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.Contain(buf)
}

func (f *fingerprintFilter) add(fp uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, fp)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.Add(buf)
}

// Fingerprint identifies "the same error" for retry-count collapsing.
func Fingerprint(schemaName, tableName, kind, message string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(schemaName)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(tableName)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(kind)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(message)
	return h.Sum64()
}

const errorColumns = `id, schema_name, table_name, run_id, kind, message, detail,
	fingerprint, retry_count, max_retries, status, first_seen, last_seen`

func scanErrorRecord(row interface{ Scan(...any) error }) (*ErrorRecord, error) {
	var e ErrorRecord
	var fp int64
	var firstMS, lastMS int64
	err := row.Scan(&e.ID, &e.SchemaName, &e.TableName, &e.RunID, &e.Kind,
		&e.Message, &e.Detail, &fp, &e.RetryCount, &e.MaxRetries, &e.Status,
		&firstMS, &lastMS)
	if err != nil {
		return nil, err
	}
	e.Fingerprint = uint64(fp)
	e.FirstSeen = msToTime(firstMS)
	e.LastSeen = msToTime(lastMS)
	return &e, nil
}

// LogError records a failure. A repeat of the same failure (identical
// fingerprint, still open, seen within retryWindow) increments the retry
// count on the existing record instead of inserting a new row. The
// returned record carries the current retry count so the caller can decide
// when retries are exhausted.
func (s *SQLiteStore) LogError(e ErrorRecord, retryWindow time.Duration) (*ErrorRecord, error) {
	if e.Fingerprint == 0 {
		e.Fingerprint = Fingerprint(e.SchemaName, e.TableName, e.Kind, e.Message)
	}
	now := nowMS()
	windowStart := now - retryWindow.Milliseconds()

	if s.errSeen.mightContain(e.Fingerprint) {
		row := s.writeDB.QueryRow(
			`SELECT `+errorColumns+` FROM `+errorLogTable+`
			 WHERE fingerprint = ? AND status = ? AND last_seen >= ?
			 ORDER BY last_seen DESC LIMIT 1`,
			int64(e.Fingerprint), ErrorOpen, windowStart)
		existing, err := scanErrorRecord(row)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to look up error fingerprint: %w", err)
		}
		if err == nil {
			_, err = s.writeDB.Exec(
				`UPDATE `+errorLogTable+` SET retry_count = retry_count + 1, last_seen = ?, run_id = ?
				 WHERE id = ?`,
				now, e.RunID, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to increment retry count: %w", err)
			}
			existing.RetryCount++
			existing.LastSeen = msToTime(now)
			existing.RunID = e.RunID
			return existing, nil
		}
	}

	res, err := s.writeDB.Exec(
		`INSERT INTO `+errorLogTable+`
		 (schema_name, table_name, run_id, kind, message, detail, fingerprint,
		  retry_count, max_retries, status, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		e.SchemaName, e.TableName, e.RunID, e.Kind, e.Message, e.Detail,
		int64(e.Fingerprint), e.MaxRetries, ErrorOpen, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert error record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read error record id: %w", err)
	}
	s.errSeen.add(e.Fingerprint)
	telemetry.ErrorsLogged.Inc()

	e.ID = id
	e.RetryCount = 1
	e.Status = ErrorOpen
	e.FirstSeen = msToTime(now)
	e.LastSeen = e.FirstSeen
	return &e, nil
}

// ResolveError marks an error record resolved.
func (s *SQLiteStore) ResolveError(id int64) error {
	res, err := s.writeDB.Exec(
		`UPDATE `+errorLogTable+` SET status = ? WHERE id = ? AND status = ?`,
		ErrorResolved, id, ErrorOpen)
	if err != nil {
		return fmt.Errorf("failed to resolve error: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("error record %d not found or not open", id)
	}
	return nil
}

// AddDeadLetter parks a record that exhausted processing. Re-adding the
// same (schema, table, key) while still pending bumps the error count and
// refreshes the stored payload instead of duplicating the row.
func (s *SQLiteStore) AddDeadLetter(d DeadLetter, payload []byte) (*DeadLetter, error) {
	now := nowMS()

	row := s.writeDB.QueryRow(
		`SELECT id, payload_ref, error_count FROM `+deadLettersTable+`
		 WHERE schema_name = ? AND table_name = ? AND record_key = ? AND status = ?`,
		d.SchemaName, d.TableName, d.RecordKey, DLQPending)

	var existingID int64
	var existingRef string
	var errorCount int
	err := row.Scan(&existingID, &existingRef, &errorCount)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to look up dead letter: %w", err)
	}

	if err == nil {
		if payload != nil {
			if perr := s.payloads.Put(existingRef, payload); perr != nil {
				return nil, fmt.Errorf("failed to rewrite dead letter payload: %w", perr)
			}
		}
		_, err = s.writeDB.Exec(
			`UPDATE `+deadLettersTable+`
			 SET error_count = error_count + 1, last_error = ?, error_id = ?, updated_at = ?
			 WHERE id = ?`,
			d.LastError, d.ErrorID, now, existingID)
		if err != nil {
			return nil, fmt.Errorf("failed to update dead letter: %w", err)
		}
		d.ID = existingID
		d.PayloadRef = existingRef
		d.ErrorCount = errorCount + 1
		d.Status = DLQPending
		d.UpdatedAt = msToTime(now)
		return &d, nil
	}

	ref := fmt.Sprintf("%s/%s/%s/%d", d.SchemaName, d.TableName, d.RecordKey, now)
	if payload != nil {
		if perr := s.payloads.Put(ref, payload); perr != nil {
			return nil, fmt.Errorf("failed to store dead letter payload: %w", perr)
		}
	}

	res, err := s.writeDB.Exec(
		`INSERT INTO `+deadLettersTable+`
		 (schema_name, table_name, record_key, payload_ref, error_id, error_count,
		  last_error, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		d.SchemaName, d.TableName, d.RecordKey, ref, d.ErrorID, d.LastError,
		DLQPending, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter id: %w", err)
	}
	telemetry.DeadLetters.Inc()

	d.ID = id
	d.PayloadRef = ref
	d.ErrorCount = 1
	d.Status = DLQPending
	d.CreatedAt = msToTime(now)
	d.UpdatedAt = d.CreatedAt
	return &d, nil
}

// GetDeadLetterPayload fetches the stored payload body.
func (s *SQLiteStore) GetDeadLetterPayload(ref string) ([]byte, error) {
	return s.payloads.Get(ref)
}

var dlqTransitions = map[string]map[string]bool{
	DLQPending:    {DLQProcessing: true, DLQResolved: true, DLQDiscarded: true},
	DLQProcessing: {DLQResolved: true, DLQDiscarded: true},
}

// SetDeadLetterStatus moves a dead letter forward through its lifecycle.
func (s *SQLiteStore) SetDeadLetterStatus(id int64, status string) error {
	row := s.writeDB.QueryRow(
		`SELECT status FROM `+deadLettersTable+` WHERE id = ?`, id)
	var current string
	if err := row.Scan(&current); err == sql.ErrNoRows {
		return fmt.Errorf("dead letter %d not found", id)
	} else if err != nil {
		return fmt.Errorf("failed to read dead letter status: %w", err)
	}

	if !dlqTransitions[current][status] {
		return fmt.Errorf("dead letter %d is %s, cannot transition to %s", id, current, status)
	}

	_, err := s.writeDB.Exec(
		`UPDATE `+deadLettersTable+` SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowMS(), id)
	if err != nil {
		return fmt.Errorf("failed to set dead letter status: %w", err)
	}
	return nil
}

// AddPendingChange persists a migration held for approval.
func (s *SQLiteStore) AddPendingChange(c PendingChange) (*PendingChange, error) {
	if c.ID == "" {
		c.ID = randomID()
	}
	forward, err := msgpack.Marshal(c.Forward)
	if err != nil {
		return nil, fmt.Errorf("failed to encode forward statements: %w", err)
	}
	rollback, err := msgpack.Marshal(c.Rollback)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rollback statements: %w", err)
	}

	now := nowMS()
	_, err = s.writeDB.Exec(
		`INSERT INTO `+pendingChangesTable+`
		 (id, schema_name, table_name, change_type, safety, column_name,
		  forward, rollback, detail, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SchemaName, c.TableName, string(c.ChangeType), c.Safety.String(),
		c.Column, forward, rollback, c.Detail, ChangePending, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert pending change: %w", err)
	}

	c.Status = ChangePending
	c.CreatedAt = msToTime(now)
	c.UpdatedAt = c.CreatedAt
	telemetry.PendingApprovals.Inc()

	log.Info().
		Str("change_id", c.ID).
		Str("schema", c.SchemaName).
		Str("table", c.TableName).
		Str("type", string(c.ChangeType)).
		Str("safety", c.Safety.String()).
		Msg("Schema change awaiting approval")
	return &c, nil
}

var pendingTransitions = map[string]map[string]bool{
	ChangePending:  {ChangeApproved: true, ChangeRejected: true},
	ChangeApproved: {ChangeApplied: true},
}

// SetPendingChangeStatus moves a pending change through
// pending -> approved/rejected -> applied.
func (s *SQLiteStore) SetPendingChangeStatus(id, status string) error {
	existing, err := s.GetPendingChange(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("pending change %s not found", id)
	}
	if !pendingTransitions[existing.Status][status] {
		return fmt.Errorf("pending change %s is %s, cannot transition to %s", id, existing.Status, status)
	}

	_, err = s.writeDB.Exec(
		`UPDATE `+pendingChangesTable+` SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowMS(), id)
	if err != nil {
		return fmt.Errorf("failed to set pending change status: %w", err)
	}
	if status == ChangeRejected || status == ChangeApplied {
		telemetry.PendingApprovals.Dec()
	}
	return nil
}

// Cleanup prunes terminal runs, resolved errors and dead letters past their
// age, and schema versions beyond the newest keep-count per table.
func (s *SQLiteStore) Cleanup(policy RetentionPolicy) (CleanupCounts, error) {
	var counts CleanupCounts
	now := time.Now()

	runCutoff := now.Add(-policy.RunAge).UnixMilli()
	res, err := s.writeDB.Exec(
		`DELETE FROM `+syncRunsTable+`
		 WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		RunCompleted, RunFailed, RunCancelled, runCutoff)
	if err != nil {
		return counts, fmt.Errorf("failed to prune sync runs: %w", err)
	}
	counts.Runs, _ = res.RowsAffected()

	errCutoff := now.Add(-policy.ErrorAge).UnixMilli()
	res, err = s.writeDB.Exec(
		`DELETE FROM `+errorLogTable+` WHERE status IN (?, ?) AND last_seen < ?`,
		ErrorResolved, ErrorIgnored, errCutoff)
	if err != nil {
		return counts, fmt.Errorf("failed to prune error log: %w", err)
	}
	counts.Errors, _ = res.RowsAffected()

	refs, err := s.collectDeadLetterRefs(errCutoff)
	if err != nil {
		return counts, err
	}
	for _, ref := range refs {
		if err := s.payloads.Delete(ref); err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("Failed to delete dead letter payload")
		}
	}
	res, err = s.writeDB.Exec(
		`DELETE FROM `+deadLettersTable+` WHERE status IN (?, ?) AND updated_at < ?`,
		DLQResolved, DLQDiscarded, errCutoff)
	if err != nil {
		return counts, fmt.Errorf("failed to prune dead letters: %w", err)
	}
	counts.DeadLetters, _ = res.RowsAffected()

	if policy.SchemaVersionsKeep > 0 {
		res, err = s.writeDB.Exec(
			`DELETE FROM `+schemaVersionsTable+` WHERE (
				SELECT COUNT(*) FROM `+schemaVersionsTable+` newer
				WHERE newer.schema_name = `+schemaVersionsTable+`.schema_name
				  AND newer.table_name = `+schemaVersionsTable+`.table_name
				  AND newer.version > `+schemaVersionsTable+`.version
			 ) >= ?`,
			policy.SchemaVersionsKeep)
		if err != nil {
			return counts, fmt.Errorf("failed to prune schema versions: %w", err)
		}
		counts.SchemaVersions, _ = res.RowsAffected()
	}

	if counts.Total() > 0 {
		telemetry.CleanupRows.Add(float64(counts.Total()))
		log.Info().
			Int64("runs", counts.Runs).
			Int64("errors", counts.Errors).
			Int64("dead_letters", counts.DeadLetters).
			Int64("schema_versions", counts.SchemaVersions).
			Msg("Retention sweep pruned metadata")
	}
	return counts, nil
}

func (s *SQLiteStore) collectDeadLetterRefs(cutoffMS int64) ([]string, error) {
	rows, err := s.writeDB.Query(
		`SELECT payload_ref FROM `+deadLettersTable+` WHERE status IN (?, ?) AND updated_at < ?`,
		DLQResolved, DLQDiscarded, cutoffMS)
	if err != nil {
		return nil, fmt.Errorf("failed to collect dead letter refs: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
