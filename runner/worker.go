package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftsync/driftsync/cfg"
	"github.com/driftsync/driftsync/connector"
	"github.com/driftsync/driftsync/convert"
	"github.com/driftsync/driftsync/dserr"
	"github.com/driftsync/driftsync/events"
	"github.com/driftsync/driftsync/meta"
	"github.com/driftsync/driftsync/telemetry"
)

// versionEntry caches a registered table definition for a short window
// so workers pick up applied evolutions without hitting the store on
// every batch.
type versionEntry struct {
	version   *meta.SchemaVersion
	fetchedAt time.Time
}

const versionCacheTTL = 30 * time.Second

// syncTuning is the slice of global sync/error config a worker needs,
// resolved once at startup.
type syncTuning struct {
	PollInterval  time.Duration
	FullLoadBatch int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffFactor float64
	MaxBackoff    time.Duration
	RetryWindow   time.Duration
	DeadLetter    bool
}

// tableWorker streams one table. The marker only advances after the
// destination write returns, so redelivery after a crash is possible and
// relies on idempotent upserts downstream.
type tableWorker struct {
	table    cfg.ResolvedTable
	tuning   syncTuning
	source   connector.SourceConnector
	dest     connector.DestinationConnector
	store    meta.Store
	conv     *convert.Engine
	versions *lru.Cache[string, versionEntry]
	events   *events.Publisher
	runID    string
	report   func(meta.RunStats)
	sem      chan struct{}
	stopCh   chan struct{}
}

func (w *tableWorker) run() {
	schemaName, table := w.table.SchemaName, w.table.TableName
	for {
		busy, err := w.syncOnce(context.Background())
		if err != nil {
			log.Error().Err(err).
				Str("schema", schemaName).
				Str("table", table).
				Msg("Sync pass failed")
			if dserr.KindOf(err) == dserr.KindFatalConfig {
				return
			}
			if !w.sleep(w.tuning.PollInterval) {
				return
			}
			continue
		}
		if !busy {
			if !w.sleep(w.tuning.PollInterval) {
				return
			}
			continue
		}
		select {
		case <-w.stopCh:
			// The in-flight batch above already drained; stop between
			// batches, never inside one.
			return
		default:
		}
	}
}

// syncOnce moves the table forward by at most one batch. Returns false
// when the source had nothing new.
func (w *tableWorker) syncOnce(ctx context.Context) (bool, error) {
	select {
	case w.sem <- struct{}{}:
		defer func() { <-w.sem }()
	case <-w.stopCh:
		return false, nil
	}

	schemaName, table := w.table.SchemaName, w.table.TableName

	marker, err := w.store.GetMarker(schemaName, table, meta.MarkerStream)
	if err != nil {
		return false, err
	}
	if marker == nil {
		if err := w.fullLoad(ctx); err != nil {
			return false, err
		}
		marker = &meta.Marker{SchemaName: schemaName, TableName: table, Kind: meta.MarkerStream}
	}

	batch, err := w.source.Changes(ctx, schemaName, table, marker.Position, w.table.StreamBatchSize)
	if err != nil {
		return false, err
	}
	if batch.Empty() {
		return false, nil
	}
	return true, w.writeBatch(ctx, batch, true)
}

// fullLoad copies the table's current contents before streaming starts.
// On completion a zero stream marker is recorded so the next pass
// switches to change consumption.
func (w *tableWorker) fullLoad(ctx context.Context) error {
	schemaName, table := w.table.SchemaName, w.table.TableName
	log.Info().Str("schema", schemaName).Str("table", table).Msg("Starting full load")

	if v := w.version(); v != nil {
		if err := w.dest.EnsureTable(ctx, schemaName, v.Table); err != nil {
			return err
		}
	}

	pager, err := w.source.FullLoad(ctx, schemaName, table, w.tuning.FullLoadBatch)
	if err != nil {
		return err
	}

	// Pages arrive sequentially but write out on up to MaxParallel
	// goroutines. The full-load marker is a progress gauge, not a resume
	// point; an interrupted load restarts from scratch.
	workers := w.table.MaxParallel
	if workers <= 0 {
		workers = 1
	}
	var (
		wg      sync.WaitGroup
		slots   = make(chan struct{}, workers)
		rows    atomic.Uint64
		errMu   sync.Mutex
		loadErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if loadErr == nil {
			loadErr = err
		}
		errMu.Unlock()
	}
	failed := func() bool {
		errMu.Lock()
		defer errMu.Unlock()
		return loadErr != nil
	}

	for !failed() {
		batch, more, err := pager(ctx)
		if err != nil {
			fail(err)
			break
		}
		if !more {
			break
		}
		slots <- struct{}{}
		wg.Add(1)
		go func(batch connector.Batch) {
			defer wg.Done()
			defer func() { <-slots }()
			if err := w.writeBatch(ctx, batch, false); err != nil {
				fail(err)
				return
			}
			total := rows.Add(uint64(len(batch.Changes)))
			if err := w.store.UpdateMarker(meta.Marker{
				SchemaName: schemaName, TableName: table,
				Kind: meta.MarkerFullLoad, Seq: total,
			}); err != nil {
				fail(err)
			}
		}(batch)
	}
	wg.Wait()
	if loadErr != nil {
		return loadErr
	}

	if err := w.store.UpdateMarker(meta.Marker{
		SchemaName: schemaName, TableName: table, Kind: meta.MarkerStream,
	}); err != nil {
		return err
	}
	log.Info().
		Str("schema", schemaName).
		Str("table", table).
		Uint64("rows", rows.Load()).
		Msg("Full load complete")
	return nil
}

// writeBatch converts, writes, records failures, and (for stream
// batches) advances the marker past the batch. The marker moves even
// when individual records were dead-lettered; they are accounted for.
func (w *tableWorker) writeBatch(ctx context.Context, batch connector.Batch, advance bool) error {
	schemaName, table := w.table.SchemaName, w.table.TableName
	version := w.version()

	stats := meta.RunStats{}
	out := connector.Batch{EndPosition: batch.EndPosition, EndSeq: batch.EndSeq}
	var newest time.Time
	for _, change := range batch.Changes {
		converted, err := w.transform(change, version)
		if err != nil {
			w.recordFailure(change.Record, err)
			stats.Failed++
			continue
		}
		out.Changes = append(out.Changes, converted)
		if change.Timestamp.After(newest) {
			newest = change.Timestamp
		}
	}

	// Destination writes go out in write_batch_size chunks, in order. A
	// chunk failure holds the marker; already-written chunks converge on
	// redelivery through the idempotent upsert.
	size := w.table.WriteBatchSize
	if size <= 0 {
		size = len(out.Changes)
	}
	for off := 0; off < len(out.Changes); off += size {
		end := off + size
		if end > len(out.Changes) {
			end = len(out.Changes)
		}
		res, err := w.writeWithRetry(ctx, connector.Batch{Changes: out.Changes[off:end]})
		if err != nil {
			return err
		}
		for _, f := range res.Failed {
			w.recordFailure(f.Record, f.Err)
		}
		stats.Inserted += int64(res.Inserted)
		stats.Updated += int64(res.Updated)
		stats.Deleted += int64(res.Deleted)
		stats.Failed += int64(len(res.Failed))
		stats.Bytes += res.Bytes
		telemetry.RecordsProcessed.With(schemaName, table, "insert").Add(float64(res.Inserted))
		telemetry.RecordsProcessed.With(schemaName, table, "update").Add(float64(res.Updated))
		telemetry.RecordsProcessed.With(schemaName, table, "delete").Add(float64(res.Deleted))
	}
	stats.Processed = int64(len(batch.Changes))

	if advance {
		if err := w.store.UpdateMarker(meta.Marker{
			SchemaName: schemaName, TableName: table, Kind: meta.MarkerStream,
			Position: batch.EndPosition, Seq: batch.EndSeq,
		}); err != nil {
			return err
		}
		telemetry.MarkerSeq.With(schemaName, table).Set(float64(batch.EndSeq))
	}
	if !newest.IsZero() {
		telemetry.ReplicationLag.With(schemaName, table).Set(time.Since(newest).Seconds())
	}

	w.report(stats)
	return nil
}

// writeWithRetry retries transient destination failures with exponential
// backoff. Permanent failures and exhausted retries surface to the
// caller without advancing the marker.
func (w *tableWorker) writeWithRetry(ctx context.Context, batch connector.Batch) (connector.WriteResult, error) {
	schemaName, table := w.table.SchemaName, w.table.TableName

	delay := w.tuning.BackoffBase
	for attempt := 0; ; attempt++ {
		start := time.Now()
		res, err := w.dest.WriteBatch(ctx, schemaName, table, batch)
		if err == nil {
			telemetry.BatchWriteSeconds.With(schemaName, table).Observe(time.Since(start).Seconds())
			return res, nil
		}

		rec, logErr := w.store.LogError(meta.ErrorRecord{
			SchemaName: schemaName,
			TableName:  table,
			RunID:      w.runID,
			Kind:       string(dserr.KindOf(err)),
			Message:    err.Error(),
			MaxRetries: w.tuning.MaxRetries,
		}, w.tuning.RetryWindow)
		if logErr != nil {
			log.Warn().Err(logErr).Msg("Failed to record write error")
		}

		if !dserr.Transient(err) || (rec != nil && rec.Exhausted()) {
			return res, err
		}
		log.Warn().Err(err).
			Str("schema", schemaName).
			Str("table", table).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Transient write failure, retrying")
		if !w.sleep(delay) {
			return res, err
		}
		delay = time.Duration(float64(delay) * w.tuning.BackoffFactor)
		if delay > w.tuning.MaxBackoff {
			delay = w.tuning.MaxBackoff
		}
	}
}

// transform applies storage conversions and the table's deletion
// strategy to one change.
func (w *tableWorker) transform(change connector.Change, version *meta.SchemaVersion) (connector.Change, error) {
	values := change.Record.Values
	rewritten := false
	copyValues := func() {
		if rewritten {
			return
		}
		cloned := make(map[string]any, len(values)+1)
		for k, v := range values {
			cloned[k] = v
		}
		values = cloned
		rewritten = true
	}

	if version != nil {
		for _, col := range version.Table.Columns {
			if col.StoredAs == "" || col.StoredAs == col.Type {
				continue
			}
			raw, ok := values[col.Name]
			if !ok {
				continue
			}
			converted, err := w.conv.Convert(col.Type, col.Storage(), raw)
			if err != nil {
				return change, err
			}
			copyValues()
			values[col.Name] = converted
		}
	}

	if w.table.DeletionStrategy == "soft" && w.table.SoftDeleteColumn != "" {
		copyValues()
		if change.Op == connector.OpDelete {
			change.Op = connector.OpUpdate
			values[w.table.SoftDeleteColumn] = true
		} else {
			// A reappearing row is an ordinary upsert that clears the flag.
			values[w.table.SoftDeleteColumn] = false
		}
	}

	change.Record.Values = values
	return change, nil
}

// recordFailure logs a record-level failure and dead-letters the record
// when the error is permanent or retries are exhausted.
func (w *tableWorker) recordFailure(r connector.Record, err error) {
	schemaName, table := w.table.SchemaName, w.table.TableName

	rec, logErr := w.store.LogError(meta.ErrorRecord{
		SchemaName: schemaName,
		TableName:  table,
		RunID:      w.runID,
		Kind:       string(dserr.KindOf(err)),
		Message:    err.Error(),
		MaxRetries: w.tuning.MaxRetries,
	}, w.tuning.RetryWindow)
	if logErr != nil {
		log.Warn().Err(logErr).Msg("Failed to record record failure")
		return
	}
	telemetry.RecordsFailed.With(schemaName, table).Inc()

	if !w.tuning.DeadLetter {
		return
	}
	if !dserr.RecordLevel(err) && !rec.Exhausted() {
		return
	}

	payload, mErr := msgpack.Marshal(r.Values)
	if mErr != nil {
		log.Warn().Err(mErr).Msg("Failed to encode dead letter payload")
		return
	}
	d, dlqErr := w.store.AddDeadLetter(meta.DeadLetter{
		SchemaName: schemaName,
		TableName:  table,
		RecordKey:  recordKey(r.Key),
		ErrorID:    rec.ID,
		LastError:  err.Error(),
	}, payload)
	if dlqErr != nil {
		log.Warn().Err(dlqErr).Msg("Failed to dead-letter record")
		return
	}
	log.Warn().
		Str("schema", schemaName).
		Str("table", table).
		Str("record_key", d.RecordKey).
		Int("error_count", d.ErrorCount).
		Msg("Record dead-lettered")
	if w.events != nil {
		_ = w.events.Emit(events.Event{
			Kind:       events.KindDeadLettered,
			SchemaName: schemaName,
			TableName:  table,
			Detail: map[string]string{
				"record_key": d.RecordKey,
				"error":      err.Error(),
			},
		})
	}
}

// version returns the table's latest registered definition, cached for
// a short window.
func (w *tableWorker) version() *meta.SchemaVersion {
	key := w.table.SchemaName + "\x00" + w.table.TableName
	if entry, ok := w.versions.Get(key); ok && time.Since(entry.fetchedAt) < versionCacheTTL {
		return entry.version
	}
	v, err := w.store.GetLatestSchemaVersion(w.table.SchemaName, w.table.TableName)
	if err != nil {
		log.Warn().Err(err).
			Str("schema", w.table.SchemaName).
			Str("table", w.table.TableName).
			Msg("Failed to load schema version")
		return nil
	}
	w.versions.Add(key, versionEntry{version: v, fetchedAt: time.Now()})
	return v
}

func (w *tableWorker) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.stopCh:
		return false
	}
}

// recordKey renders a primary key map deterministically.
func recordKey(key map[string]any) string {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(
			strings.ReplaceAll(toString(key[k]), "|", `\|`), "=", `\=`))
	}
	return b.String()
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
