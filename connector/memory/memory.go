// Package memory provides in-process source and destination connectors.
// They serve as the reference implementation of the connector protocols and
// as the test double for the sync core.
package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/driftsync/driftsync/cfg"
	"github.com/driftsync/driftsync/connector"
	"github.com/driftsync/driftsync/dserr"
	"github.com/driftsync/driftsync/schema"
)

func init() {
	connector.RegisterSource("memory", func(cfg.SourceConfiguration) (connector.SourceConnector, error) {
		return NewSource(), nil
	})
	connector.RegisterDestination("memory", func(cfg.DestinationConfiguration) (connector.DestinationConnector, error) {
		return NewDestination(), nil
	})
}

// EncodePosition renders a feed sequence number as an opaque position.
func EncodePosition(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// DecodePosition reads a position produced by EncodePosition. Nil decodes
// to zero, meaning "from the beginning".
func DecodePosition(pos []byte) uint64 {
	if len(pos) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(pos)
}

// Source is an in-memory change feed plus schema snapshots.
type Source struct {
	mu        sync.Mutex
	connected bool
	snapshots map[string]schema.Snapshot
	feeds     map[string][]connector.Change // schema\x00table -> ordered feed
	rows      map[string][]connector.Record // schema\x00table -> full-load rows
	nextSeq   uint64
	pingErr   error
}

// NewSource returns an empty connected-on-demand source.
func NewSource() *Source {
	return &Source{
		snapshots: make(map[string]schema.Snapshot),
		feeds:     make(map[string][]connector.Change),
		rows:      make(map[string][]connector.Record),
	}
}

func feedKey(schemaName, table string) string {
	return schemaName + "\x00" + table
}

// SetSnapshot installs the structure the source reports for a schema.
func (s *Source) SetSnapshot(schemaName string, snap schema.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[schemaName] = snap.Clone()
}

// Append adds changes to a table's feed, assigning sequence numbers.
func (s *Source) Append(schemaName, table string, changes ...connector.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := feedKey(schemaName, table)
	for _, ch := range changes {
		s.nextSeq++
		ch.Seq = s.nextSeq
		ch.Table = table
		ch.Position = EncodePosition(s.nextSeq)
		s.feeds[key] = append(s.feeds[key], ch)
	}
}

// SetRows installs the rows FullLoad pages through.
func (s *Source) SetRows(schemaName, table string, rows []connector.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[feedKey(schemaName, table)] = append([]connector.Record(nil), rows...)
}

// FailPing makes subsequent Ping calls return err.
func (s *Source) FailPing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *Source) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Source) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingErr != nil {
		return dserr.Connection(s.pingErr, "memory source ping")
	}
	return nil
}

func (s *Source) Snapshot(_ context.Context, schemaName string) (schema.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[schemaName]
	if !ok {
		return schema.Snapshot{}, nil
	}
	return snap.Clone(), nil
}

func (s *Source) Changes(_ context.Context, schemaName, table string, from []byte, limit int) (connector.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	after := DecodePosition(from)
	feed := s.feeds[feedKey(schemaName, table)]

	var out connector.Batch
	for _, ch := range feed {
		if ch.Seq <= after {
			continue
		}
		out.Changes = append(out.Changes, ch)
		out.EndPosition = ch.Position
		out.EndSeq = ch.Seq
		if limit > 0 && len(out.Changes) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Source) FullLoad(_ context.Context, schemaName, table string, batchSize int) (connector.SnapshotPager, error) {
	s.mu.Lock()
	rows := append([]connector.Record(nil), s.rows[feedKey(schemaName, table)]...)
	s.mu.Unlock()

	if batchSize <= 0 {
		batchSize = len(rows)
	}
	offset := 0
	return func(context.Context) (connector.Batch, bool, error) {
		if offset >= len(rows) {
			return connector.Batch{}, false, nil
		}
		end := offset + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		var batch connector.Batch
		for _, r := range rows[offset:end] {
			batch.Changes = append(batch.Changes, connector.Change{
				Op: connector.OpInsert, Table: table, Record: r,
			})
		}
		offset = end
		return batch, true, nil
	}, nil
}

// SampleColumn returns up to limit live values of one column, drawn from
// the full-load rows first and then the change feed.
func (s *Source) SampleColumn(_ context.Context, schemaName, table, column string, limit int) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := feedKey(schemaName, table)
	var out []any
	for _, r := range s.rows[key] {
		if v, ok := r.Values[column]; ok {
			out = append(out, v)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	for _, ch := range s.feeds[key] {
		if ch.Op == connector.OpDelete {
			continue
		}
		if v, ok := ch.Record.Values[column]; ok {
			out = append(out, v)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Destination is an in-memory idempotent upsert store. A RejectHook can
// simulate destination-side constraint violations per record.
type Destination struct {
	mu        sync.Mutex
	connected bool
	tables    map[string]map[string]connector.Record // schema\x00table -> keyStr -> record
	schemas   map[string]schema.Table                // schema\x00table -> last ensured definition
	ddl       map[string][]string                    // schemaName -> applied statements
	ddlErr    error
	pingErr   error

	// RejectHook, when set, is consulted per record. A non-nil return fails
	// that record without aborting the batch.
	RejectHook func(schemaName, table string, r connector.Record) error
}

// NewDestination returns an empty destination.
func NewDestination() *Destination {
	return &Destination{
		tables:  make(map[string]map[string]connector.Record),
		schemas: make(map[string]schema.Table),
		ddl:     make(map[string][]string),
	}
}

func (d *Destination) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *Destination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *Destination) Ping(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pingErr != nil {
		return dserr.Connection(d.pingErr, "memory destination ping")
	}
	return nil
}

// FailPing makes subsequent Ping calls return err.
func (d *Destination) FailPing(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pingErr = err
}

// FailDDL makes subsequent ApplyDDL calls fail once with err.
func (d *Destination) FailDDL(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ddlErr = err
}

// KeyString renders a record key deterministically.
func KeyString(key map[string]any) string {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", k, key[k]))
	}
	return strings.Join(parts, "|")
}

func (d *Destination) WriteBatch(_ context.Context, schemaName, table string, batch connector.Batch) (connector.WriteResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := feedKey(schemaName, table)
	rows := d.tables[key]
	if rows == nil {
		rows = make(map[string]connector.Record)
		d.tables[key] = rows
	}

	var res connector.WriteResult
	for _, ch := range batch.Changes {
		if d.RejectHook != nil {
			if err := d.RejectHook(schemaName, table, ch.Record); err != nil {
				res.Failed = append(res.Failed, connector.FailedRecord{Record: ch.Record, Err: err})
				continue
			}
		}
		ks := KeyString(ch.Record.Key)
		switch ch.Op {
		case connector.OpDelete:
			if _, existed := rows[ks]; existed {
				delete(rows, ks)
				res.Deleted++
			}
		default:
			if _, existed := rows[ks]; existed {
				res.Updated++
			} else {
				res.Inserted++
			}
			rows[ks] = ch.Record
		}
	}
	return res, nil
}

func (d *Destination) ApplyDDL(_ context.Context, schemaName string, statements []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ddlErr != nil {
		err := d.ddlErr
		d.ddlErr = nil
		return dserr.Migration(err, "applying ddl to %s", schemaName)
	}
	d.ddl[schemaName] = append(d.ddl[schemaName], statements...)
	return nil
}

func (d *Destination) EnsureSchema(context.Context, string) error {
	return nil
}

func (d *Destination) EnsureTable(_ context.Context, schemaName string, table schema.Table) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.schemas[feedKey(schemaName, table.Name)] = table.Clone()
	return nil
}

// Rows returns a copy of the stored rows for one table.
func (d *Destination) Rows(schemaName, table string) map[string]connector.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]connector.Record)
	for k, v := range d.tables[feedKey(schemaName, table)] {
		out[k] = v
	}
	return out
}

// AppliedDDL returns the statements applied for a schema, in order.
func (d *Destination) AppliedDDL(schemaName string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ddl[schemaName]...)
}

// EnsuredTable returns the last table definition passed to EnsureTable.
func (d *Destination) EnsuredTable(schemaName, table string) (schema.Table, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.schemas[feedKey(schemaName, table)]
	return t, ok
}

var (
	_ connector.SourceConnector      = (*Source)(nil)
	_ connector.ColumnSampler        = (*Source)(nil)
	_ connector.DestinationConnector = (*Destination)(nil)
)
