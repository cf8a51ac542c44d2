// Package connector defines the protocols the sync core consumes. Concrete
// adapters implement these interfaces and register a factory under a kind
// name; the core never imports an adapter directly.
package connector

import (
	"context"
	"time"

	"github.com/driftsync/driftsync/schema"
)

// OpType is the operation carried by one change record.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Record is one row keyed by its primary-key columns.
type Record struct {
	Table  string
	Key    map[string]any
	Values map[string]any
}

// Change is one source-side mutation.
type Change struct {
	Op        OpType
	Table     string
	Record    Record
	Position  []byte
	Seq       uint64
	Timestamp time.Time
}

// Batch is an ordered slice of changes plus the position to resume from
// once every change in it has been handled.
type Batch struct {
	Changes     []Change
	EndPosition []byte
	EndSeq      uint64
}

// Empty reports whether the batch carries no changes.
func (b Batch) Empty() bool {
	return len(b.Changes) == 0
}

// FailedRecord reports one record a destination could not write.
type FailedRecord struct {
	Record Record
	Err    error
}

// WriteResult summarizes one WriteBatch call. Failed records do not abort
// the batch; the destination writes what it can and reports the rest.
type WriteResult struct {
	Inserted int
	Updated  int
	Deleted  int
	Failed   []FailedRecord
	Bytes    int64
}

// SnapshotPager streams one full-load page at a time. The second return is
// false once the source is exhausted.
type SnapshotPager func(ctx context.Context) (Batch, bool, error)

// SourceConnector reads schemas and change feeds from a source system.
type SourceConnector interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	// Snapshot introspects the current structure of one source schema.
	Snapshot(ctx context.Context, schemaName string) (schema.Snapshot, error)
	// Changes returns mutations after the given position, up to limit.
	// A nil position reads from the beginning of the retained feed.
	Changes(ctx context.Context, schemaName, table string, from []byte, limit int) (Batch, error)
	// FullLoad pages through every existing row of one table.
	FullLoad(ctx context.Context, schemaName, table string, batchSize int) (SnapshotPager, error)
}

// ColumnSampler is an optional source capability: sampling live values of
// one column so a type change can be scored for data loss before it
// applies. Sources that cannot sample cheaply just don't implement it.
type ColumnSampler interface {
	SampleColumn(ctx context.Context, schemaName, table, column string, limit int) ([]any, error)
}

// DestinationConnector writes batches and applies DDL to a destination
// system. WriteBatch must be an idempotent upsert keyed by primary key so
// redelivery under at-least-once semantics converges.
type DestinationConnector interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	WriteBatch(ctx context.Context, schemaName, table string, batch Batch) (WriteResult, error)
	ApplyDDL(ctx context.Context, schemaName string, statements []string) error
	EnsureSchema(ctx context.Context, schemaName string) error
	EnsureTable(ctx context.Context, schemaName string, table schema.Table) error
}
