// Package meta implements the durable metadata store: position markers,
// schema version history, sync-run lifecycle, error log, dead-letter queue,
// and the approval queue for blocked migrations.
package meta

import (
	"time"

	"github.com/driftsync/driftsync/schema"
)

// Marker kinds.
const (
	MarkerStream   = "stream"
	MarkerBatch    = "batch"
	MarkerFullLoad = "full_load"
)

// Sync run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Sync run modes.
const (
	ModeStream  = "stream"
	ModeBatch   = "batch"
	ModeInitial = "initial"
)

// Error record states.
const (
	ErrorOpen     = "open"
	ErrorResolved = "resolved"
	ErrorIgnored  = "ignored"
)

// Dead letter states.
const (
	DLQPending    = "pending"
	DLQProcessing = "processing"
	DLQResolved   = "resolved"
	DLQDiscarded  = "discarded"
)

// Pending change states.
const (
	ChangePending  = "pending"
	ChangeApproved = "approved"
	ChangeRejected = "rejected"
	ChangeApplied  = "applied"
)

// Marker is a durable position cursor for one (schema, table, kind).
type Marker struct {
	SchemaName string
	TableName  string
	Kind       string
	Position   []byte
	Seq        uint64
	UpdatedAt  time.Time
}

// SchemaVersion is one immutable snapshot of a table definition.
type SchemaVersion struct {
	SchemaName    string
	TableName     string
	Version       int64
	Hash          string
	Table         schema.Table
	EvolutionType schema.EvolutionType
	PrevVersion   int64
	CreatedAt     time.Time
}

// RunStats accumulates per-run counters.
type RunStats struct {
	Processed int64
	Inserted  int64
	Updated   int64
	Deleted   int64
	Failed    int64
	Bytes     int64
	Tables    int64
}

// Add merges o into s.
func (s *RunStats) Add(o RunStats) {
	s.Processed += o.Processed
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Deleted += o.Deleted
	s.Failed += o.Failed
	s.Bytes += o.Bytes
	s.Tables += o.Tables
}

// SyncRun is one processing session.
type SyncRun struct {
	ID          string
	SchemaName  string
	Mode        string
	Status      string
	Stats       RunStats
	Note        string
	StartedAt   time.Time
	HeartbeatAt time.Time
	CompletedAt time.Time
	DurationMS  int64
}

// ErrorRecord is one logged failure. Repeated identical failures within the
// retry window collapse into one record with an incremented retry count.
type ErrorRecord struct {
	ID          int64
	SchemaName  string
	TableName   string
	RunID       string
	Kind        string
	Message     string
	Detail      string
	Fingerprint uint64
	RetryCount  int
	MaxRetries  int
	Status      string
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Exhausted reports whether the record has used up its retries.
func (e ErrorRecord) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// DeadLetter is one record that exhausted processing. The payload body
// lives in the append log under PayloadRef; the row keeps the metadata.
type DeadLetter struct {
	ID         int64
	SchemaName string
	TableName  string
	RecordKey  string
	PayloadRef string
	ErrorID    int64
	ErrorCount int
	LastError  string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PendingChange is a migration held for approval.
type PendingChange struct {
	ID         string
	SchemaName string
	TableName  string
	ChangeType schema.ChangeType
	Safety     schema.SafetyLevel
	Column     string
	Forward    []string
	Rollback   []string
	Detail     string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ErrorFilter narrows ListErrors.
type ErrorFilter struct {
	SchemaName string
	TableName  string
	Kind       string
	Status     string
	Limit      int
}

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	SchemaName string
	TableName  string
	Status     string
	Limit      int
}

// RetentionPolicy bounds the cleanup sweep.
type RetentionPolicy struct {
	RunAge             time.Duration
	ErrorAge           time.Duration
	SchemaVersionsKeep int
}

// CleanupCounts reports what a sweep removed.
type CleanupCounts struct {
	Runs           int64
	Errors         int64
	DeadLetters    int64
	SchemaVersions int64
}

// Total sums the removed rows.
func (c CleanupCounts) Total() int64 {
	return c.Runs + c.Errors + c.DeadLetters + c.SchemaVersions
}

// Store is the durable metadata surface. Implementations must make every
// write atomic per entity and keep markers monotonic.
type Store interface {
	// Markers.
	GetMarker(schemaName, tableName, kind string) (*Marker, error)
	UpdateMarker(m Marker) error
	ResetMarker(schemaName, tableName, kind string) error
	ListMarkers(schemaName string) ([]Marker, error)

	// Schema versions.
	RegisterSchema(schemaName string, table schema.Table, evo schema.EvolutionType) (*SchemaVersion, error)
	GetSchemaVersion(schemaName, tableName string, version int64) (*SchemaVersion, error)
	GetLatestSchemaVersion(schemaName, tableName string) (*SchemaVersion, error)
	ListLatestSchemaVersions(schemaName string) ([]SchemaVersion, error)
	ListSchemaVersions(schemaName, tableName string, limit int) ([]SchemaVersion, error)

	// Sync runs.
	StartRun(schemaName, mode string) (*SyncRun, error)
	TouchRun(id string) error
	AddRunStats(id string, delta RunStats) error
	CompleteRun(id, status string, stats RunStats, note string) error
	GetRun(id string) (*SyncRun, error)
	ListRuns(schemaName string, limit int) ([]SyncRun, error)
	RecoverStuckRuns(maxAge time.Duration) ([]SyncRun, error)

	// Error log.
	LogError(e ErrorRecord, retryWindow time.Duration) (*ErrorRecord, error)
	ResolveError(id int64) error
	ListErrors(f ErrorFilter) ([]ErrorRecord, error)

	// Dead letters.
	AddDeadLetter(d DeadLetter, payload []byte) (*DeadLetter, error)
	GetDeadLetterPayload(ref string) ([]byte, error)
	SetDeadLetterStatus(id int64, status string) error
	ListDeadLetters(f DeadLetterFilter) ([]DeadLetter, error)

	// Pending changes.
	AddPendingChange(c PendingChange) (*PendingChange, error)
	GetPendingChange(id string) (*PendingChange, error)
	SetPendingChangeStatus(id, status string) error
	ListPendingChanges(schemaName, status string) ([]PendingChange, error)

	Cleanup(policy RetentionPolicy) (CleanupCounts, error)
	Close() error
}
