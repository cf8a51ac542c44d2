package telemetry

// Package-level metrics default to noop so components can record
// unconditionally; InitMetrics swaps in real collectors when Prometheus
// is enabled.
var (
	RecordsProcessed  CounterVec   = noopCounterVec{}
	RecordsFailed     CounterVec   = noopCounterVec{}
	BatchWriteSeconds HistogramVec = noopHistogramVec{}
	ReplicationLag    GaugeVec     = noopGaugeVec{}
	MarkerSeq         GaugeVec     = noopGaugeVec{}

	SchemaChanges    CounterVec = noopCounterVec{}
	Migrations       CounterVec = noopCounterVec{}
	PendingApprovals Gauge      = NoopStat{}

	ErrorsLogged Counter = NoopStat{}
	DeadLetters  Counter = NoopStat{}
	CleanupRows  Counter = NoopStat{}
)

var batchWriteBuckets = []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 10, 30}

// InitMetrics builds the real collectors. Call after InitializeTelemetry.
func InitMetrics() {
	RecordsProcessed = NewCounterVec("records_processed_total",
		"Records written to the destination", []string{"schema", "table", "op"})
	RecordsFailed = NewCounterVec("records_failed_total",
		"Records that failed destination writes", []string{"schema", "table"})
	BatchWriteSeconds = NewHistogramVec("batch_write_seconds",
		"Destination batch write latency", []string{"schema", "table"}, batchWriteBuckets)
	ReplicationLag = NewGaugeVec("replication_lag_seconds",
		"Now minus the newest applied change timestamp", []string{"schema", "table"})
	MarkerSeq = NewGaugeVec("marker_seq",
		"Current position marker sequence", []string{"schema", "table"})

	SchemaChanges = NewCounterVec("schema_changes_total",
		"Detected schema changes", []string{"type", "safety"})
	Migrations = NewCounterVec("migrations_total",
		"Migration outcomes", []string{"outcome"})
	PendingApprovals = NewGauge("pending_approvals",
		"Schema changes awaiting approval")

	ErrorsLogged = NewCounter("errors_logged_total",
		"Errors recorded in the metadata store")
	DeadLetters = NewCounter("dead_letters_total",
		"Records moved to the dead letter queue")
	CleanupRows = NewCounter("cleanup_rows_total",
		"Rows removed by the retention sweep")
}
