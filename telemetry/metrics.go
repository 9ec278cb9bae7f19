package telemetry

// Histogram bucket definitions
var (
	// PublishBuckets for broker publish round-trips (network + broker fsync)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// SnapshotBuckets for whole-table snapshot reads
	SnapshotBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300}
)

// WAL reader metrics
var (
	// WALRecordsReceived counts decoded logical replication records
	WALRecordsReceived Counter = NoopStat{}

	// WALKeepalivesReceived counts primary keepalive messages
	WALKeepalivesReceived Counter = NoopStat{}

	// WALReceiveLSN tracks the newest WAL position seen from the server
	WALReceiveLSN Gauge = NoopStat{}

	// SnapshotRowsRead counts rows emitted during initial snapshot
	SnapshotRowsRead Counter = NoopStat{}

	// SnapshotDuration observes per-table snapshot time in seconds
	SnapshotDuration Histogram = NoopStat{}
)

// Assembler metrics
var (
	// OpenTxnBuffers tracks transactions currently buffered awaiting commit
	OpenTxnBuffers Gauge = NoopStat{}

	// BufferedChanges tracks row changes held across all open buffers.
	// The long-transaction memory risk is watched through this gauge
	// against pipeline.max_buffered_changes.
	BufferedChanges Gauge = NoopStat{}

	// OldestTxnBufferAge tracks the age in seconds of the oldest open buffer
	OldestTxnBufferAge Gauge = NoopStat{}

	// TxnsCommitted counts transactions released downstream
	TxnsCommitted Counter = NoopStat{}

	// TxnsRolledBack counts transactions discarded on rollback/abort
	TxnsRolledBack Counter = NoopStat{}
)

// Publisher metrics
var (
	// EventsPublished counts change events acknowledged by the broker, by table
	EventsPublished CounterVec = noopCounterVec{}

	// PublishRetries counts publish attempts that failed and were retried
	PublishRetries Counter = NoopStat{}

	// PublishLatency observes broker ack round-trip in seconds
	PublishLatency Histogram = NoopStat{}

	// EventsFiltered counts events dropped by the table filter
	EventsFiltered Counter = NoopStat{}
)

// Position tracker metrics
var (
	// ConfirmedLSN tracks the durably confirmed WAL position
	ConfirmedLSN Gauge = NoopStat{}

	// PositionRegressions counts rejected non-monotonic advance calls
	PositionRegressions Counter = NoopStat{}
)

// Supervisor metrics
var (
	// ConnectorState tracks the run state (one-hot across state label values)
	ConnectorState GaugeVec = noopGaugeVec{}

	// ReconnectAttempts counts connecting transitions after a failure
	ReconnectAttempts Counter = NoopStat{}

	// BackoffSeconds tracks the current retry delay
	BackoffSeconds Gauge = NoopStat{}
)

// initMetrics binds the package-level metric variables to the registry.
// Called from InitializeTelemetry; before that every metric is a no-op.
func initMetrics() {
	WALRecordsReceived = NewCounter("wal_records_received_total", "Decoded logical replication records")
	WALKeepalivesReceived = NewCounter("wal_keepalives_received_total", "Primary keepalive messages")
	WALReceiveLSN = NewGauge("wal_receive_lsn", "Newest WAL position seen from the server")
	SnapshotRowsRead = NewCounter("snapshot_rows_read_total", "Rows emitted during initial snapshot")
	SnapshotDuration = NewHistogram("snapshot_duration_seconds", "Per-table snapshot time", SnapshotBuckets)

	OpenTxnBuffers = NewGauge("open_txn_buffers", "Transactions buffered awaiting commit")
	BufferedChanges = NewGauge("buffered_changes", "Row changes held across open buffers")
	OldestTxnBufferAge = NewGauge("oldest_txn_buffer_age_seconds", "Age of the oldest open transaction buffer")
	TxnsCommitted = NewCounter("txns_committed_total", "Transactions released downstream")
	TxnsRolledBack = NewCounter("txns_rolled_back_total", "Transactions discarded on rollback")

	EventsPublished = NewCounterVec("events_published_total", "Change events acknowledged by the broker", []string{"table"})
	PublishRetries = NewCounter("publish_retries_total", "Publish attempts retried after failure")
	PublishLatency = NewHistogram("publish_latency_seconds", "Broker ack round-trip", PublishBuckets)
	EventsFiltered = NewCounter("events_filtered_total", "Events dropped by the table filter")

	ConfirmedLSN = NewGauge("confirmed_lsn", "Durably confirmed WAL position")
	PositionRegressions = NewCounter("position_regressions_total", "Rejected non-monotonic position advances")

	ConnectorState = NewGaugeVec("connector_state", "Connector run state (1 for the active state)", []string{"state"})
	ReconnectAttempts = NewCounter("reconnect_attempts_total", "Connecting transitions after a failure")
	BackoffSeconds = NewGauge("backoff_seconds", "Current retry delay")
}
