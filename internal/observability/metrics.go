package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the escrow ledger.
type Metrics struct {
	// --- Core processing ---
	CoreOpsApplied  *prometheus.CounterVec
	CoreOpsRejected *prometheus.CounterVec
	CoreOpDuration  *prometheus.HistogramVec
	CoreSequence    prometheus.Gauge

	// --- Escrow lifecycle ---
	EscrowsByStatus   *prometheus.GaugeVec
	DisbursementsPaid *prometheus.CounterVec
	FeesCollected     prometheus.Counter
	CustodialHeld     prometheus.Gauge

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	SourceSequenceGap     *prometheus.CounterVec
	SourceOutOfOrder      *prometheus.CounterVec

	// --- Persistence ---
	PersistOpsWritten          prometheus.Counter
	PersistInstructionsWritten prometheus.Counter
	PersistBatchSize           prometheus.Histogram
	PersistBatchDur            prometheus.Histogram
	PersistErrors              *prometheus.CounterVec
	PersistRetry               prometheus.Counter
	PersistLastSequence        prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge
	ReplayOpsTotal   prometheus.Counter
	ReplayDuration   prometheus.Gauge

	// --- Ingestion ---
	IngestReceived    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	QueryErrors  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	httpBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5}

	return &Metrics{
		CoreOpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_core_ops_applied_total",
			Help: "Operations successfully applied by core",
		}, []string{"op_type"}),

		CoreOpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_core_ops_rejected_total",
			Help: "Operations rejected (dedup, ordering, guard checks)",
		}, []string{"op_type", "reason"}),

		CoreOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_core_op_apply_duration_seconds",
			Help:    "Time to apply a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"op_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_core_sequence",
			Help: "Current global sequence number",
		}),

		EscrowsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_instances",
			Help: "Escrow instances by status",
		}, []string{"status"}),

		DisbursementsPaid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_disbursements_total",
			Help: "Disbursements committed (release/refund)",
		}, []string{"kind"}),

		FeesCollected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_fees_collected_total",
			Help: "Fee reserve retained across disbursements",
		}),

		CustodialHeld: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_custodial_held",
			Help: "Total value locked across custodial accounts",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_projection_drops_total",
			Help: "Commits dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_publish_drops_total",
			Help: "Commits dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"op_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		SourceSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_source_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"source"}),

		SourceOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_source_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"source"}),

		PersistOpsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_persist_ops_written_total",
			Help: "Operations written to Postgres",
		}),

		PersistInstructionsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_persist_instructions_written_total",
			Help: "Ledger instructions written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_persist_batch_size",
			Help:    "Operations per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayOpsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_replay_ops_total",
			Help: "Operations replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_replay_duration_seconds",
			Help: "Total replay time",
		}),

		IngestReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ingest_received_total",
			Help: "Operations received per transport",
		}, []string{"transport", "op_type"}),

		IngestParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ingest_parse_errors_total",
			Help: "Malformed inbound messages",
		}, []string{"transport"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: httpBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
