package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// --- Core ---
	OpsApplied    *prometheus.CounterVec
	OpsRejected   *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	Journals      *prometheus.CounterVec
	Sequence      prometheus.Gauge
	OpenPositions prometheus.Gauge
	MarkPrice     prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Liquidation ---
	LiquidationChecks    *prometheus.CounterVec
	LiquidationShortfall prometheus.Counter
	SweepDuration        prometheus.Histogram

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Ingestion ---
	InboundMessages *prometheus.CounterVec

	// --- API ---
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_core_ops_applied_total",
			Help: "Operations successfully applied by core",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_core_ops_rejected_total",
			Help: "Operations rejected (validation, funds, duplicate)",
		}, []string{"op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mledger_core_op_duration_seconds",
			Help:    "Time to apply a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Journals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_core_sequence",
			Help: "Current global sequence number",
		}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_open_positions",
			Help: "Positions currently open",
		}),

		MarkPrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_mark_price",
			Help: "Last accepted oracle price (price scale units)",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mledger_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mledger_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mledger_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres/in_flight)",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		LiquidationChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_liquidation_checks_total",
			Help: "Liquidation checks by outcome",
		}, []string{"outcome"}),

		LiquidationShortfall: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_liquidation_shortfall_total",
			Help: "Losses beyond margin absorbed by the protocol (quote scale units)",
		}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_liquidation_sweep_duration_seconds",
			Help:    "Time to sweep all open positions",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "mledger_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mledger_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "mledger_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_inbound_messages_total",
			Help: "Inbound feed messages by kind and result",
		}, []string{"kind", "result"}),

		RequestCount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mledger_api_requests_total",
			Help: "API requests",
		}, []string{"method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mledger_api_request_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),
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
