package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Ingress
	IngressAccepted   *prometheus.CounterVec
	IngressRejected   *prometheus.CounterVec
	IngressQueueDepth *prometheus.GaugeVec

	// Engine loop
	FramesProcessed *prometheus.CounterVec
	FrameDuration   *prometheus.HistogramVec
	FillsProduced   prometheus.Counter
	RiskRejects     *prometheus.CounterVec
	MatcherRejects  *prometheus.CounterVec
	BlockNumber     prometheus.Gauge

	// Persistence
	WALRecordsWritten prometheus.Counter
	WALNextSequence   prometheus.Gauge
	WALSyncDuration   prometheus.Histogram
	SnapshotTaken     prometheus.Counter
	SnapshotLastSeq   prometheus.Gauge
	ReplayEvents      prometheus.Counter

	// Funding / liquidation
	FundingUpdates        *prometheus.CounterVec
	FundingSettlements    *prometheus.CounterVec
	LiquidationsTriggered *prometheus.CounterVec
	LiquidationFills      *prometheus.CounterVec

	// Outbound
	FeedFramesPublished prometheus.Counter
	FeedPublishErrors   prometheus.Counter
	HistoryRowsWritten  prometheus.Counter
	HistoryWriteErrors  prometheus.Counter
}

// NewMetrics creates and registers all metrics on the default
// registry.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		IngressAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_ingress_accepted_total",
			Help: "Frames admitted onto an ingress queue",
		}, []string{"kind"}),

		IngressRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_ingress_rejected_total",
			Help: "Frames dropped at ingress (auth, rate_limit, queue_full)",
		}, []string{"reason"}),

		IngressQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradecore_ingress_queue_depth",
			Help: "Current items per ingress queue",
		}, []string{"kind"}),

		FramesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_frames_processed_total",
			Help: "Frames drained and applied by the event loop",
		}, []string{"kind"}),

		FrameDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradecore_frame_apply_duration_seconds",
			Help:    "Time to apply one frame end to end",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		FillsProduced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_fills_total",
			Help: "Fill events produced by the matcher",
		}),

		RiskRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_risk_rejects_total",
			Help: "Orders rejected by risk evaluation",
		}, []string{"code"}),

		MatcherRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_matcher_rejects_total",
			Help: "Requests rejected by the matching engine",
		}, []string{"code"}),

		BlockNumber: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_block_number",
			Help: "Applied event count exposed as the RPC block number",
		}),

		WALRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_wal_records_written_total",
			Help: "Records appended to the write-ahead log",
		}),

		WALNextSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_wal_next_sequence",
			Help: "Next WAL sequence to be assigned",
		}),

		WALSyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradecore_wal_sync_duration_seconds",
			Help:    "Durability sync latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_snapshot_taken_total",
			Help: "Snapshots persisted",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_snapshot_last_sequence",
			Help: "Sequence of the last persisted snapshot",
		}),

		ReplayEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_replay_events_total",
			Help: "WAL records replayed on startup",
		}),

		FundingUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_funding_updates_total",
			Help: "Funding rate updates per market",
		}, []string{"market"}),

		FundingSettlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_funding_settlements_total",
			Help: "Funding settlement payments per market",
		}, []string{"market"}),

		LiquidationsTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_liquidations_triggered_total",
			Help: "Forced liquidation orders emitted per market",
		}, []string{"market"}),

		LiquidationFills: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_liquidation_fills_total",
			Help: "Fills produced by liquidation orders per market",
		}, []string{"market"}),

		FeedFramesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_feed_frames_published_total",
			Help: "Frames and fills published to the outbound broker",
		}),

		FeedPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_feed_publish_errors_total",
			Help: "Outbound broker publish failures",
		}),

		HistoryRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_history_rows_written_total",
			Help: "Trade history rows written to Postgres",
		}),

		HistoryWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_history_write_errors_total",
			Help: "Trade history write failures",
		}),
	}
}
