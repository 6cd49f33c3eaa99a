package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cashback sweep counters and histograms.

var (
	// Scheduler
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "scheduler",
		Name:      "sweeps_total",
		Help:      "Total sweeps by result (completed, skipped_overlap, skipped_lock)",
	}, []string{"result"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cashback",
		Subsystem: "scheduler",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of a full sweep over registered users",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})

	UsersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "scheduler",
		Name:      "users_processed_total",
		Help:      "Users processed per sweep by outcome (succeeded, failed, skipped)",
	}, []string{"outcome"})

	// Pipeline
	EntriesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "pipeline",
		Name:      "ledger_entries_total",
		Help:      "Ledger entries written by kind (rewarded, unrewarded, historical, resumed)",
	}, []string{"kind"})

	DuplicateTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "pipeline",
		Name:      "duplicate_transfers_total",
		Help:      "Transfers skipped because the ledger already had them",
	})

	PayoutsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "pipeline",
		Name:      "payouts_total",
		Help:      "Payout transactions confirmed on chain, by pool",
	}, []string{"pool"})

	RewardDistributed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "pipeline",
		Name:      "reward_base_units_total",
		Help:      "Reward base units recorded as distributed, by pool",
	}, []string{"pool"})

	DistributionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "pipeline",
		Name:      "distribution_failures_total",
		Help:      "Payout batches that failed to land",
	})

	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "pipeline",
		Name:      "persistence_failures_total",
		Help:      "Store writes that failed, split by whether payouts had already landed",
	}, []string{"payouts_landed"})

	PoolCapAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "pipeline",
		Name:      "pool_cap_adjustments_total",
		Help:      "Line items reduced or dropped because the pool cap was reached",
	}, []string{"pool"})

	// Indexer
	IndexerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "indexer",
		Name:      "requests_total",
		Help:      "Indexer HTTP requests by endpoint kind and status",
	}, []string{"kind", "status"})

	IndexerRejectedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cashback",
		Subsystem: "indexer",
		Name:      "rejected_records_total",
		Help:      "Indexer transaction records that failed validation and were ignored",
	})
)
