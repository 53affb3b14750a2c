package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the betting ledger.
type Metrics struct {
	// --- Ledger operations ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec

	// --- Persistence ---
	PersistErrors   *prometheus.CounterVec
	PersistDuration prometheus.Histogram

	// --- Ledger state ---
	Accounts prometheus.Gauge
	LiveBets prometheus.Gauge

	// --- Money flow (reference currency) ---
	BetVolume     prometheus.Counter
	DepositVolume prometheus.Counter
	PayoutVolume  prometheus.Counter

	// --- Settlement ---
	Settlements *prometheus.CounterVec

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bets_ledger_ops_applied_total",
			Help: "Ledger operations successfully applied",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bets_ledger_ops_rejected_total",
			Help: "Ledger operations rejected (validation, limits, funds)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bets_ledger_op_duration_seconds",
			Help:    "End-to-end duration of one ledger operation",
			Buckets: opBuckets,
		}, []string{"op"}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bets_persist_errors_total",
			Help: "Ledger document save/load failures",
		}, []string{"stage"}),

		PersistDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bets_persist_duration_seconds",
			Help:    "Ledger document write duration",
			Buckets: opBuckets,
		}),

		Accounts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bets_accounts",
			Help: "Known accounts in the ledger",
		}),

		LiveBets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bets_live_bets",
			Help: "Accounts with a live bet this round",
		}),

		BetVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bets_bet_volume_uah_total",
			Help: "Total stake debited at placement, reference currency",
		}),

		DepositVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bets_deposit_volume_uah_total",
			Help: "Total deposits credited, reference currency",
		}),

		PayoutVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bets_payout_volume_uah_total",
			Help: "Total winning payouts credited, reference currency",
		}),

		Settlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bets_settlements_total",
			Help: "Settlement results produced, by outcome",
		}, []string{"outcome"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bets_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bets_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"route"}),
	}
}
