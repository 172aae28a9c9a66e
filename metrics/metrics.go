package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CellJoins = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chant_cell_joins_total", Help: "Users placed into cells, by path (join|create|assigned)"},
		[]string{"path"},
	)
	VotesCast = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chant_votes_cast_total", Help: "Accepted vote allocations"},
	)
	CellsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chant_cells_finalized_total", Help: "Cells completed, by reason (grace|timeout)"},
		[]string{"reason"},
	)
	TiersAdvanced = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chant_tiers_advanced_total", Help: "Tier advancements"},
	)
	ChampionsDeclared = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chant_champions_declared_total", Help: "Champions declared or defended"},
	)
	TxRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chant_tx_retries_total", Help: "Transactions retried after a serialization conflict"},
	)
	Anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chant_anomalies_total", Help: "Unexpected states handled with a safe default"},
		[]string{"kind"},
	)
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "chant_sweep_duration_seconds", Help: "Timer sweep duration", Buckets: prometheus.DefBuckets},
	)
	OutboxDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chant_outbox_delivered_total", Help: "Outbox events delivered"},
	)
	OutboxFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chant_outbox_failed_total", Help: "Outbox delivery attempts that failed"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CellJoins, VotesCast, CellsFinalized, TiersAdvanced, ChampionsDeclared,
			TxRetries, Anomalies, SweepDuration, OutboxDelivered, OutboxFailed,
		)
	})
}
