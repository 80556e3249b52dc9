package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks pipeline throughput and outcomes.
type Metrics struct {
	PairsScored          prometheus.Counter
	ComplianceBlocks     *prometheus.CounterVec
	RiskBlocks           prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	MatchesFound         prometheus.Counter
	AllocationConflicts  prometheus.Counter
	QueueDepth           prometheus.Gauge
	ScoringLatency       prometheus.Histogram
}

// NewMetrics registers the pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PairsScored: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradematch_pairs_scored_total",
			Help: "Candidate pairs run through the scoring pipeline.",
		}),
		ComplianceBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradematch_compliance_blocks_total",
			Help: "Pairs blocked by the Tier-1 compliance gate.",
		}, []string{"rule_code"}),
		RiskBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradematch_risk_blocks_total",
			Help: "Pairs blocked by the Tier-2 risk scorer.",
		}),
		DuplicatesSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradematch_duplicates_suppressed_total",
			Help: "Candidates rejected by the duplicate suppressor.",
		}),
		MatchesFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradematch_matches_found_total",
			Help: "Accepted match candidates.",
		}),
		AllocationConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradematch_allocation_conflicts_total",
			Help: "Allocation attempts that exhausted the retry limit.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradematch_trigger_queue_depth",
			Help: "Match requests waiting in the trigger queue.",
		}),
		ScoringLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradematch_scoring_latency_seconds",
			Help:    "End-to-end latency of one posting's scoring pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
