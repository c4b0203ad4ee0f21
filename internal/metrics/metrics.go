// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/triage-ai/proximity/internal/dedup"
	"github.com/triage-ai/proximity/internal/evidence"
)

const namespace = "proximity"

var (
	ingestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_items_total",
			Help:      "Raw items processed by dedup, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	mappedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mapped_events_total",
			Help:      "Events processed by the signpost mapper, partitioned by status.",
		},
		[]string{"status"},
	)

	reviewActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_actions_total",
			Help:      "Review gate decisions, partitioned by action.",
		},
		[]string{"action"},
	)

	corroboratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corroborated_links_total",
			Help:      "Provisional B-tier links corroborated by A-tier evidence.",
		},
	)

	aggregationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_seconds",
			Help:      "Snapshot recompute latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"preset"},
	)

	overallScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overall_score",
			Help:      "Latest overall proximity index per preset.",
		},
		[]string{"preset"},
	)

	categoryScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "category_score",
			Help:      "Latest category score per preset.",
		},
		[]string{"preset", "category"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Aggregate cache lookups, partitioned by result.",
		},
		[]string{"result"},
	)

	budgetRefusals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_budget_refusals_total",
			Help:      "Fallback classifier calls refused by the daily budget.",
		},
	)
)

// Register attaches the collectors to reg. Registering twice is a no-op.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ingestedTotal,
		mappedTotal,
		reviewActionsTotal,
		corroboratedTotal,
		aggregationSeconds,
		overallScore,
		categoryScore,
		cacheLookups,
		budgetRefusals,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest adds a dedup batch's counts.
func ObserveIngest(s dedup.Stats) {
	ingestedTotal.WithLabelValues(dedup.OutcomeInserted.String()).Add(float64(s.Inserted))
	ingestedTotal.WithLabelValues(dedup.OutcomeUpdated.String()).Add(float64(s.Updated))
	ingestedTotal.WithLabelValues(dedup.OutcomeSkipped.String()).Add(float64(s.Skipped))
	ingestedTotal.WithLabelValues("error").Add(float64(s.Errors))
}

// ObserveMapped counts one mapped or unmapped event.
func ObserveMapped(status string) {
	mappedTotal.WithLabelValues(status).Inc()
}

// ObserveReview counts an approve, reject or retract.
func ObserveReview(action string) {
	reviewActionsTotal.WithLabelValues(action).Inc()
}

// ObserveCorroborated adds n corroborated links.
func ObserveCorroborated(n int) {
	corroboratedTotal.Add(float64(n))
}

// ObserveBudgetRefusal counts a classifier call refused by the budget.
func ObserveBudgetRefusal() {
	budgetRefusals.Inc()
}

// ObserveCache counts a cache hit or miss.
func ObserveCache(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// ObserveSnapshot records recompute latency and publishes the snapshot's
// scores as gauges.
func ObserveSnapshot(snap *evidence.Snapshot, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	aggregationSeconds.WithLabelValues(snap.Preset).Observe(duration.Seconds())
	overallScore.WithLabelValues(snap.Preset).Set(snap.Overall)
	for _, cat := range evidence.Categories {
		categoryScore.WithLabelValues(snap.Preset, string(cat)).Set(snap.Score(cat))
	}
}
