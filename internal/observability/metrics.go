package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records control plane activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveReward(verifier string, reward float64)
	RecordMemberFailure(member string)
	RecordGuardrailOutcome(outcome string)
	RecordViolation(rule, severity string)
	RecordEpisode(environment string, length int)
	RecordPersistenceFailure(store string)
	SetStoredEpisodes(store string, count int)
	RecordEviction(store string)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) ObserveReward(string, float64)   {}
func (NopMetrics) RecordMemberFailure(string)      {}
func (NopMetrics) RecordGuardrailOutcome(string)   {}
func (NopMetrics) RecordViolation(string, string)  {}
func (NopMetrics) RecordEpisode(string, int)       {}
func (NopMetrics) RecordPersistenceFailure(string) {}
func (NopMetrics) SetStoredEpisodes(string, int)   {}
func (NopMetrics) RecordEviction(string)           {}

// MetricsOrNop returns m, or NopMetrics when m is nil
func MetricsOrNop(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}

// Collector is the Prometheus implementation of Metrics.
//
// Metrics (prefixed with the configured namespace):
//   - verifier_reward: reward histogram per verifier
//   - ensemble_member_failures_total: failed ensemble members per member
//   - guardrail_outcomes_total: guardrail decisions per outcome
//   - compliance_violations_total: violations per rule and severity
//   - episodes_total / episode_length_steps: finalized episodes per environment
//   - persistence_failures_total: failed write-through records per store
//   - stored_episodes: episodes currently held per in-memory store
//   - evicted_episodes_total: episodes dropped by the retention bound per store
type Collector struct {
	registry *prometheus.Registry

	rewards             *prometheus.HistogramVec
	memberFailures      *prometheus.CounterVec
	guardrailOutcomes   *prometheus.CounterVec
	violations          *prometheus.CounterVec
	episodes            *prometheus.CounterVec
	episodeLength       *prometheus.HistogramVec
	persistenceFailures *prometheus.CounterVec
	storedEpisodes      *prometheus.GaugeVec
	evictions           *prometheus.CounterVec
}

// NewCollector creates and registers all metrics. If registry is nil a fresh
// registry is created so collectors never collide on the global one.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "reward_governance"
	}

	c := &Collector{
		registry: registry,
		rewards: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "verifier_reward",
				Help:      "Scalar reward produced per verifier evaluation",
				// rewards are mostly in [0,1]; compliance penalties go negative
				Buckets: []float64{-10, -5, -2, -1, -0.5, 0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
			},
			[]string{"verifier"},
		),
		memberFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ensemble_member_failures_total",
				Help:      "Ensemble members excluded from a step because evaluation failed",
			},
			[]string{"member"},
		),
		guardrailOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guardrail_outcomes_total",
				Help:      "Guardrail decisions by outcome",
			},
			[]string{"outcome"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compliance_violations_total",
				Help:      "Compliance violations by rule and severity",
			},
			[]string{"rule", "severity"},
		),
		episodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "episodes_total",
				Help:      "Finalized episodes by environment",
			},
			[]string{"environment"},
		),
		episodeLength: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "episode_length_steps",
				Help:      "Number of steps per finalized episode",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512 steps
			},
			[]string{"environment"},
		),
		persistenceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_failures_total",
				Help:      "Records that could not be written through to the database",
			},
			[]string{"store"},
		),
		storedEpisodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stored_episodes",
				Help:      "Episodes currently held in memory per store",
			},
			[]string{"store"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evicted_episodes_total",
				Help:      "Episodes dropped from an in-memory store by the retention bound",
			},
			[]string{"store"},
		),
	}

	registry.MustRegister(
		c.rewards,
		c.memberFailures,
		c.guardrailOutcomes,
		c.violations,
		c.episodes,
		c.episodeLength,
		c.persistenceFailures,
		c.storedEpisodes,
		c.evictions,
	)

	return c
}

// Registry returns the registry the collector registered with
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveReward records one verifier reward
func (c *Collector) ObserveReward(verifier string, reward float64) {
	c.rewards.WithLabelValues(verifier).Observe(reward)
}

// RecordMemberFailure counts an excluded ensemble member
func (c *Collector) RecordMemberFailure(member string) {
	c.memberFailures.WithLabelValues(member).Inc()
}

// RecordGuardrailOutcome counts a guardrail decision
func (c *Collector) RecordGuardrailOutcome(outcome string) {
	c.guardrailOutcomes.WithLabelValues(outcome).Inc()
}

// RecordViolation counts a compliance violation
func (c *Collector) RecordViolation(rule, severity string) {
	c.violations.WithLabelValues(rule, severity).Inc()
}

// RecordEpisode counts a finalized episode and observes its length
func (c *Collector) RecordEpisode(environment string, length int) {
	c.episodes.WithLabelValues(environment).Inc()
	c.episodeLength.WithLabelValues(environment).Observe(float64(length))
}

// RecordPersistenceFailure counts a record that failed to persist
func (c *Collector) RecordPersistenceFailure(store string) {
	c.persistenceFailures.WithLabelValues(store).Inc()
}

// SetStoredEpisodes reports the current episode count of a store
func (c *Collector) SetStoredEpisodes(store string, count int) {
	c.storedEpisodes.WithLabelValues(store).Set(float64(count))
}

// RecordEviction counts an episode dropped from a store
func (c *Collector) RecordEviction(store string) {
	c.evictions.WithLabelValues(store).Inc()
}
