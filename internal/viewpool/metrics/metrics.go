package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	commonmetrics "github.com/ssufhbfndk/yt-view-backend/internal/common/metrics"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

// Allocation outcomes.
const (
	OutcomeAvailable = "available"
	OutcomeCooldown  = "cooldown"
	OutcomeCompleted = "completed"
	OutcomeNone      = "none"
	OutcomeError     = "error"
)

// Metrics holds the prometheus metrics updated by the allocator, intake, cooldown scheduler and retention sweeper.
type Metrics struct {
	allocations       *prometheus.CounterVec
	allocationLatency prometheus.Histogram
	lostRaces         prometheus.Counter
	intakeOutcomes    *prometheus.CounterVec
	cooldownsEnded    *prometheus.CounterVec
	sweptRows         *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: commonmetrics.MetricPrefix + "allocations_total",
				Help: "Number of allocation requests, by the state the allocated job was left in.",
			},
			[]string{"outcome"},
		),
		allocationLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    commonmetrics.MetricPrefix + "allocation_latency_seconds",
				Help:    "Time taken to serve an allocation request.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		lostRaces: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: commonmetrics.MetricPrefix + "allocation_lost_races_total",
				Help: "Number of allocation attempts retried because a concurrent allocation changed the candidate.",
			},
		),
		intakeOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: commonmetrics.MetricPrefix + "intake_outcomes_total",
				Help: "Number of submissions processed by intake, by status and reason.",
			},
			[]string{"status", "reason"},
		),
		cooldownsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: commonmetrics.MetricPrefix + "cooldowns_ended_total",
				Help: "Number of jobs moved out of cooldown, by the state they were moved to.",
			},
			[]string{"state"},
		),
		sweptRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: commonmetrics.MetricPrefix + "swept_rows_total",
				Help: "Number of expired rows deleted by the retention sweeper.",
			},
			[]string{"table"},
		),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.allocations.Describe(ch)
	m.allocationLatency.Describe(ch)
	m.lostRaces.Describe(ch)
	m.intakeOutcomes.Describe(ch)
	m.cooldownsEnded.Describe(ch)
	m.sweptRows.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.allocations.Collect(ch)
	m.allocationLatency.Collect(ch)
	m.lostRaces.Collect(ch)
	m.intakeOutcomes.Collect(ch)
	m.cooldownsEnded.Collect(ch)
	m.sweptRows.Collect(ch)
}

func (m *Metrics) RecordAllocation(outcome string, duration time.Duration) {
	m.allocations.WithLabelValues(outcome).Inc()
	m.allocationLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordLostRace() {
	m.lostRaces.Inc()
}

func (m *Metrics) RecordIntakeOutcome(outcome model.IntakeOutcome) {
	m.intakeOutcomes.WithLabelValues(string(outcome.Status), outcome.Reason).Inc()
}

func (m *Metrics) RecordCooldownsEnded(state model.State, count int) {
	m.cooldownsEnded.WithLabelValues(string(state)).Add(float64(count))
}

func (m *Metrics) RecordSweptRows(table string, count int64) {
	m.sweptRows.WithLabelValues(table).Add(float64(count))
}

type jobCounter interface {
	CountJobsByState(ctx context.Context) (map[model.State]int64, error)
}

var jobsDesc = prometheus.NewDesc(
	commonmetrics.MetricPrefix+"jobs",
	"Number of jobs by state.",
	[]string{"state"},
	nil,
)

// JobStateCollector reports the number of stored jobs in each state every time it is scraped.
type JobStateCollector struct {
	counter jobCounter
	timeout time.Duration
}

func NewJobStateCollector(counter jobCounter, timeout time.Duration) *JobStateCollector {
	return &JobStateCollector{counter: counter, timeout: timeout}
}

func (c *JobStateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
}

func (c *JobStateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	counts, err := c.counter.CountJobsByState(ctx)
	if err != nil {
		log.WithError(err).Warn("Could not count jobs by state")
		ch <- prometheus.NewInvalidMetric(jobsDesc, err)
		return
	}
	for _, state := range model.AllStates {
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
}
