package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels a single participant evaluation.
type Outcome string

// Evaluation outcomes.
const (
	OutcomeScored          Outcome = "scored"
	OutcomeReused          Outcome = "reused"
	OutcomeMissingMetadata Outcome = "missing_metadata"
	OutcomeDataUnavailable Outcome = "data_unavailable"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeTrainingFailure Outcome = "training_failure"
	OutcomeInterrupted     Outcome = "interrupted"
)

// Result labels chain operations and cycles.
type Result string

// Chain and cycle results.
const (
	ResultSuccess   Result = "success"
	ResultFailure   Result = "failure"
	ResultAbandoned Result = "abandoned"
	ResultFatal     Result = "fatal"
)

// Manager manages all Prometheus metrics for the validator.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	trainingBuckets  []float64
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Cycle metrics
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	participants  prometheus.Gauge

	// Evaluation metrics
	evaluations       *prometheus.CounterVec
	trainingLatency   prometheus.Histogram
	duplicateGroups   prometheus.Counter
	disqualifications prometheus.Counter

	// Commit-reveal metrics
	commits            *prometheus.CounterVec
	reveals            *prometheus.CounterVec
	pendingReveal      prometheus.Gauge
	lastSubmittedEpoch prometheus.Gauge
	blocksToEpoch      prometheus.Gauge

	// Store metrics
	storeLatency *prometheus.HistogramVec

	// HTTP Performance Metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithRegisterer(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "flock",
		subsystem:        "validator",
		histogramBuckets: prometheus.DefBuckets,
		trainingBuckets:  prometheus.ExponentialBuckets(1, 2, 12),
		constLabels:      map[string]string{},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.cycles = auto.NewCounterVec(m.counterOpts("cycles_total",
		"Total number of orchestration cycles by result"), []string{"result"})
	m.cycleDuration = auto.NewHistogram(m.histogramOpts("cycle_duration_seconds",
		"Wall time of one orchestration cycle", m.trainingBuckets))
	m.participants = auto.NewGauge(m.gaugeOpts("participants",
		"Number of participants in the last metagraph sync"))

	m.evaluations = auto.NewCounterVec(m.counterOpts("evaluations_total",
		"Participant evaluations by outcome"), []string{"outcome"})
	m.trainingLatency = auto.NewHistogram(m.histogramOpts("training_duration_seconds",
		"Duration of a single training evaluation", m.trainingBuckets))
	m.duplicateGroups = auto.NewCounter(m.counterOpts("duplicate_groups_total",
		"Collusion groups detected among sampled datasets"))
	m.disqualifications = auto.NewCounter(m.counterOpts("disqualifications_total",
		"Participants disqualified for duplicate datasets"))

	m.commits = auto.NewCounterVec(m.counterOpts("commits_total",
		"Weight commits by result"), []string{"result"})
	m.reveals = auto.NewCounterVec(m.counterOpts("reveals_total",
		"Weight reveals by result"), []string{"result"})
	m.pendingReveal = auto.NewGauge(m.gaugeOpts("pending_reveal",
		"1 when a committed weight vector awaits reveal"))
	m.lastSubmittedEpoch = auto.NewGauge(m.gaugeOpts("last_submitted_epoch",
		"Epoch boundary block of the last successful commit"))
	m.blocksToEpoch = auto.NewGauge(m.gaugeOpts("blocks_to_epoch",
		"Blocks remaining until the next epoch boundary"))

	m.storeLatency = auto.NewHistogramVec(m.histogramOpts("store_operation_seconds",
		"Score store operation latency", m.histogramBuckets), []string{"operation"})

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total",
		"Total number of HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds", m.histogramBuckets),
		[]string{"endpoint", "method", "status_code"})
}

// Cycle Metrics Functions.

// RecordCycle counts a finished cycle and its duration in seconds.
func RecordCycle(result Result, seconds float64) {
	globalManager.cycles.WithLabelValues(string(result)).Inc()
	globalManager.cycleDuration.Observe(seconds)
}

// UpdateParticipants sets the participant count.
func UpdateParticipants(count int) {
	globalManager.participants.Set(float64(count))
}

// Evaluation Metrics Functions.

// RecordEvaluation counts one participant evaluation.
func RecordEvaluation(outcome Outcome) {
	globalManager.evaluations.WithLabelValues(string(outcome)).Inc()
}

// RecordTrainingLatency records a training run duration in seconds.
func RecordTrainingLatency(seconds float64) {
	globalManager.trainingLatency.Observe(seconds)
}

// RecordDuplicateGroups adds detected groups and the members disqualified from them.
func RecordDuplicateGroups(groups, disqualified int) {
	globalManager.duplicateGroups.Add(float64(groups))
	globalManager.disqualifications.Add(float64(disqualified))
}

// Commit-Reveal Metrics Functions.

// RecordCommit counts a commit attempt.
func RecordCommit(result Result) {
	globalManager.commits.WithLabelValues(string(result)).Inc()
}

// RecordReveal counts a reveal attempt.
func RecordReveal(result Result) {
	globalManager.reveals.WithLabelValues(string(result)).Inc()
}

// UpdatePendingReveal flags whether a reveal is outstanding.
func UpdatePendingReveal(pending bool) {
	if pending {
		globalManager.pendingReveal.Set(1)
		return
	}
	globalManager.pendingReveal.Set(0)
}

// UpdateLastSubmittedEpoch sets the last committed epoch boundary.
func UpdateLastSubmittedEpoch(block uint64) {
	globalManager.lastSubmittedEpoch.Set(float64(block))
}

// UpdateBlocksToEpoch sets the distance to the next boundary.
func UpdateBlocksToEpoch(blocks int64) {
	globalManager.blocksToEpoch.Set(float64(blocks))
}

// Store Metrics Functions.

// RecordStoreLatency records a store operation duration in seconds.
func RecordStoreLatency(operation string, seconds float64) {
	globalManager.storeLatency.WithLabelValues(operation).Observe(seconds)
}

// HTTP Metrics Functions.

// RecordHTTPRequest increments the HTTP request counter.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
