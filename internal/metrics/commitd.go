// Package metrics provides Prometheus-compatible metrics for commitd.
package metrics

// CommitdMetrics holds all commitd-specific metrics.
type CommitdMetrics struct {
	registry *Registry

	// Counters
	CommitmentsTotal  *Counter
	AnchorsTotal      *Counter
	ProofRequestsTotal *Counter
	RateLimitedTotal  *Counter
	ValidationFailedTotal *Counter
	ErrorsTotal       *Counter

	// Gauges
	TreeSize          *Gauge
	UnanchoredCount   *Gauge
	DatabaseSizeBytes *Gauge
	LastAnchorTs      *Gauge

	// Histograms
	CommitDuration      *Histogram
	AnchorDuration      *Histogram
	ProofQueryDuration  *Histogram
	DatabaseQueryDuration *Histogram
}

// NewCommitdMetrics creates and registers all commitd metrics on registry.
func NewCommitdMetrics(registry *Registry) *CommitdMetrics {
	if registry == nil {
		registry = NewRegistry("commitd", "")
	}

	return &CommitdMetrics{
		registry: registry,

		CommitmentsTotal: registry.RegisterCounter(
			"commitments_total",
			"Total number of commitments accepted",
			nil,
		),
		AnchorsTotal: registry.RegisterCounter(
			"anchors_total",
			"Total number of anchoring operations recorded",
			nil,
		),
		ProofRequestsTotal: registry.RegisterCounter(
			"proof_requests_total",
			"Total number of proof requests served",
			nil,
		),
		RateLimitedTotal: registry.RegisterCounter(
			"rate_limited_total",
			"Total number of requests rejected by the rate limiter",
			nil,
		),
		ValidationFailedTotal: registry.RegisterCounter(
			"validation_failed_total",
			"Total number of requests rejected at the input boundary",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of internal errors",
			nil,
		),

		TreeSize: registry.RegisterGauge(
			"tree_size",
			"Number of leaves in the commitment tree",
			nil,
		),
		UnanchoredCount: registry.RegisterGauge(
			"unanchored_count",
			"Number of commitments not yet covered by an anchor",
			nil,
		),
		DatabaseSizeBytes: registry.RegisterGauge(
			"database_size_bytes",
			"Size of the store database file in bytes",
			nil,
		),
		LastAnchorTs: registry.RegisterGauge(
			"last_anchor_timestamp",
			"Unix timestamp of the most recent anchor",
			nil,
		),

		CommitDuration: registry.RegisterHistogram(
			"commit_duration_seconds",
			"Duration of commitment submission operations in seconds",
			nil,
			DurationBuckets,
		),
		AnchorDuration: registry.RegisterHistogram(
			"anchor_duration_seconds",
			"Duration of anchoring operations in seconds",
			nil,
			[]float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		),
		ProofQueryDuration: registry.RegisterHistogram(
			"proof_query_duration_seconds",
			"Duration of proof generation queries in seconds",
			nil,
			DurationBuckets,
		),
		DatabaseQueryDuration: registry.RegisterHistogram(
			"database_query_duration_seconds",
			"Duration of store queries in seconds",
			nil,
			DurationBuckets,
		),
	}
}

// Registry returns the underlying metric registry.
func (m *CommitdMetrics) Registry() *Registry {
	return m.registry
}
