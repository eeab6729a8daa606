package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the service. All methods are
// safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	// Commands
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CommandRetries   *prometheus.CounterVec
	VersionConflicts *prometheus.CounterVec

	// Balance guard
	GuardWait     *prometheus.HistogramVec
	GuardTimeouts *prometheus.CounterVec

	// Ledger
	MovementsRecorded *prometheus.CounterVec
	SnapshotsWritten  prometheus.Counter

	// Dedup
	DedupHits         *prometheus.CounterVec
	DedupLRUSize      prometheus.Gauge
	DedupLRUEvictions prometheus.Counter

	// Projections
	ProjectionApplied    *prometheus.CounterVec
	ProjectionDuplicates *prometheus.CounterVec
	ProjectionGaps       *prometheus.CounterVec
	ProjectionLag        *prometheus.GaugeVec
	ProjectionUpdateDur  *prometheus.HistogramVec
	RebuildMatch         *prometheus.GaugeVec
	RebuildRows          *prometheus.GaugeVec

	// Outbound relay
	RelayPublished *prometheus.CounterVec
	RelayFailures  prometheus.Counter

	// Ingestion
	IngestMessages *prometheus.CounterVec

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry() in
// tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	commandBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	updateBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1}

	return &Metrics{
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_commands_total",
			Help: "Commands handled, by command and result kind",
		}, []string{"command", "result"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stock_command_duration_seconds",
			Help:    "Command latency including retries",
			Buckets: commandBuckets,
		}, []string{"command"}),

		CommandRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_command_retries_total",
			Help: "Retries after guard timeouts or transient store failures",
		}, []string{"command"}),

		VersionConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_version_conflicts_total",
			Help: "Optimistic append conflicts returned to callers",
		}, []string{"command"}),

		GuardWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stock_guard_wait_seconds",
			Help:    "Time spent acquiring the balance guard",
			Buckets: commandBuckets,
		}, []string{"mode"}),

		GuardTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_guard_timeouts_total",
			Help: "Balance guard acquisitions that hit the timeout",
		}, []string{"mode"}),

		MovementsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_movements_recorded_total",
			Help: "Ledger movements committed, by kind",
		}, []string{"kind"}),

		SnapshotsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "stock_snapshots_written_total",
			Help: "Ledger stream snapshots written",
		}),

		DedupHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_dedup_hits_total",
			Help: "Duplicate commands caught, by tier (lru/postgres)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "stock_dedup_lru_size",
			Help: "Current command LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "stock_dedup_lru_evictions_total",
			Help: "Command LRU evictions",
		}),

		ProjectionApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_projection_events_applied_total",
			Help: "Events applied to an async projection",
		}, []string{"projection"}),

		ProjectionDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_projection_duplicates_total",
			Help: "Redelivered events skipped by the processed-event check",
		}, []string{"projection"}),

		ProjectionGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_projection_gaps_skipped_total",
			Help: "Position gaps skipped after the gap timeout",
		}, []string{"projection"}),

		ProjectionLag: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stock_projection_lag_events",
			Help: "Head position minus projection checkpoint",
		}, []string{"projection"}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stock_projection_update_duration_seconds",
			Help:    "Projection update transaction duration",
			Buckets: updateBuckets,
		}, []string{"projection"}),

		RebuildMatch: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stock_projection_checksum_match",
			Help: "1 if the last rebuild/verify checksum matched live, else 0",
		}, []string{"projection"}),

		RebuildRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stock_projection_rows",
			Help: "Row counts seen by the last rebuild/verify",
		}, []string{"projection", "table"}),

		RelayPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_relay_published_total",
			Help: "Events published to NATS by the outbound relay",
		}, []string{"event_type"}),

		RelayFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "stock_relay_failures_total",
			Help: "Outbound publish failures (retried)",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_ingest_messages_total",
			Help: "NATS command messages by command and disposition (ack/nak/term)",
		}, []string{"command", "disposition"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stock_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) ObserveCommand(command, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, result).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(command string) {
	if m == nil {
		return
	}
	m.CommandRetries.WithLabelValues(command).Inc()
}

func (m *Metrics) IncVersionConflict(command string) {
	if m == nil {
		return
	}
	m.VersionConflicts.WithLabelValues(command).Inc()
}

// ObserveGuardWait satisfies guard.Observer.
func (m *Metrics) ObserveGuardWait(mode string, d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.GuardWait.WithLabelValues(mode).Observe(d.Seconds())
	if timedOut {
		m.GuardTimeouts.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) IncMovement(kind string) {
	if m == nil {
		return
	}
	m.MovementsRecorded.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncSnapshot() {
	if m == nil {
		return
	}
	m.SnapshotsWritten.Inc()
}

func (m *Metrics) IncDedupHit(tier string) {
	if m == nil {
		return
	}
	m.DedupHits.WithLabelValues(tier).Inc()
}

func (m *Metrics) SetDedupLRU(size int, evicted bool) {
	if m == nil {
		return
	}
	m.DedupLRUSize.Set(float64(size))
	if evicted {
		m.DedupLRUEvictions.Inc()
	}
}

func (m *Metrics) ObserveProjection(name string, applied bool, d time.Duration) {
	if m == nil {
		return
	}
	if applied {
		m.ProjectionApplied.WithLabelValues(name).Inc()
	} else {
		m.ProjectionDuplicates.WithLabelValues(name).Inc()
	}
	m.ProjectionUpdateDur.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) IncProjectionGap(name string) {
	if m == nil {
		return
	}
	m.ProjectionGaps.WithLabelValues(name).Inc()
}

func (m *Metrics) SetProjectionLag(name string, lag int64) {
	if m == nil {
		return
	}
	m.ProjectionLag.WithLabelValues(name).Set(float64(lag))
}

func (m *Metrics) SetRebuildResult(name string, match bool, shadowRows, liveRows int) {
	if m == nil {
		return
	}
	v := 0.0
	if match {
		v = 1
	}
	m.RebuildMatch.WithLabelValues(name).Set(v)
	m.RebuildRows.WithLabelValues(name, "shadow").Set(float64(shadowRows))
	m.RebuildRows.WithLabelValues(name, "live").Set(float64(liveRows))
}

func (m *Metrics) IncRelayPublished(eventType string) {
	if m == nil {
		return
	}
	m.RelayPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncRelayFailure() {
	if m == nil {
		return
	}
	m.RelayFailures.Inc()
}

func (m *Metrics) IncIngest(command, disposition string) {
	if m == nil {
		return
	}
	m.IngestMessages.WithLabelValues(command, disposition).Inc()
}

func (m *Metrics) ObserveQuery(endpoint, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryRequests.WithLabelValues(endpoint, status).Inc()
	m.QueryDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}
