package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "irma_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingressMessages *prometheus.CounterVec
	ingressLatency  *prometheus.HistogramVec

	nodeTransitions *prometheus.CounterVec
	nodeTimeouts    prometheus.Counter
	casConflicts    *prometheus.CounterVec

	sweepTotal   *prometheus.CounterVec
	sweepLatency *prometheus.HistogramVec

	alertsRaised  prometheus.Counter
	alertsHandled *prometheus.CounterVec

	alertExportTotal   *prometheus.CounterVec
	alertExportLatency *prometheus.HistogramVec

	notificationsTotal *prometheus.CounterVec
	archiveForwards    *prometheus.CounterVec
)

// Init registers collectors. When db is non-nil, store-backed gauges are registered too.
func Init(db *sql.DB, logger *zap.SugaredLogger) {
	registerOnce.Do(func() {
		ingressMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingress_messages_total",
				Help: "Total inbound broker messages by result",
			},
			[]string{"result"},
		)
		ingressLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingress_latency_seconds",
				Help:    "Inbound message processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		nodeTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "node_transitions_total",
				Help: "Total committed node state transitions",
			},
			[]string{"from", "to"},
		)
		nodeTimeouts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "node_timeouts_total",
				Help: "Total nodes declared offline by the liveness sweep",
			},
		)
		casConflicts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_version_conflicts_total",
				Help: "Total optimistic concurrency conflicts by collection",
			},
			[]string{"collection"},
		)

		sweepTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "liveness_sweeps_total",
				Help: "Total liveness sweeps by result",
			},
			[]string{"result"},
		)
		sweepLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "liveness_sweep_latency_seconds",
				Help:    "Liveness sweep latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		alertsRaised = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_raised_total",
				Help: "Total alerts raised against readings",
			},
		)
		alertsHandled = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_handled_total",
				Help: "Total alert handling requests by outcome",
			},
			[]string{"outcome"},
		)

		alertExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_export_total",
				Help: "Total alert export operations by format and result",
			},
			[]string{"format", "result"},
		)
		alertExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alert_export_latency_seconds",
				Help:    "Alert export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Total change notifications by sink and result",
			},
			[]string{"sink", "result"},
		)
		archiveForwards = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "archive_forwards_total",
				Help: "Total archival forwards by target and result",
			},
			[]string{"target", "result"},
		)

		prometheus.MustRegister(
			ingressMessages,
			ingressLatency,
			nodeTransitions,
			nodeTimeouts,
			casConflicts,
			sweepTotal,
			sweepLatency,
			alertsRaised,
			alertsHandled,
			alertExportTotal,
			alertExportLatency,
			notificationsTotal,
			archiveForwards,
		)

		if db != nil {
			registerStoreMetrics(db, logger)
		}
	})
}

// ObserveIngress records inbound message handling duration and result.
func ObserveIngress(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingressMessages != nil {
		ingressMessages.WithLabelValues(result).Inc()
	}
	if ingressLatency != nil {
		ingressLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncTransition counts a committed state change.
func IncTransition(from, to string) {
	if nodeTransitions != nil {
		nodeTransitions.WithLabelValues(from, to).Inc()
	}
}

// IncTimeout counts a node declared offline by the sweep.
func IncTimeout() {
	if nodeTimeouts != nil {
		nodeTimeouts.Inc()
	}
}

// IncVersionConflict counts an optimistic concurrency retry.
func IncVersionConflict(collection string) {
	if collection == "" {
		collection = "unknown"
	}
	if casConflicts != nil {
		casConflicts.WithLabelValues(collection).Inc()
	}
}

// ObserveSweep records liveness sweep latency and result.
func ObserveSweep(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if sweepTotal != nil {
		sweepTotal.WithLabelValues(result).Inc()
	}
	if sweepLatency != nil {
		sweepLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncAlertRaised counts a newly raised alert.
func IncAlertRaised() {
	if alertsRaised != nil {
		alertsRaised.Inc()
	}
}

// IncAlertHandled counts an alert handling request by outcome.
func IncAlertHandled(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if alertsHandled != nil {
		alertsHandled.WithLabelValues(outcome).Inc()
	}
}

// ObserveAlertExport records export latency and result.
func ObserveAlertExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if alertExportTotal != nil {
		alertExportTotal.WithLabelValues(format, result).Inc()
	}
	if alertExportLatency != nil {
		alertExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncNotification counts a notification delivery attempt.
func IncNotification(sink, result string) {
	if sink == "" {
		sink = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(sink, result).Inc()
	}
}

// IncArchiveForward counts an archival forward attempt.
func IncArchiveForward(target, result string) {
	if target == "" {
		target = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if archiveForwards != nil {
		archiveForwards.WithLabelValues(target, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultDropped = "dropped"

	AlertHandled        = "handled"
	AlertAlreadyHandled = "already_handled"
	AlertNotFound       = "not_found"
)
