package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	ChangeEventsTotal  *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	DownloadRetries    *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	EntitiesProcessed  *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trustcheck_runs_total",
			Help: "Scraper runs by source and terminal status",
		}, []string{"source", "status"}),
		ChangeEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trustcheck_change_events_total",
			Help: "Detected change events by source, type and risk level",
		}, []string{"source", "type", "risk"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustcheck_stage_duration_seconds",
			Help:    "Wall-clock duration of each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"source", "stage"}),
		DownloadRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trustcheck_download_retries_total",
			Help: "Transient download failures that were retried",
		}, []string{"source"}),
		NotificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trustcheck_notifications_total",
			Help: "Notification deliveries by channel and outcome",
		}, []string{"channel", "outcome"}),
		EntitiesProcessed: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trustcheck_entities_processed",
			Help: "Entities observed in the most recent run per source",
		}, []string{"source"}),
	}
}

// ObserveStage records one stage duration.
func (m *Metrics) ObserveStage(source, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(source, stage).Observe(d.Seconds())
}

// RunCompleted counts a terminal run outcome.
func (m *Metrics) RunCompleted(source, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(source, status).Inc()
}

// EventDetected counts one classified change event.
func (m *Metrics) EventDetected(source, changeType, risk string) {
	if m == nil {
		return
	}
	m.ChangeEventsTotal.WithLabelValues(source, changeType, risk).Inc()
}

// NotificationOutcome counts one channel delivery attempt outcome.
func (m *Metrics) NotificationOutcome(channel, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// EntitiesObserved records the entity count of the latest run for a source.
func (m *Metrics) EntitiesObserved(source string, n int) {
	if m == nil {
		return
	}
	m.EntitiesProcessed.WithLabelValues(source).Set(float64(n))
}

// DownloadRetried counts one retried transient failure.
func (m *Metrics) DownloadRetried(source string) {
	if m == nil {
		return
	}
	m.DownloadRetries.WithLabelValues(source).Inc()
}
