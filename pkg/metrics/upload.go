// Package metrics provides Prometheus collectors for the upload engine
// and the HTTP API. All record methods are nil-receiver safe so callers
// never have to branch on whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UploadMetrics instruments the upload engine.
type UploadMetrics struct {
	activeSessions   *prometheus.GaugeVec
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionsReaped   *prometheus.CounterVec
	chunksReceived   *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	dedupHits        *prometheus.CounterVec
	mergeDuration    *prometheus.HistogramVec
}

// NewUploadMetrics creates upload engine collectors registered on reg.
func NewUploadMetrics(reg prometheus.Registerer) *UploadMetrics {
	return &UploadMetrics{
		activeSessions: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "filevault_upload_active_sessions",
				Help: "Number of upload sessions currently in a non-terminal state",
			},
			[]string{"mode"}, // "local", "s3"
		),
		sessionsStarted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filevault_upload_sessions_started_total",
				Help: "Total number of upload sessions initialized",
			},
			[]string{"mode"},
		),
		sessionsFinished: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filevault_upload_sessions_finished_total",
				Help: "Total number of upload sessions reaching a terminal state",
			},
			[]string{"mode", "outcome"}, // "completed", "failed", "expired", "aborted"
		),
		sessionsReaped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filevault_upload_sessions_reaped_total",
				Help: "Total number of abandoned sessions expired by the reaper",
			},
			[]string{"mode"},
		),
		chunksReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filevault_upload_chunks_received_total",
				Help: "Total number of chunks accepted",
			},
			[]string{"mode"},
		),
		bytesReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filevault_upload_bytes_received_total",
				Help: "Total chunk bytes accepted",
			},
			[]string{"mode"},
		),
		dedupHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filevault_upload_dedup_hits_total",
				Help: "Total number of uploads satisfied by an existing object",
			},
			[]string{"mode"},
		),
		mergeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "filevault_upload_merge_duration_seconds",
				Help:    "Time spent assembling final objects",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
			},
			[]string{"mode"},
		),
	}
}

// RecordSessionStarted counts a new session and bumps the active gauge.
func (m *UploadMetrics) RecordSessionStarted(mode string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(mode).Inc()
	m.activeSessions.WithLabelValues(mode).Inc()
}

// RecordSessionFinished counts a terminal transition and drops the
// active gauge.
func (m *UploadMetrics) RecordSessionFinished(mode, outcome string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(mode, outcome).Inc()
	m.activeSessions.WithLabelValues(mode).Dec()
}

// RecordSessionReaped counts a reaper-expired session.
func (m *UploadMetrics) RecordSessionReaped(mode string) {
	if m == nil {
		return
	}
	m.sessionsReaped.WithLabelValues(mode).Inc()
}

// RecordChunk counts one accepted chunk and its size.
func (m *UploadMetrics) RecordChunk(mode string, size int64) {
	if m == nil {
		return
	}
	m.chunksReceived.WithLabelValues(mode).Inc()
	m.bytesReceived.WithLabelValues(mode).Add(float64(size))
}

// RecordDedupHit counts an upload satisfied by an existing object.
func (m *UploadMetrics) RecordDedupHit(mode string) {
	if m == nil {
		return
	}
	m.dedupHits.WithLabelValues(mode).Inc()
}

// ObserveMergeDuration records how long a merge took.
func (m *UploadMetrics) ObserveMergeDuration(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.mergeDuration.WithLabelValues(mode).Observe(d.Seconds())
}
