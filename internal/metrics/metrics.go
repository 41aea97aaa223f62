package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics, registered on the default registry and served at /metrics.
var (
	// Attachment uploads by content kind and final status.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "attachments",
			Name:      "uploads_total",
			Help:      "Attachment uploads by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	UploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "attachments",
			Name:      "upload_bytes_total",
			Help:      "Bytes of completed attachment uploads",
		},
		[]string{"kind"},
	)

	UploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "convo",
			Subsystem: "attachments",
			Name:      "upload_duration_seconds",
			Help:      "Attachment upload duration in seconds, retries included",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	AppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "store",
			Name:      "appends_total",
			Help:      "Message appends by outcome",
		},
		[]string{"status"},
	)

	SendRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "outbox",
			Name:      "send_retries_total",
			Help:      "Append attempts retried after a transient failure",
		},
	)

	LiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "convo",
			Subsystem: "dispatch",
			Name:      "live_subscriptions",
			Help:      "Open store subscriptions held by the live dispatcher",
		},
	)

	DeltasTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "dispatch",
			Name:      "deltas_total",
			Help:      "Non-empty deltas rendered to views",
		},
	)

	BusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		},
		[]string{"kind"},
	)
)

// RecordUpload records the outcome of one upload.
func RecordUpload(kind, status string, bytes int64, durationSec float64) {
	UploadsTotal.WithLabelValues(kind, status).Inc()
	UploadDuration.WithLabelValues(kind).Observe(durationSec)
	if status == "complete" {
		UploadBytesTotal.WithLabelValues(kind).Add(float64(bytes))
	}
}

// RecordAppend records the outcome of one store append.
func RecordAppend(status string) {
	AppendsTotal.WithLabelValues(status).Inc()
}
