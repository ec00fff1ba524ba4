// Package metrics provides Prometheus metrics for vault-bridge transfers
// and sync sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mirror attempts, one per endpoint tried.
	mirrorAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultbridge_mirror_attempts_total",
			Help: "Total number of blob mirror attempts",
		},
		[]string{"op", "result"},
	)

	blobBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultbridge_blob_bytes_uploaded_total",
			Help: "Total encrypted bytes uploaded to the blob store",
		},
	)

	blobBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultbridge_blob_bytes_downloaded_total",
			Help: "Total encrypted bytes downloaded from the blob store",
		},
	)

	keyBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultbridge_key_batches_total",
			Help: "Total number of key authorization batches",
		},
		[]string{"result"},
	)

	sessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultbridge_session_duration_seconds",
			Help:    "Duration of push and pull sessions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "result"},
	)

	filesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultbridge_files_processed_total",
			Help: "Files processed by reconcilers, by outcome",
		},
		[]string{"kind", "outcome"},
	)
)

// RecordMirrorAttempt counts one mirror attempt. op is "put" or "get",
// result is "ok", "error" or "timeout".
func RecordMirrorAttempt(op, result string) {
	mirrorAttemptsTotal.WithLabelValues(op, result).Inc()
}

// RecordUpload adds uploaded bytes.
func RecordUpload(n int) {
	blobBytesUploaded.Add(float64(n))
}

// RecordDownload adds downloaded bytes.
func RecordDownload(n int) {
	blobBytesDownloaded.Add(float64(n))
}

// RecordKeyBatch counts one key authorization batch.
func RecordKeyBatch(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	keyBatchesTotal.WithLabelValues(result).Inc()
}

// RecordSession observes a finished push or pull session.
func RecordSession(kind string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	sessionDuration.WithLabelValues(kind, result).Observe(time.Since(start).Seconds())
}

// RecordFile counts one file outcome for a reconciler.
func RecordFile(kind, outcome string) {
	filesProcessedTotal.WithLabelValues(kind, outcome).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
