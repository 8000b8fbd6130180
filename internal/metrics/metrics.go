// Package metrics exposes Prometheus instrumentation for the vault server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsCreated counts resumable upload sessions created.
	UploadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultkeep_uploads_created_total",
			Help: "Total number of resumable upload sessions created",
		},
	)

	// UploadsResumed counts creations that attached to existing partial state.
	UploadsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultkeep_uploads_resumed_total",
			Help: "Total number of upload sessions resumed from partial state",
		},
	)

	// UploadsCompleted counts uploads committed to durable storage.
	UploadsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultkeep_uploads_completed_total",
			Help: "Total number of uploads committed to storage",
		},
	)

	// ChunksReceived counts accepted PATCH bodies.
	ChunksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultkeep_chunks_received_total",
			Help: "Total number of upload chunks accepted",
		},
	)

	// OffsetConflicts counts chunk writes rejected with an offset mismatch.
	OffsetConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultkeep_offset_conflicts_total",
			Help: "Total number of chunk writes rejected for offset mismatch",
		},
	)

	// DownloadsTotal counts download resolutions by status.
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultkeep_downloads_total",
			Help: "Total number of download requests",
		},
		[]string{"status"},
	)

	// ListRequestsTotal counts catalog listing requests.
	ListRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultkeep_list_requests_total",
			Help: "Total number of file listing requests",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultkeep_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// BytesUploaded tracks accepted upload payload bytes.
	BytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultkeep_bytes_uploaded_total",
			Help: "Total payload bytes accepted by the upload endpoint",
		},
	)
)
