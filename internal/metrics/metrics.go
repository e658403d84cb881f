// Package metrics defines the Prometheus metrics of the S3 file storage.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filestore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filestore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filestore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// File storage operation metrics.
var (
	// OperationsTotal counts file storage operations by name and status.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filestore_operations_total",
			Help: "File storage operations by type and status",
		},
		[]string{"operation", "status"},
	)

	// OperationDuration observes file storage operation latency in seconds.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filestore_operation_duration_seconds",
			Help:    "File storage operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// RetriesTotal counts retries after connection pool timeouts.
	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filestore_connection_pool_retries_total",
			Help: "Object store calls retried after a connection pool timeout",
		},
	)

	// MultipartAbortsTotal counts multipart uploads aborted after a failure.
	MultipartAbortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filestore_multipart_aborts_total",
			Help: "Multipart uploads aborted before completion",
		},
	)

	// StrategyTotal counts append/truncate calls by the strategy used.
	StrategyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filestore_rewrite_strategy_total",
			Help: "Append and truncate operations by rewrite strategy",
		},
		[]string{"operation", "strategy"},
	)

	// BytesUploadedTotal counts bytes sent to the object store.
	BytesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filestore_bytes_uploaded_total",
			Help: "Total bytes uploaded to the object store",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			OperationsTotal,
			OperationDuration,
			RetriesTotal,
			MultipartAbortsTotal,
			StrategyTotal,
			BytesUploadedTotal,
		)
		// Initialize OperationsTotal so it appears in /metrics output
		// even before any operation has been performed.
		OperationsTotal.WithLabelValues("SaveNewFile", "success")
	})
}

// ObserveOperation records the outcome and latency of one operation.
func ObserveOperation(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	OperationsTotal.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// NormalizePath maps request paths to templates suitable for use as
// Prometheus labels, avoiding one label value per file name.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/openapi.json", "/files", "/files/delete":
		return path
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/openapi") {
		return "/openapi"
	}

	rest, ok := strings.CutPrefix(path, "/files/")
	if !ok || rest == "" {
		return "/other"
	}
	switch {
	case strings.HasSuffix(rest, "/meta"):
		return "/files/{name}/meta"
	case strings.HasSuffix(rest, "/truncate"):
		return "/files/{name}/truncate"
	default:
		return "/files/{name}"
	}
}
