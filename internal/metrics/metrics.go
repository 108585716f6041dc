// Package metrics defines Prometheus metrics for resourcestore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// Storage operation metrics, labelled by backend name so the emulation and a
// remote backend can be compared side by side.
var (
	// StorageOperationsTotal counts backend operations by outcome.
	StorageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resourcestore_storage_operations_total",
			Help: "Object store operations by backend, operation and status",
		},
		[]string{"backend", "operation", "status"},
	)

	// StorageOperationDuration observes backend operation latency in seconds.
	StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resourcestore_storage_operation_duration_seconds",
			Help:    "Object store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// BytesWrittenTotal counts payload bytes accepted by PutObject.
	BytesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resourcestore_storage_bytes_written_total",
			Help: "Total payload bytes written",
		},
		[]string{"backend"},
	)

	// BytesReadTotal counts payload bytes handed out by GetObject.
	BytesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resourcestore_storage_bytes_read_total",
			Help: "Total payload bytes read",
		},
		[]string{"backend"},
	)
)

// HTTPRequestsTotal counts requests served by the diagnostic HTTP surface.
var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "resourcestore_http_requests_total",
		Help: "Total HTTP requests",
	},
	[]string{"method", "path", "status"},
)

// Register registers all collectors with the default registry. It is safe
// to call multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			StorageOperationsTotal,
			StorageOperationDuration,
			BytesWrittenTotal,
			BytesReadTotal,
			HTTPRequestsTotal,
		)
	})
}

// Status maps an operation error to the "status" label value.
func Status(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

// NormalizePath maps request paths to low-cardinality label values.
func NormalizePath(path string) string {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return path
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/resources/") || path == "/resources" {
		return "/resources/{path}"
	}
	return "/other"
}
