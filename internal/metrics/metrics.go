package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"filevault/internal/domain"
)

type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	UploadBytesTotal  prometheus.Counter
	OrphansTotal      *prometheus.CounterVec
}

// New registers the service metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "filevault",
				Name:      "operations_total",
				Help:      "File record operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "filevault",
				Name:      "operation_duration_seconds",
				Help:      "File record operation duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"operation"},
		),
		UploadBytesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "filevault",
				Name:      "upload_bytes_total",
				Help:      "Bytes written to the blob store",
			},
		),
		OrphansTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "filevault",
				Name:      "orphans_total",
				Help:      "Blobs or records left behind by a failed compensation",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) Observe(operation string, start time.Time, err error) {
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	m.OperationsTotal.WithLabelValues(operation, Outcome(err)).Inc()
}

func (m *Metrics) Orphan(kind domain.OrphanKind) {
	m.OrphansTotal.WithLabelValues(string(kind)).Inc()
}

// Outcome maps an operation error to a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
