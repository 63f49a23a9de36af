package drive

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"file-manager/archive"
)

// Metrics holds the Prometheus metrics of the drive service.
type Metrics struct {
	OperationsTotal *prometheus.CounterVec // drive_operations_total{operation,status}

	BytesUploaded prometheus.Counter // drive_bytes_uploaded_total

	ArchiveBytes    prometheus.Counter     // drive_archive_bytes_total
	ArchiveDuration prometheus.Histogram   // drive_archive_build_duration_seconds
	ArchiveJobs     *prometheus.CounterVec // drive_archive_jobs_total{status}
}

// NewMetrics registers the drive metrics with registry, or the default
// registerer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drive_operations_total",
			Help: "Drive operations by name and outcome",
		}, []string{"operation", "status"}),

		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "drive_bytes_uploaded_total",
			Help: "Total bytes written to the local tier by uploads",
		}),

		ArchiveBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "drive_archive_bytes_total",
			Help: "Total size of the zip archives built",
		}),

		ArchiveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "drive_archive_build_duration_seconds",
			Help:    "Time spent building zip archives",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		ArchiveJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drive_archive_jobs_total",
			Help: "Archive builds by outcome",
		}, []string{"status"}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) record(op string, err error) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, status(err)).Inc()
}

func (m *Metrics) uploaded(n int64) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(n))
}

func (m *Metrics) observeArchive(a *archive.Artifact, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ArchiveJobs.WithLabelValues(status(err)).Inc()
	if err != nil {
		return
	}
	m.ArchiveDuration.Observe(elapsed.Seconds())
	m.ArchiveBytes.Add(float64(a.Bytes))
}
