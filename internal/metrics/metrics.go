// Package metrics provides Prometheus metrics for coldstore.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all coldstore metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Metrics holds every coldstore metric. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Archive scheduler
	ArchiveBundles      *prometheus.CounterVec // coldstore_archive_bundles_total{result}
	ArchiveBytes        prometheus.Counter     // coldstore_archive_bytes_total
	ArchiveObjects      prometheus.Counter     // coldstore_archive_objects_total
	ArchiveTickDuration prometheus.Histogram   // coldstore_archive_tick_duration_seconds

	// Recall scheduler
	RecallTasks      *prometheus.CounterVec // coldstore_recall_tasks_total{outcome}
	RecallQueueDepth prometheus.Gauge
	RecallSuspended  prometheus.Gauge
	RecallActive     prometheus.Gauge

	// Tapes
	TapeReads  *prometheus.CounterVec // coldstore_tape_reads_total{result}
	TapeWrites *prometheus.CounterVec // coldstore_tape_writes_total{result}
	TapeStatus *prometheus.GaugeVec   // coldstore_tape_status{tape,status}
	TapeUsed   *prometheus.GaugeVec   // coldstore_tape_used_bytes{tape}

	// Restore cache
	CacheBytes           prometheus.Gauge
	CacheCapacity        prometheus.Gauge
	CacheEntries         prometheus.Gauge
	CacheHits            prometheus.Counter
	CacheMisses          prometheus.Counter
	CacheEvictions       prometheus.Counter
	CacheVolumeTotal     prometheus.Gauge
	CacheVolumeUsed      prometheus.Gauge
	CacheVolumeAvailable prometheus.Gauge

	// Notifications
	NotificationsSent    *prometheus.CounterVec // {sink,type}
	NotificationsFailed  *prometheus.CounterVec // {sink,type}
	NotificationsDropped prometheus.Counter

	// Lifecycle
	Transitions *prometheus.CounterVec // coldstore_lifecycle_transitions_total{event,result}

	// S3 wire handler
	S3Requests        *prometheus.CounterVec   // {operation,status}
	S3RequestDuration *prometheus.HistogramVec // {operation}
	S3BytesIn         prometheus.Counter
	S3BytesOut        prometheus.Counter
}

// New registers coldstore metrics with reg. Each registerer accepts one call.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ArchiveBundles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_archive_bundles_total",
			Help: "Archive bundles by result",
		}, []string{"result"}),
		ArchiveBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_archive_bytes_total",
			Help: "Object bytes committed to tape",
		}),
		ArchiveObjects: f.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_archive_objects_total",
			Help: "Objects committed to tape",
		}),
		ArchiveTickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coldstore_archive_tick_duration_seconds",
			Help:    "Duration of archive scheduler ticks",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),

		RecallTasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_recall_tasks_total",
			Help: "Recall tasks by outcome",
		}, []string{"outcome"}),
		RecallQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "coldstore_recall_queue_depth",
			Help: "Recall tasks waiting for a worker",
		}),
		RecallSuspended: f.NewGauge(prometheus.GaugeOpts{
			Name: "coldstore_recall_suspended_tasks",
			Help: "Recall tasks waiting for an offline tape",
		}),
		RecallActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "coldstore_recall_active_workers",
			Help: "Recall workers currently reading a tape",
		}),

		TapeReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_tape_reads_total",
			Help: "Bundle reads from tape by result",
		}, []string{"result"}),
		TapeWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_tape_writes_total",
			Help: "Bundle writes to tape by result",
		}, []string{"result"}),
		TapeStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldstore_tape_status",
			Help: "1 for the current status of each tape",
		}, []string{"tape", "status"}),
		TapeUsed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldstore_tape_used_bytes",
			Help: "Committed bytes per tape",
		}, []string{"tape"}),

		CacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "coldstore_cache_bytes",
			Help: "Bytes held by the restore cache",
		}),
		CacheCapacity: f.NewGauge(prometheus.GaugeOpts{
			Name: "coldstore_cache_capacity_bytes",
			Help: "Configured restore cache capacity",
		}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "coldstore_cache_entries",
			Help: "Entries in the restore cache",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_cache_hits_total",
			Help: "Restore cache hits",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_cache_misses_total",
			Help: "Restore cache misses",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_cache_evictions_total",
			Help: "Restore cache evictions",
		}),
		CacheVolumeTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "coldstore_cache_volume_total_bytes",
			Help: "Size of the filesystem holding the cache",
		}),
		CacheVolumeUsed: f.NewGauge(prometheus.GaugeOpts{
			Name: "coldstore_cache_volume_used_bytes",
			Help: "Used bytes on the filesystem holding the cache",
		}),
		CacheVolumeAvailable: f.NewGauge(prometheus.GaugeOpts{
			Name: "coldstore_cache_volume_available_bytes",
			Help: "Available bytes on the filesystem holding the cache",
		}),

		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_notifications_sent_total",
			Help: "Notifications delivered by sink and type",
		}, []string{"sink", "type"}),
		NotificationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_notifications_failed_total",
			Help: "Notifications that exhausted their retries",
		}, []string{"sink", "type"}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_notifications_dropped_total",
			Help: "Notifications dropped because the queue was full",
		}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_lifecycle_transitions_total",
			Help: "Lifecycle transitions by event and result",
		}, []string{"event", "result"}),

		S3Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_s3_requests_total",
			Help: "S3 requests by operation and status",
		}, []string{"operation", "status"}),
		S3RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldstore_s3_request_duration_seconds",
			Help:    "S3 request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		S3BytesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_s3_bytes_uploaded_total",
			Help: "Bytes received by PUT",
		}),
		S3BytesOut: f.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_s3_bytes_downloaded_total",
			Help: "Bytes served by GET",
		}),
	}
}

// Result labels a counter with "ok" or "error".
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
