// metrics.go - Prometheus collectors for the transfer core.
//
// Collectors are registered on the default registry through promauto and
// exposed by the HTTP layer at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezdrop_uploads_total",
		Help: "Total number of completed file uploads",
	})
	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezdrop_upload_bytes_total",
		Help: "Total bytes accepted from uploads",
	})
	uploadErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ezdrop_upload_errors_total",
		Help: "Failed uploads by error kind",
	}, []string{"kind"})
	uploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ezdrop_upload_duration_seconds",
		Help:    "Wall time of successful uploads",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	downloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezdrop_downloads_total",
		Help: "Total number of completed file downloads",
	})
	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezdrop_download_bytes_total",
		Help: "Total bytes sent to downloaders",
	})
	downloadErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ezdrop_download_errors_total",
		Help: "Failed downloads by error kind",
	}, []string{"kind"})

	shortenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezdrop_urls_shortened_total",
		Help: "Total number of shortened URLs",
	})
	redirectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ezdrop_redirects_total",
		Help: "Redirect lookups by outcome",
	}, []string{"outcome"})

	transfersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ezdrop_transfers_active",
		Help: "Transfers currently scheduled on the pump",
	})
	transfersInterrupted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezdrop_transfers_interrupted_total",
		Help: "Transfers aborted by stall detection or peer disconnect",
	})

	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ezdrop_record_cache_hits_total",
		Help: "Record cache hits by namespace",
	}, []string{"namespace"})
	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ezdrop_record_cache_misses_total",
		Help: "Record cache misses by namespace",
	}, []string{"namespace"})

	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezdrop_sweep_runs_total",
		Help: "Total number of expiry sweeps",
	})
	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezdrop_sweep_deleted_total",
		Help: "Expired file records removed by the sweeper",
	})
	sweepRetainedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezdrop_sweep_retained_total",
		Help: "Expired file records kept for retry after a blob delete failure",
	})
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ezdrop_http_requests_total",
		Help: "HTTP requests by method, route and status code",
	}, []string{"method", "route", "status"})
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ezdrop_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezdrop_http_rate_limited_total",
		Help: "Requests rejected by the per-client rate limit",
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ezdrop_sweep_duration_seconds",
		Help:    "Duration of an expiry sweep",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// RecordUpload records a successful upload.
func RecordUpload(bytes int64, duration time.Duration) {
	uploadsTotal.Inc()
	uploadBytesTotal.Add(float64(bytes))
	uploadDuration.Observe(duration.Seconds())
}

// RecordUploadError records a failed upload under the given kind label.
func RecordUploadError(kind string) {
	uploadErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordDownload records a completed download.
func RecordDownload(bytes int64) {
	downloadsTotal.Inc()
	downloadBytesTotal.Add(float64(bytes))
}

// RecordDownloadError records a failed download under the given kind label.
func RecordDownloadError(kind string) {
	downloadErrorsTotal.WithLabelValues(kind).Inc()
}

func RecordShorten() { shortenedTotal.Inc() }

// RecordRedirect counts a redirect lookup; hit selects the outcome label.
func RecordRedirect(hit bool) {
	if hit {
		redirectsTotal.WithLabelValues("hit").Inc()
		return
	}
	redirectsTotal.WithLabelValues("miss").Inc()
}

func TransferStarted() { transfersActive.Inc() }

// TransferFinished decrements the active gauge and counts interruptions.
func TransferFinished(interrupted bool) {
	transfersActive.Dec()
	if interrupted {
		transfersInterrupted.Inc()
	}
}

// RecordCacheLookup counts a cache hit or miss for a record namespace.
func RecordCacheLookup(namespace string, hit bool) {
	if hit {
		cacheHitsTotal.WithLabelValues(namespace).Inc()
		return
	}
	cacheMissesTotal.WithLabelValues(namespace).Inc()
}

// RecordSweep records the outcome of one expiry sweep.
func RecordSweep(deleted, retained int, duration time.Duration) {
	sweepRunsTotal.Inc()
	sweepDeletedTotal.Add(float64(deleted))
	sweepRetainedTotal.Add(float64(retained))
	sweepDuration.Observe(duration.Seconds())
}

// RecordRequest records one served HTTP request. route is the matched
// chi pattern, not the raw path.
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordRateLimited() { rateLimitedTotal.Inc() }
