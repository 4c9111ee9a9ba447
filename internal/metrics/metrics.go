package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: requests served from the disk cache.
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "image_cache_hits_total",
			Help: "Total number of image requests served from cache.",
		},
	)

	// Counter: hits in the in-process/redis lookup accelerator.
	LookupHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "image_lookup_hits_total",
			Help: "Total number of lookup-cache hits (metadata fast path).",
		},
	)

	// Counter: calls to the generation provider, by outcome.
	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_generations_total",
			Help: "Total number of generation provider calls.",
		},
		[]string{"outcome"}, // ok | error
	)

	// Counter: downloads that failed and fell back to the provider URL.
	DownloadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "image_download_failures_total",
			Help: "Total number of blob downloads that failed after generation.",
		},
	)

	// Histogram: HTTP latency in seconds. Generation calls dominate the
	// upper buckets.
	RequestLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "image_service_latency_seconds",
			Help:    "HTTP request latency for the image service in seconds.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheHitsTotal,
		LookupHitsTotal,
		GenerationsTotal,
		DownloadFailuresTotal,
		RequestLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()

		RequestLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
