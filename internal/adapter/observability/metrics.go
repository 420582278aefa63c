package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)
	AITokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Total number of AI tokens consumed across all requests",
		},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	JobsPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_pending",
			Help: "Number of pending jobs per type, sampled by the dispatcher",
		},
		[]string{"type"},
	)

	// Pipeline outcome distributions
	ImagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "images_processed_total",
			Help: "Images moved through a pipeline stage, by resulting status",
		},
		[]string{"stage", "outcome"},
	)
	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detections_total",
			Help: "Barcode detections recorded, by source",
		},
		[]string{"source"},
	)
	BlobOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blob_operations_total",
			Help: "Blob store operations, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(AIRequestsTotal)
		prometheus.MustRegister(AIRequestDuration)
		prometheus.MustRegister(AITokensTotal)
		prometheus.MustRegister(JobsEnqueuedTotal)
		prometheus.MustRegister(JobsProcessing)
		prometheus.MustRegister(JobsCompletedTotal)
		prometheus.MustRegister(JobsFailedTotal)
		prometheus.MustRegister(JobsPending)
		prometheus.MustRegister(ImagesProcessedTotal)
		prometheus.MustRegister(DetectionsTotal)
		prometheus.MustRegister(BlobOperationsTotal)
		prometheus.MustRegister(BreakerState)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

// EnqueueJobs counts n jobs enqueued at once, as by a dispatch cycle.
func EnqueueJobs(jobType string, n int) {
	if n > 0 {
		JobsEnqueuedTotal.WithLabelValues(jobType).Add(float64(n))
	}
}

func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

// SetQueueDepth records the pending backlog for a job type. The dispatcher
// samples this once per cycle.
func SetQueueDepth(jobType string, n float64) {
	JobsPending.WithLabelValues(jobType).Set(n)
}

// ObserveImage records an image leaving a pipeline stage with the given
// resulting status.
func ObserveImage(stage, outcome string) {
	ImagesProcessedTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordDetection counts a stored detection by its source.
func RecordDetection(source string) {
	DetectionsTotal.WithLabelValues(source).Inc()
}

// AddAITokens accumulates token usage reported by the AI provider.
func AddAITokens(n int) {
	if n > 0 {
		AITokensTotal.Add(float64(n))
	}
}

// RecordBlobOperation counts a blob store call; outcome is "ok" or "error".
func RecordBlobOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BlobOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordBreakerState exposes the current state of a named circuit breaker.
func RecordBreakerState(name string, state int) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}
