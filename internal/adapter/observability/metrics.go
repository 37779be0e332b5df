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

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_total",
			Help: "Outbound dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "Outbound dispatch latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)
	BreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"name"},
	)

	JobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_jobs_in_flight",
			Help: "Jobs currently being processed by a pipeline",
		},
		[]string{"pipeline"},
	)
	DuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_duplicates_total",
			Help: "Deliveries acknowledged without processing",
		},
		[]string{"reason"},
	)
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Jobs re-published for another attempt",
		},
		[]string{"source"},
	)
	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dead_letters_total",
			Help: "Jobs dead-lettered by error source",
		},
		[]string{"source"},
	)
	RecordStoreSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_record_store_saves_total",
			Help: "Record store save resolutions by outcome",
		},
		[]string{"outcome"},
	)
	IngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ingested_total",
			Help: "Jobs pulled from the record store by publish outcome",
		},
		[]string{"outcome"},
	)
	ScaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_scale_events_total",
			Help: "Applied concurrency changes per worker group",
		},
		[]string{"listener", "direction"},
	)
)

var initOnce sync.Once

// InitMetrics registers the gateway collectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			DispatchTotal,
			DispatchDuration,
			BreakerStateGauge,
			JobsInFlight,
			DuplicatesTotal,
			RetriesTotal,
			DeadLettersTotal,
			RecordStoreSavesTotal,
			IngestedTotal,
			ScaleEventsTotal,
		)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveDispatch records one outbound call.
func ObserveDispatch(outcome string, d time.Duration) {
	DispatchTotal.WithLabelValues(outcome).Inc()
	DispatchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordCircuitBreakerState publishes the breaker state gauge.
func RecordCircuitBreakerState(name string, s CircuitBreakerState) {
	BreakerStateGauge.WithLabelValues(name).Set(float64(s))
}

func StartProcessingJob(pipeline string) { JobsInFlight.WithLabelValues(pipeline).Inc() }

func FinishProcessingJob(pipeline string) { JobsInFlight.WithLabelValues(pipeline).Dec() }

func RecordDuplicate(reason string) { DuplicatesTotal.WithLabelValues(reason).Inc() }

func RecordRetry(source string) { RetriesTotal.WithLabelValues(source).Inc() }

func RecordDeadLetter(source string) { DeadLettersTotal.WithLabelValues(source).Inc() }

func RecordSave(outcome string) { RecordStoreSavesTotal.WithLabelValues(outcome).Inc() }

func RecordIngest(outcome string) { IngestedTotal.WithLabelValues(outcome).Inc() }

// RecordScale counts an applied concurrency change; direction is "up" or "down".
func RecordScale(listener, direction string) {
	ScaleEventsTotal.WithLabelValues(listener, direction).Inc()
}
