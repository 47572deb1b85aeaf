package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"path", "method", "status_code"},
	)

	// Counter: completed chat requests per provider/model/outcome.
	ChatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Total chat completions by provider, model and outcome.",
		},
		[]string{"provider", "model", "outcome"},
	)

	// Counter: fallback attempts after a provider failure.
	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallbacks_total",
			Help: "Total fallback attempts by failed provider.",
		},
		[]string{"from_provider"},
	)

	// Histogram: time-to-first-token for streaming completions.
	TimeToFirstTokenSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "time_to_first_token_seconds",
			Help:    "Time from request sent to first content chunk.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	// Counter: stream chunks delivered to callers.
	StreamChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_chunks_total",
			Help: "Total stream chunks delivered, by provider.",
		},
		[]string{"provider"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		GatewayLatencySeconds,
		ChatRequestsTotal,
		FallbacksTotal,
		TimeToFirstTokenSeconds,
		StreamChunksTotal,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		GatewayLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
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

// Flush keeps SSE streaming working through the middleware wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
