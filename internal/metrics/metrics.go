package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics for the market data ingestion service
var (
	// Stream metrics
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_stream_events_total",
			Help: "Total number of decoded stream payloads",
		},
		[]string{"exchange", "kind", "type"},
	)

	StreamDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_stream_dropped_total",
			Help: "Total number of payloads dropped because the event buffer was full",
		},
		[]string{"exchange", "kind"},
	)

	SubscriptionFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_subscription_flushes_total",
			Help: "Total number of batched subscription flushes",
		},
		[]string{"exchange", "kind", "mode"},
	)

	SymbolsSubscribed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_symbols_subscribed",
			Help: "Number of symbols in the active subscription set",
		},
		[]string{"exchange", "kind"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_connection_status",
			Help: "Stream transport status (1=connected, 0=disconnected)",
		},
		[]string{"exchange", "kind"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_reconnects_total",
			Help: "Total number of stream reconnects",
		},
		[]string{"exchange", "kind"},
	)

	// Delivery throttle metrics
	ThrottlePassed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_throttle_passed_total",
			Help: "Total number of actions the throttle let through",
		},
		[]string{"class", "tag"},
	)

	ThrottleSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_throttle_suppressed_total",
			Help: "Total number of actions the throttle suppressed",
		},
		[]string{"class", "tag"},
	)

	// REST client metrics
	RestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_rest_requests_total",
			Help: "Total number of REST requests by final status",
		},
		[]string{"exchange", "kind", "status"},
	)

	RestRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_rest_retries_total",
			Help: "Total number of REST retries",
		},
		[]string{"exchange", "kind", "reason"},
	)

	RestUsedWeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_rest_used_weight",
			Help: "Request weight consumed in the current limiter window",
		},
		[]string{"exchange", "kind"},
	)

	RestWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_rest_wait_duration_seconds",
			Help:    "Time spent waiting for limiter window headroom",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"exchange", "kind"},
	)

	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_rest_fetch_duration_seconds",
			Help:    "Time to complete one REST round trip",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"exchange", "kind"},
	)

	// Cached facade metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_cache_hits_total",
			Help: "Total number of connector cache hits",
		},
		[]string{"exchange", "kind", "method"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_cache_misses_total",
			Help: "Total number of connector cache misses",
		},
		[]string{"exchange", "kind", "method"},
	)

	// Orchestrator metrics
	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_publish_errors_total",
			Help: "Total number of failed market data publications",
		},
		[]string{"sink"},
	)

	SnapshotWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_snapshot_writes_total",
			Help: "Total number of aligned price snapshots written",
		},
		[]string{"exchange", "kind"},
	)

	// Crawler metrics
	CrawlerIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_crawler_iterations_total",
			Help: "Total number of crawler iterations by final status",
		},
		[]string{"exchange", "kind", "status"},
	)

	CrawlerArtifacts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_crawler_artifacts_total",
			Help: "Total number of artifacts collected by the crawler",
		},
		[]string{"exchange", "kind", "artifact"},
	)

	CrawlerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_crawler_run_duration_seconds",
			Help:    "Time to complete one crawler run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"exchange", "kind"},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordConnectionStatus records stream transport status
func RecordConnectionStatus(exchange, kind string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange, kind).Set(status)
}

// RecordReconnect records a stream reconnect
func RecordReconnect(exchange, kind string) {
	ConnectionReconnects.WithLabelValues(exchange, kind).Inc()
}

// RecordStreamEvent records one decoded payload
func RecordStreamEvent(exchange, kind, payloadType string) {
	StreamEvents.WithLabelValues(exchange, kind, payloadType).Inc()
}

// Server exposes /metrics and /health over HTTP.
type Server struct {
	addr   string
	log    zerolog.Logger
	server *http.Server
}

// NewServer builds the metrics server for the given listen address.
func NewServer(addr string, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		log:  log,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start serves until Stop is called. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("metrics server listening")
	return s.server.ListenAndServe()
}

// Stop closes the listener.
func (s *Server) Stop() error {
	return s.server.Close()
}
