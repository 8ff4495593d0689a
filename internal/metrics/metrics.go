package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Decision metrics
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeguard_decisions_total",
			Help: "Total policy decisions made",
		},
		[]string{"kind", "action", "reason"},
	)

	DecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timeguard_decision_duration_seconds",
			Help:    "Policy decision latency in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
		[]string{"kind"},
	)

	URLCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timeguard_url_cache_hits_total",
			Help: "URL decision cache hits",
		},
	)

	URLCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timeguard_url_cache_misses_total",
			Help: "URL decision cache misses",
		},
	)

	// Usage metrics
	// Not labelled by app: app IDs are unbounded.
	UsageMinutesConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timeguard_usage_minutes_consumed_total",
			Help: "Total usage minutes consumed",
		},
	)

	UsageErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timeguard_usage_errors_total",
			Help: "Usage store failures during ticks or time limit checks",
		},
	)

	// Rule metrics
	RuleSetInstalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeguard_ruleset_installs_total",
			Help: "Rule snapshot install attempts",
		},
		[]string{"result"},
	)

	RuleSetVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeguard_ruleset_version",
			Help: "Version of the active rule snapshot",
		},
	)

	Geofences = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeguard_geofences",
			Help: "Number of geofences in the active rule snapshot",
		},
	)

	// Location metrics
	LocationUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeguard_location_updates_total",
			Help: "Location samples received",
		},
		[]string{"result"},
	)

	// Feed metrics
	FeedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeguard_feed_messages_total",
			Help: "Messages received from the event feed",
		},
		[]string{"subject"},
	)

	FeedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeguard_feed_errors_total",
			Help: "Event feed messages that could not be handled",
		},
		[]string{"subject"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		DecisionsTotal,
		DecisionDuration,
		URLCacheHits,
		URLCacheMisses,
		UsageMinutesConsumed,
		UsageErrors,
		RuleSetInstalls,
		RuleSetVersion,
		Geofences,
		LocationUpdates,
		FeedMessages,
		FeedErrors,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	mux      *http.ServeMux
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. ready reports whether a rule
// snapshot is installed; /ready answers 503 until it does.
func NewServer(addr string, ready func() bool, logger zerolog.Logger) *Server {
	mux := newMux(ready)
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		mux:    mux,
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handle mounts an additional handler on the server's mux. Call before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

func newMux(ready func() bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NO RULES"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
