package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/buildgate/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	reqBytes               *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// verification
	verificationsTotal *prometheus.CounterVec
	verificationDur    prometheus.Histogram

	// review sessions
	sessionsActive      prometheus.Gauge
	sessionsOpenedTotal prometheus.Counter
	sessionsClosedTotal *prometheus.CounterVec
	archivesLoadedTotal *prometheus.CounterVec
	archiveSize         prometheus.Histogram
	materializedTotal   *prometheus.CounterVec
	staleResultsTotal   prometheus.Counter

	// dependencies
	appKeyLookupsTotal *prometheus.CounterVec
	storageReqTotal    *prometheus.CounterVec
	storageReqDur      *prometheus.HistogramVec
}

// New returns a fresh registry + standard collectors + HTTP and domain metrics
// safe labels only (method, route, code, small enums) to avoid cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		reqBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_size_bytes",
			Help:    "Declared request body size by method and route; archive uploads dominate",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		verificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "build_verifications_total",
			Help: "Archive verifications by result (ok or archive error kind)",
		}, []string{"result"}),
		verificationDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "build_verification_duration_seconds",
			Help:    "Time to decode an archive and check its manifest",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "review_sessions_active",
			Help: "Current number of open review sessions",
		}),
		sessionsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "review_sessions_opened_total",
			Help: "Total review sessions opened",
		}),
		sessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "review_sessions_closed_total",
			Help: "Total review sessions closed by reason",
		}, []string{"reason"}),
		archivesLoadedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "review_archives_loaded_total",
			Help: "Archives loaded into review sessions by container format",
		}, []string{"format"}),
		archiveSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "review_archive_size_bytes",
			Help:    "Size of archives loaded into review sessions",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 9),
		}),
		materializedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "review_materializations_total",
			Help: "Entries materialized by content kind",
		}, []string{"kind"}),
		staleResultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "review_stale_results_total",
			Help: "Materializations discarded because a newer request or archive superseded them",
		}),
		appKeyLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appkey_lookups_total",
			Help: "Verify key lookups by result (hit, miss, unknown, error)",
		}, []string{"result"}),
		storageReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_requests_total",
			Help: "Build store requests by operation and result",
		}, []string{"op", "result"}),
		storageReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_request_duration_seconds",
			Help:    "Build store request latency by operation",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.reqBytes,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.verificationsTotal,
		m.verificationDur,
		m.sessionsActive,
		m.sessionsOpenedTotal,
		m.sessionsClosedTotal,
		m.archivesLoadedTotal,
		m.archiveSize,
		m.materializedTotal,
		m.staleResultsTotal,
		m.appKeyLookupsTotal,
		m.storageReqTotal,
		m.storageReqDur,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ObserveVerification records one archive verification. result is "ok" or
// the archive error kind.
func (m *ServerMetrics) ObserveVerification(result string, seconds float64) {
	m.verificationsTotal.WithLabelValues(result).Inc()
	m.verificationDur.Observe(seconds)
}

func (m *ServerMetrics) SessionOpened() {
	m.sessionsOpenedTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *ServerMetrics) SessionClosed(reason string) {
	m.sessionsClosedTotal.WithLabelValues(reason).Inc()
	m.sessionsActive.Dec()
}

func (m *ServerMetrics) ArchiveLoaded(format string, sizeBytes int64) {
	m.archivesLoadedTotal.WithLabelValues(format).Inc()
	m.archiveSize.Observe(float64(sizeBytes))
}

func (m *ServerMetrics) Materialized(kind string) {
	m.materializedTotal.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) StaleResult() {
	m.staleResultsTotal.Inc()
}

func (m *ServerMetrics) KeyLookup(result string) {
	m.appKeyLookupsTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) ObserveStorage(op, result string, seconds float64) {
	m.storageReqTotal.WithLabelValues(op, result).Inc()
	m.storageReqDur.WithLabelValues(op).Observe(seconds)
}
