package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики auth core
var (
	authLoginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	authRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Refresh token rotations by result.",
		},
		[]string{"result"},
	)

	authPermissionCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_permission_cache_total",
			Help: "Permission cache lookups by result.",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authLoginTotal, authRefreshTotal, authPermissionCacheTotal,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt; result is "ok" or an error code.
func ObserveLogin(result string) { authLoginTotal.WithLabelValues(result).Inc() }

// ObserveRefresh counts a refresh attempt; result is "ok" or an error code.
func ObserveRefresh(result string) { authRefreshTotal.WithLabelValues(result).Inc() }

// ObservePermissionCache counts a cache lookup as "hit" or "miss".
func ObservePermissionCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	authPermissionCacheTotal.WithLabelValues(result).Inc()
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// collections whose next path segment is an identifier.
var idCollections = map[string]bool{
	"users":   true,
	"tenants": true,
	"members": true,
	"roles":   true,
}

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	if len(segs) < 2 || segs[0] != "v1" {
		return p
	}
	for i := 1; i < len(segs)-1; i++ {
		if idCollections[segs[i]] {
			segs[i+1] = ":id"
			i++
		}
	}
	return "/" + strings.Join(segs, "/")
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
