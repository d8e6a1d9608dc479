// Package monitoring provides Prometheus metrics for querygate-core.
//
// Setup in main:
//
//	router := gin.New()
//	monitoring.SetupPrometheusMetrics(router)
//
// Record custom metrics close to the work:
//
//	monitoring.RecordCacheOperation("get", "hit")
//	monitoring.RecordStoreOperation("open_session", time.Since(start), err == nil)
//	monitoring.RecordDispatch(tenantID, "select", time.Since(start), err == nil)
package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code", "tenant_id"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "tenant_id"},
	)

	storeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_store_operations_total",
			Help: "Total number of metadata store operations",
		},
		[]string{"operation", "status"},
	)

	storeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygate_store_operation_duration_seconds",
			Help:    "Metadata store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	cacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_cache_operations_total",
			Help: "Total number of cache operations",
		},
		[]string{"operation", "result"},
	)

	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"method", "result"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_dispatch_total",
			Help: "Total number of dispatched queries",
		},
		[]string{"tenant_id", "query_type", "status"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygate_dispatch_duration_seconds",
			Help:    "Query dispatch duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tenant_id", "query_type"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "querygate_breaker_state",
			Help: "Circuit breaker state per tenant (0=closed, 1=half-open, 2=open)",
		},
		[]string{"tenant_id"},
	)

	poolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "querygate_pool_connections",
			Help: "Connection counts per tenant pool",
		},
		[]string{"tenant_id", "state"}, // state: idle | busy
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"}, // user | ip
	)

	auditBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querygate_audit_backlog",
			Help: "Buffered audit entries awaiting flush",
		},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_errors_total",
			Help: "Pipeline failures by error kind and component",
		},
		[]string{"kind", "component"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		storeOperationsTotal,
		storeOperationDuration,
		cacheOperationsTotal,
		authAttemptsTotal,
		dispatchTotal,
		dispatchDuration,
		breakerState,
		poolConnections,
		rateLimitedTotal,
		auditBacklog,
		errorsTotal,
	)
}

// SetupPrometheusMetrics mounts the /metrics endpoint.
func SetupPrometheusMetrics(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RecordHTTPRequest records one request for the metrics middleware.
func RecordHTTPRequest(method, endpoint string, status int, tenantID string, duration time.Duration) {
	code := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, endpoint, code, tenantID).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, tenantID).Observe(duration.Seconds())
}

func RecordStoreOperation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	storeOperationsTotal.WithLabelValues(operation, status).Inc()
	storeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordCacheOperation(operation, result string) {
	cacheOperationsTotal.WithLabelValues(operation, result).Inc()
}

func RecordAuthAttempt(method, result string) {
	authAttemptsTotal.WithLabelValues(method, result).Inc()
}

func RecordDispatch(tenantID, queryType string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	dispatchTotal.WithLabelValues(tenantID, queryType, status).Inc()
	dispatchDuration.WithLabelValues(tenantID, queryType).Observe(duration.Seconds())
}

// SetBreakerState publishes a breaker transition.
// 0=closed, 1=half-open, 2=open.
func SetBreakerState(tenantID string, state float64) {
	breakerState.WithLabelValues(tenantID).Set(state)
}

func SetPoolConnections(tenantID string, idle, busy int) {
	poolConnections.WithLabelValues(tenantID, "idle").Set(float64(idle))
	poolConnections.WithLabelValues(tenantID, "busy").Set(float64(busy))
}

func RecordRateLimited(scope string) {
	rateLimitedTotal.WithLabelValues(scope).Inc()
}

func SetAuditBacklog(n int) {
	auditBacklog.Set(float64(n))
}

func RecordError(kind, component string) {
	errorsTotal.WithLabelValues(kind, component).Inc()
}
