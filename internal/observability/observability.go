package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "points"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry            *prometheus.Registry
	operationsTotal     *prometheus.CounterVec
	pointsMoved         *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	securityEvents      *prometheus.CounterVec
}

// NewMetrics registers the operation and HTTP collectors.
func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Domain operations by outcome.",
		}, []string{"operation", "status"}),
		pointsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "points_moved_total",
			Help:      "Absolute points moved by successful operations.",
		}, []string{"operation"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "security_events_total",
			Help:      "Rejected access attempts by event.",
		}, []string{"event"}),
	}
	metrics.registry.MustRegister(
		metrics.operationsTotal,
		metrics.pointsMoved,
		metrics.httpRequestsTotal,
		metrics.httpRequestDuration,
		metrics.securityEvents,
	)
	return metrics
}

// Registry exposes the underlying registry, mainly for tests.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the Prometheus text format.
func (metrics *Metrics) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request counts and latency per route.
func (metrics *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		metrics.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// ObserveSecurityEvent counts a rejected access attempt. A nil Metrics is a no-op.
func (metrics *Metrics) ObserveSecurityEvent(event string) {
	if metrics == nil {
		return
	}
	metrics.securityEvents.WithLabelValues(event).Inc()
}

func (metrics *Metrics) observe(entry ledger.OperationLog) {
	metrics.operationsTotal.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Status == ledger.OperationStatusError {
		return
	}
	amount := entry.Amount.Int64()
	if amount < 0 {
		amount = -amount
	}
	if amount > 0 {
		metrics.pointsMoved.WithLabelValues(entry.Operation).Add(float64(amount))
	}
}

// OperationLogger writes operation records to zap and, when metrics are set, counts them.
type OperationLogger struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewOperationLogger wires a zap-backed ledger.OperationLogger. metrics may be nil.
func NewOperationLogger(logger *zap.Logger, metrics *Metrics) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger, metrics: metrics}
}

// LogOperation logs ok at info, failures at error and everything else at warn.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.DeveloperID.IsZero() {
		fields = append(fields, zap.String("developer_id", entry.DeveloperID.String()))
	}
	if entry.Subject != "" {
		fields = append(fields, zap.String("subject", entry.Subject))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if len(entry.Warnings) > 0 {
		fields = append(fields, zap.Strings("warnings", entry.Warnings))
	}
	switch entry.Status {
	case ledger.OperationStatusOK:
		operationLogger.logger.Info("operation", fields...)
	case ledger.OperationStatusError:
		operationLogger.logger.Error("operation", append(fields, zap.Error(entry.Error))...)
	default:
		operationLogger.logger.Warn("operation", fields...)
	}
	if operationLogger.metrics != nil {
		operationLogger.metrics.observe(entry)
	}
}
