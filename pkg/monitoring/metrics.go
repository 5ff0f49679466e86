package monitoring

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a Prometheus registry for one service and prefixes
// every metric it creates with the service name.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry
	serviceInfo *prometheus.GaugeVec
}

// NewMetricsCollector creates a collector with its own registry, so several
// collectors (tests, one-shot commands) never collide on registration.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	mc := &MetricsCollector{
		serviceName: strings.ReplaceAll(serviceName, "-", "_"),
		registry:    prometheus.NewRegistry(),
	}

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service information",
		},
		[]string{"version", "commit"},
	)
	mc.registry.MustRegister(mc.serviceInfo)
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// Registry exposes the underlying registry (tests gather from it).
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// Handler returns the Prometheus metrics HTTP handler
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// NewCounter creates a new counter metric for the service
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.registry.MustRegister(counter)
	return counter
}

// NewGauge creates a new gauge metric for the service
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.registry.MustRegister(gauge)
	return gauge
}
