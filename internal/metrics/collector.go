// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds the gateway metrics. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	admissionsTotal   *prometheus.CounterVec
	cleanupsTotal     *prometheus.CounterVec
	provisioningTotal *prometheus.CounterVec
	backendDuration   *prometheus.HistogramVec
	backendErrors     *prometheus.CounterVec
	pendingCleanups   prometheus.GaugeFunc

	logger *zap.Logger
}

// NewCollector creates a collector on its own registry. pending reports the
// number of queued cleanup tasks and may be nil.
func NewCollector(namespace string, pending func() int, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.admissionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Rate limiter decisions by outcome",
		},
		[]string{"decision"},
	)

	c.cleanupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoration_cleanups_total",
			Help:      "Finished decoration cleanup tasks by outcome",
		},
		[]string{"outcome"},
	)

	c.provisioningTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_provisioned_total",
			Help:      "Session provisioning attempts by backend and status",
		},
		[]string{"kind", "status"},
	)

	c.backendDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend reply latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	c.backendErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Failed backend requests",
		},
		[]string{"kind"},
	)

	if pending != nil {
		c.pendingCleanups = factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "decoration_cleanups_pending",
				Help:      "Queued decoration cleanup tasks",
			},
			func() float64 { return float64(pending()) },
		)
	}

	return c
}

func (c *Collector) RecordAdmission(decision string) {
	if c == nil {
		return
	}
	c.admissionsTotal.WithLabelValues(decision).Inc()
}

func (c *Collector) RecordCleanup(outcome string) {
	if c == nil {
		return
	}
	c.cleanupsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordProvisioning(kind string, err error) {
	if c == nil {
		return
	}
	c.provisioningTotal.WithLabelValues(kind, status(err)).Inc()
}

// RecordBackendRequest observes one backend call started at start.
func (c *Collector) RecordBackendRequest(kind string, start time.Time, err error) {
	if c == nil {
		return
	}
	c.backendDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		c.backendErrors.WithLabelValues(kind).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
