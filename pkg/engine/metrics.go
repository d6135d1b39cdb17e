package engine

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	adminsActive  *prometheus.GaugeVec
	policiesHeld  *prometheus.GaugeVec
	notifications *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetpolicy_operations_total",
				Help: "Total number of engine operations by operation and status",
			},
			[]string{"operation", "status"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetpolicy_operation_duration_seconds",
				Help:    "Engine operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		adminsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetpolicy_admins_active",
				Help: "Number of enabled administrators by type",
			},
			[]string{"type"},
		),

		policiesHeld: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetpolicy_policies_held",
				Help: "Number of policy records by scope",
			},
			[]string{"scope"},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetpolicy_notifications_total",
				Help: "Total number of broker notifications by command",
			},
			[]string{"command"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.adminsActive,
		m.policiesHeld,
		m.notifications,
	)

	return m
}

// RecordOperation records one completed engine operation.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetAdminsActive updates the enabled-administrator gauge for a type.
func (m *Metrics) SetAdminsActive(adminType string, count int) {
	m.adminsActive.WithLabelValues(adminType).Set(float64(count))
}

// SetPoliciesHeld updates the policy-record gauge for a scope.
func (m *Metrics) SetPoliciesHeld(scope int32, count int) {
	m.policiesHeld.WithLabelValues(strconv.FormatInt(int64(scope), 10)).Set(float64(count))
}

// RecordNotification counts one broker notification.
func (m *Metrics) RecordNotification(command string) {
	m.notifications.WithLabelValues(command).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// OperationTimer helps measure operation duration.
type OperationTimer struct {
	start     time.Time
	metrics   *Metrics
	operation string
}

// NewOperationTimer starts a timer for the named operation.
func (m *Metrics) NewOperationTimer(operation string) *OperationTimer {
	return &OperationTimer{start: time.Now(), metrics: m, operation: operation}
}

// Done records the operation with a status derived from err.
func (t *OperationTimer) Done(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordOperation(t.operation, status, time.Since(t.start))
}
