// Package metrics exposes vault operation metrics in the node_exporter
// textfile collector format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricOperationsTotal   = "sealvault_operations_total"
	MetricOperationDuration = "sealvault_operation_duration_seconds"
	MetricCredentials       = "sealvault_credentials"
	MetricChainViolations   = "sealvault_audit_chain_violations"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the collectors of one CLI invocation or watch loop.
// All operations are thread-safe.
type Metrics struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	credentials prometheus.Gauge
	violations  prometheus.Gauge
}

// New creates Metrics registered on a private registry, so the textfile
// holds only vault series.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOperationsTotal,
				Help: "Vault operations by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricOperationDuration,
				Help:    "Vault operation duration in seconds by action",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"action"},
		),
		credentials: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCredentials,
			Help: "Credentials registered in vault.toml",
		}),
		violations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricChainViolations,
			Help: "Violations found by the last audit chain verification",
		}),
	}
	m.registry.MustRegister(m.operations, m.duration, m.credentials, m.violations)
	return m
}

// ObserveOperation records one finished operation.
func (m *Metrics) ObserveOperation(action string, err error, elapsed time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.operations.WithLabelValues(action, outcome).Inc()
	m.duration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// SetCredentials sets the registered credential count.
func (m *Metrics) SetCredentials(n int) {
	m.credentials.Set(float64(n))
}

// SetChainViolations sets the result of the last chain verification.
func (m *Metrics) SetChainViolations(n int) {
	m.violations.Set(float64(n))
}

// Registry returns the private registry for testing.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile atomically writes all series to path. It is a no-op when
// path is empty.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
