// Package metrics counts reconciliation outcomes and writes them in the
// node exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CCI-MOC/ulsr/internal/resname"
)

const namespace = "ulsr"

// Metrics holds the monitor's collectors on a private registry.
type Metrics struct {
	registry  *prometheus.Registry
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	passes    *prometheus.CounterVec
	lastPass  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_processed_total",
			Help:      "Reservations processed, by kind.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_failed_total",
			Help:      "Reservations whose processing failed and will be retried, by kind.",
		}, []string{"kind"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Reconciliation passes, by result.",
		}, []string{"result"}),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pass_timestamp_seconds",
			Help:      "Unix time the last reconciliation pass finished.",
		}),
	}
	m.registry.MustRegister(m.processed, m.failed, m.passes, m.lastPass)
	return m
}

// Processed counts a reservation handled successfully.
func (m *Metrics) Processed(kind resname.Kind) {
	m.processed.WithLabelValues(string(kind)).Inc()
}

// Failed counts a reservation whose processing failed.
func (m *Metrics) Failed(kind resname.Kind) {
	m.failed.WithLabelValues(string(kind)).Inc()
}

// PassDone records the end of a pass at t. err is the pass level error.
func (m *Metrics) PassDone(t time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.passes.WithLabelValues(result).Inc()
	m.lastPass.Set(float64(t.Unix()))
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile atomically writes every metric to path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
