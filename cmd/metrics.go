package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/reconcile"
)

const metricsJob = "tripdata_sync"

// Metrics collects run counters on a private registry and implements
// reconcile.Observer.
type Metrics struct {
	registry  *prometheus.Registry
	transfers *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	missing   *prometheus.GaugeVec
	duration  prometheus.Gauge
}

// NewMetrics registers the collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripdata_sync_transfers_total",
			Help: "Transfer attempts by stage and outcome.",
		}, []string{"stage", "status"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripdata_sync_transfer_bytes_total",
			Help: "Bytes moved by successful transfers.",
		}, []string{"stage"}),
		missing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tripdata_sync_missing_partitions",
			Help: "Partitions missing at a stage when the run started.",
		}, []string{"stage"}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdata_sync_last_run_duration_seconds",
			Help: "Wall time of the last run in seconds.",
		}),
	}
	m.registry.MustRegister(m.transfers, m.bytes, m.missing, m.duration)
	return m
}

// Registry exposes the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TaskStarted(string, partitions.Key) {}

func (m *Metrics) TaskFinished(stage string, outcome reconcile.Outcome) {
	m.transfers.WithLabelValues(stage, outcome.Status.String()).Inc()
	if outcome.Status == reconcile.StatusTransferred && outcome.Bytes > 0 {
		m.bytes.WithLabelValues(stage).Add(float64(outcome.Bytes))
	}
}

// ObserveMissing records the size of a stage's missing set
func (m *Metrics) ObserveMissing(stage string, n int) {
	m.missing.WithLabelValues(stage).Set(float64(n))
}

// ObserveRun records how long the command took
func (m *Metrics) ObserveRun(d time.Duration) {
	m.duration.Set(d.Seconds())
}

// Push sends the registry to a Prometheus Pushgateway, grouped by command
func (m *Metrics) Push(ctx context.Context, gateway, command string) error {
	err := push.New(gateway, metricsJob).
		Gatherer(m.registry).
		Grouping("command", command).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gateway, err)
	}
	return nil
}
