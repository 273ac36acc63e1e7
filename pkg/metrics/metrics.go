// Package metrics exposes Prometheus instrumentation for the sync,
// snapshot, operation, and host-scan pipelines.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Sync metrics
	SyncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runtime_sync_cycles_total",
			Help: "Total number of sync cycles by outcome",
		},
		[]string{"outcome"}, // ok, empty, error
	)

	SyncCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runtime_sync_cycle_duration_seconds",
			Help:    "Sync cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CursorAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runtime_cursor_age_seconds",
			Help: "Seconds since the last successful sync cycle",
		},
	)

	InventoryHostsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runtime_inventory_hosts_total",
			Help: "Total number of hosts in the inventory cache",
		},
	)

	InventoryConfigsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runtime_inventory_configs_total",
			Help: "Total number of group configs in the inventory cache",
		},
	)

	// Snapshot metrics
	SnapshotBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runtime_snapshot_builds_total",
			Help: "Total number of snapshot builds by outcome",
		},
		[]string{"outcome"}, // ok, validation_failed, build_failed
	)

	SnapshotBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runtime_snapshot_build_duration_seconds",
			Help:    "Snapshot build duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotsRetained = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runtime_snapshots_retained",
			Help: "Number of snapshot directories currently retained on disk",
		},
	)

	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runtime_operations_total",
			Help: "Total number of operations by terminal status",
		},
		[]string{"status"},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runtime_operation_sessions_total",
			Help: "Total number of operation sessions by terminal status",
		},
		[]string{"status"},
	)

	// Host-scan metrics
	HostScanCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runtime_hostscan_cycle_duration_seconds",
			Help:    "Host-status scan cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HostsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runtime_hosts_by_status",
			Help: "Number of hosts currently in each live-status",
		},
		[]string{"status"},
	)
)

// Collectors returns every collector defined by this package, for
// callers that want to register them against a non-default registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SyncCyclesTotal, SyncCycleDuration, CursorAge,
		InventoryHostsTotal, InventoryConfigsTotal,
		SnapshotBuildsTotal, SnapshotBuildDuration, SnapshotsRetained,
		OperationsTotal, SessionsTotal,
		HostScanCycleDuration, HostsByStatus,
	}
}

// MustRegisterAll registers every collector against the default
// Prometheus registry. Safe to call once at process start.
func MustRegisterAll() {
	for _, c := range Collectors() {
		prometheus.MustRegister(c)
	}
}

// Timer measures an operation's duration for ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against hist.
func (t *Timer) ObserveDuration(hist prometheus.Histogram) {
	hist.Observe(time.Since(t.start).Seconds())
}
