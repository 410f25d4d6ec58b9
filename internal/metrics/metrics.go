// Package metrics registers the service's Prometheus collectors. Collectors
// are package-level and registered on the default registry; the HTTP surface
// exposes them under /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InstancesCreated counts successful instance creations.
	InstancesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbenv_instances_created_total",
		Help: "Number of database instances created.",
	}, []string{"dialect"})

	// InstancesDestroyed counts destroyed instances by trigger.
	InstancesDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbenv_instances_destroyed_total",
		Help: "Number of database instances destroyed.",
	}, []string{"dialect", "reason"})

	// InstancesActive tracks the current live instance count.
	InstancesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbenv_instances_active",
		Help: "Number of database instances currently alive.",
	})

	// Queries counts finished queries by outcome.
	Queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbenv_queries_total",
		Help: "Number of queries executed.",
	}, []string{"dialect", "status"})

	// QueryDuration observes wall-clock query time.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbenv_query_duration_seconds",
		Help:    "Query execution time.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"dialect"})

	// PoolHosts tracks the number of host containers per dialect.
	PoolHosts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbenv_pool_hosts",
		Help: "Number of host containers in the pool.",
	}, []string{"dialect"})

	// Backups counts backup attempts by outcome.
	Backups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbenv_backups_total",
		Help: "Number of backups taken.",
	}, []string{"status"})
)

// Query outcome labels.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Destroy reason labels.
const (
	ReasonRequested = "requested"
	ReasonExpired   = "expired"
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
