// Package metrics holds the Prometheus collectors for the fleet loops and the
// sync gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ariana"

var (
	ReservationAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reservation", Name: "attempts_total",
		Help: "Pool claim attempts made by the reservation queue.",
	})
	ReservationClaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reservation", Name: "claims_total",
		Help: "Pool claims that bound a machine to an agent.",
	})
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pool", Name: "ready_machines",
		Help: "Ready machines parked in the pool.",
	})
	// PoolStatus is 0 healthy, 1 degraded, 2 critical.
	PoolStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pool", Name: "status",
		Help: "Pool status: 0 healthy, 1 degraded, 2 critical.",
	})

	HealthProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "health", Name: "probes_total",
		Help: "Machine liveness probes by result.",
	}, []string{"result"})
	AgentsEscalated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "health", Name: "escalations_total",
		Help: "Agents moved to error after crossing the failure threshold.",
	})

	Snapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "snapshot", Name: "runs_total",
		Help: "Snapshot attempts by outcome (success, failure, locked, attention).",
	}, []string{"outcome"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "outcomes_total",
		Help: "Prompt dispatch outcomes (finished, failed, interrupted, stale).",
	}, []string{"outcome"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "events", Name: "published_total",
		Help: "Agent change events by shape (fine, bulk) and origin (local, relay).",
	}, []string{"shape", "origin"})

	SyncSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "sync", Name: "subscriptions",
		Help: "Active client topic subscriptions.",
	})
	SyncClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "sync", Name: "clients",
		Help: "Connected websocket clients.",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
