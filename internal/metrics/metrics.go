// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rollbacks counts compensating rollbacks by the operation that
	// triggered them (create, delete, group, restore).
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apikey_manager_rollbacks_total",
		Help: "Compensating rollbacks run after a partial backend failure.",
	}, []string{"operation"})

	// BackendErrors counts failures surfaced to clients by backend kind.
	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apikey_manager_backend_errors_total",
		Help: "Backend failures surfaced to API clients.",
	}, []string{"backend"})

	// Requests counts handled HTTP requests by route and status code.
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apikey_manager_requests_total",
		Help: "Handled HTTP requests.",
	}, []string{"route", "status"})
)
