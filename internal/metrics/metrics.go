// Package metrics registers the coordinator's Prometheus
// instrumentation: seize, accept, return, retire and reconnect
// counters plus an ownership-transition counter vector, registered at
// init and incremented from the coordinator code paths that cause the
// transition. No seize-duration histogram is recorded.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SeizeStarted counts every resource seize the coordinator
	// initiates.
	SeizeStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fc",
		Subsystem: "coordinator",
		Name:      "seize_started_total",
		Help:      "Number of resource seizes initiated by the priority scheduler.",
	})

	// SeizeExpired counts seize claims reverted after sitting
	// unaccepted past SeizeTimeout.
	SeizeExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fc",
		Subsystem: "coordinator",
		Name:      "seize_expired_total",
		Help:      "Number of seize claims reverted after expiring unaccepted.",
	})

	// ResourceAccepted counts successful Accept calls.
	ResourceAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fc",
		Subsystem: "coordinator",
		Name:      "resource_accepted_total",
		Help:      "Number of resources accepted by a framework, directly or after a seize.",
	})

	// ResourceReturned counts successful Return calls.
	ResourceReturned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fc",
		Subsystem: "coordinator",
		Name:      "resource_returned_total",
		Help:      "Number of resources returned to free by their holding framework.",
	})

	// ResourceRetired counts resources withdrawn from scheduling.
	ResourceRetired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fc",
		Subsystem: "coordinator",
		Name:      "resource_retired_total",
		Help:      "Number of resources retired from scheduling.",
	})

	// DefaultFrameworkReconnected counts successful default-framework
	// reconnects following a seize.
	DefaultFrameworkReconnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fc",
		Subsystem: "coordinator",
		Name:      "default_framework_reconnected_total",
		Help:      "Number of resources successfully reconnected to the default framework.",
	})

	// OwnershipTransitions counts ownership-table state transitions
	// by resulting status, for dashboards tracking overall churn.
	OwnershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fc",
		Subsystem: "coordinator",
		Name:      "ownership_transitions_total",
		Help:      "Number of ownership-table transitions, labeled by resulting status.",
	}, []string{"status"})
)
