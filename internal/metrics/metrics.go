// Package metrics exposes the controller's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks identified connections by role.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sdpc_active_connections",
		Help: "Currently identified member connections by role.",
	}, []string{"role"})

	// ConnectionsTotal counts accepted transport connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdpc_connections_total",
		Help: "Accepted transport connections.",
	})

	// RotationsTotal counts credential rotations by outcome.
	RotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdpc_credential_rotations_total",
		Help: "Credential rotation attempts by outcome.",
	}, []string{"outcome"})

	// FanoutMessagesTotal counts fan-out messages sent to gateways.
	FanoutMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdpc_fanout_messages_total",
		Help: "Access and service messages fanned out to gateways.",
	}, []string{"action"})

	// BadMessagesTotal counts malformed or unrecognized inbound messages.
	BadMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdpc_bad_messages_total",
		Help: "Malformed or unrecognized messages received.",
	})

	// FlowRecordsTotal counts persisted flow records by state.
	FlowRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdpc_flow_records_total",
		Help: "Flow records persisted by state.",
	}, []string{"state"})

	// MonitorCyclesTotal counts directory change monitor cycles by result.
	MonitorCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdpc_monitor_cycles_total",
		Help: "Directory change monitor cycles by result.",
	}, []string{"result"})
)
