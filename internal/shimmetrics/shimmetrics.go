// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package shimmetrics wires Prometheus instrumentation across the
// three shim engines (SPEC_FULL §2.4): flow lifecycle counts, SDU
// drop/enqueue counts, and the back-pressure signals of spec §5.
package shimmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge the shim engines update. One
// Metrics is shared process-wide; the per-flow and per-SDU series are
// labeled by shim family and instance, TxBusyTotal and ResolverQueries
// by instance only, and SendQueueDepth carries no labels.
type Metrics struct {
	FlowsAllocated  *prometheus.CounterVec
	FlowsTornDown   *prometheus.CounterVec
	SDUsEnqueued    *prometheus.CounterVec
	SDUsDropped     *prometheus.CounterVec
	SendQueueDepth  prometheus.Gauge
	TxBusyTotal     *prometheus.CounterVec
	ResolverQueries *prometheus.CounterVec
}

// New constructs a fresh Metrics set, unregistered with any registry.
func New() *Metrics {
	return &Metrics{
		FlowsAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rina_shim_flows_allocated_total",
			Help: "Total number of flows that reached ALLOCATED.",
		}, []string{"family", "instance"}),
		FlowsTornDown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rina_shim_flows_torn_down_total",
			Help: "Total number of flows torn down, by reason.",
		}, []string{"family", "instance", "reason"}),
		SDUsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rina_shim_sdus_enqueued_total",
			Help: "Total number of SDUs delivered or queued to a flow.",
		}, []string{"family", "instance"}),
		SDUsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rina_shim_sdus_dropped_total",
			Help: "Total number of ingress SDUs dropped or flagged, by reason (enqueue_failed, refused_stub, udp_truncated).",
		}, []string{"family", "instance", "reason"}),
		SendQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rina_shim_tcpudp_send_queue_depth",
			Help: "Current depth of the TCP/UDP shim's bounded send work queue.",
		}),
		TxBusyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rina_shim_eth_tx_busy_total",
			Help: "Total number of egress writes refused by the lower layer (Ethernet tx_busy or a failed hypervisor channel write).",
		}, []string{"instance"}),
		ResolverQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rina_shim_eth_resolver_queries_total",
			Help: "Total number of ARP-like resolver queries, by outcome.",
		}, []string{"instance", "outcome"}),
	}
}

// MustRegister registers every series with reg (typically prometheus.DefaultRegisterer).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.FlowsAllocated,
		m.FlowsTornDown,
		m.SDUsEnqueued,
		m.SDUsDropped,
		m.SendQueueDepth,
		m.TxBusyTotal,
		m.ResolverQueries,
	)
}
