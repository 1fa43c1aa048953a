// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all engine Prometheus metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Classifications *prometheus.CounterVec
	Contexts        *prometheus.GaugeVec
	IPQueue         prometheus.Gauge
	EventQueue      prometheus.Gauge

	Injected       *prometheus.CounterVec
	InjectedBytes  *prometheus.CounterVec
	InjectFailures *prometheus.CounterVec

	RecordsOut      *prometheus.CounterVec
	RecordsIn       *prometheus.CounterVec
	RecordsRejected prometheus.Counter

	Suspensions  *prometheus.CounterVec
	BucketBytes  *prometheus.GaugeVec
	BucketRate   *prometheus.GaugeVec
	QueuePackets *prometheus.GaugeVec

	InspectorAttached prometheus.Gauge
	Halted            prometheus.Gauge
}

// New creates the engine metrics.
func New() *Metrics {
	return &Metrics{
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_classifications_total",
			Help: "Classification decisions by layer and action",
		}, []string{"layer", "action"}),
		Contexts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowguard_flow_contexts",
			Help: "Live flow contexts by protocol",
		}, []string{"proto"}),
		IPQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_ip_queue_packets",
			Help: "Packets waiting in the IP queue",
		}),
		EventQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_event_queue_entries",
			Help: "Entries waiting for the inspector",
		}),
		Injected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_injected_packets_total",
			Help: "Packets handed back to the network stack",
		}, []string{"layer"}),
		InjectedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_injected_bytes_total",
			Help: "Bytes handed back to the network stack",
		}, []string{"layer"}),
		InjectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_inject_failures_total",
			Help: "Injections refused or failed by the network stack",
		}, []string{"layer"}),
		RecordsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_records_out_total",
			Help: "Records written to the inspector by event code",
		}, []string{"code"}),
		RecordsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_records_in_total",
			Help: "Records accepted from the inspector by event code",
		}, []string{"code"}),
		RecordsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_records_rejected_total",
			Help: "Malformed or refused inbound records",
		}),
		Suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_suspensions_total",
			Help: "Flow suspensions by cause",
		}, []string{"cause"}),
		BucketBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowguard_bucket_bytes",
			Help: "Cumulative bytes charged to a flow-control bucket",
		}, []string{"bucket", "direction"}),
		BucketRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowguard_bucket_bytes_per_second",
			Help: "Observed byte rate of a flow-control bucket",
		}, []string{"bucket", "direction"}),
		QueuePackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowguard_nfqueue_rule_packets",
			Help: "Packets matched by the queue rules per chain",
		}, []string{"chain"}),
		InspectorAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_inspector_attached",
			Help: "Whether an inspector is attached (1 for attached, 0 for detached)",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_halted",
			Help: "Set to 1 after an invariant violation stopped the engine",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Classifications, m.Contexts, m.IPQueue, m.EventQueue,
		m.Injected, m.InjectedBytes, m.InjectFailures,
		m.RecordsOut, m.RecordsIn, m.RecordsRejected,
		m.Suspensions, m.BucketBytes, m.BucketRate, m.QueuePackets,
		m.InspectorAttached, m.Halted,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Register registers the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

// Classified counts one classification.
func (m *Metrics) Classified(layer, action string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(layer, action).Inc()
}

// Inject counts one injection attempt.
func (m *Metrics) Inject(layer string, n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.InjectFailures.WithLabelValues(layer).Inc()
		return
	}
	m.Injected.WithLabelValues(layer).Inc()
	m.InjectedBytes.WithLabelValues(layer).Add(float64(n))
}

// RecordOut counts a record written to the inspector.
func (m *Metrics) RecordOut(code string) {
	if m == nil {
		return
	}
	m.RecordsOut.WithLabelValues(code).Inc()
}

// RecordIn counts an inbound record. Rejected records are counted
// separately.
func (m *Metrics) RecordIn(code string, rejected bool) {
	if m == nil {
		return
	}
	if rejected {
		m.RecordsRejected.Inc()
		return
	}
	m.RecordsIn.WithLabelValues(code).Inc()
}

// Suspended counts a flow suspension.
func (m *Metrics) Suspended(cause string) {
	if m == nil {
		return
	}
	m.Suspensions.WithLabelValues(cause).Inc()
}

// SetAttached records inspector attachment.
func (m *Metrics) SetAttached(on bool) {
	if m == nil {
		return
	}
	m.InspectorAttached.Set(boolValue(on))
}

// SetHalted records an engine halt.
func (m *Metrics) SetHalted() {
	if m == nil {
		return
	}
	m.Halted.Set(1)
}

func bucketLabel(id uint64) string { return strconv.FormatUint(id, 10) }

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
