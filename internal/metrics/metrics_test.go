// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/clock"
)

type staticSource struct{ s Sample }

// value gathers m and returns the sample of name whose labels match.
func value(t *testing.T, m *Metrics, name string, labels ...string) float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(m))
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range metric.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue next
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func (s *staticSource) Sample() Sample { return s.s }

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg), "double registration must fail")
}

func TestNilMetricsHelpers(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Classified("stream", "permit")
		m.Inject("ip", 10, nil)
		m.RecordOut("tcp_connected")
		m.RecordIn("tcp_send", true)
		m.Suspended("flow_control")
		m.SetAttached(true)
		m.SetHalted()
	})
}

func TestHelpersCount(t *testing.T) {
	m := New()
	m.Classified("stream", "pend")
	m.Classified("stream", "pend")
	m.Inject("stream", 100, nil)
	m.Inject("stream", 50, assert.AnError)
	m.RecordIn("tcp_send", true)
	m.SetAttached(true)

	assert.Equal(t, 2.0, value(t, m, "flowguard_classifications_total", "layer", "stream", "action", "pend"))
	assert.Equal(t, 1.0, value(t, m, "flowguard_injected_packets_total", "layer", "stream"))
	assert.Equal(t, 100.0, value(t, m, "flowguard_injected_bytes_total", "layer", "stream"))
	assert.Equal(t, 1.0, value(t, m, "flowguard_inject_failures_total", "layer", "stream"))
	assert.Equal(t, 1.0, value(t, m, "flowguard_records_rejected_total"))
	assert.Equal(t, 1.0, value(t, m, "flowguard_inspector_attached"))
}

func TestCollectorSamplesBuckets(t *testing.T) {
	m := New()
	src := &staticSource{s: Sample{
		TCPContexts: 3,
		UDPContexts: 2,
		IPPending:   1,
		EventQueue:  4,
		Buckets:     []BucketSample{{ID: 1, InBytes: 1000, OutBytes: 0}},
	}}
	c := NewCollector(m, src, nil, time.Second, "")
	mc := clock.NewMockClock(time.Unix(100, 0))
	c.clock = mc

	c.Collect()
	assert.Equal(t, 3.0, value(t, m, "flowguard_flow_contexts", "proto", "tcp"))
	assert.Equal(t, 4.0, value(t, m, "flowguard_event_queue_entries"))
	assert.Equal(t, 0.0, c.Rates()[1].InBytesPS)

	mc.Advance(2 * time.Second)
	src.s.Buckets[0].InBytes = 3000
	src.s.Buckets[0].OutBytes = 400
	c.Collect()

	r := c.Rates()[1]
	assert.Equal(t, 1000.0, r.InBytesPS)
	assert.Equal(t, 200.0, r.OutBytesPS)
	assert.Equal(t, 1000.0, value(t, m, "flowguard_bucket_bytes_per_second", "bucket", "1", "direction", "in"))
	assert.Equal(t, mc.Now(), c.LastUpdate())

	// A deleted bucket disappears from the rates.
	src.s.Buckets = nil
	c.Collect()
	assert.Empty(t, c.Rates())
}
