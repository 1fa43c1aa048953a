// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package driver

import (
	"grimm.is/flowguard/internal/api"
	"grimm.is/flowguard/internal/ctlplane"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/qos"
)

var (
	_ api.Backend    = (*Driver)(nil)
	_ metrics.Source = (*Driver)(nil)
)

func (d *Driver) Status() ctlplane.Status { return d.device.Status() }

func (d *Driver) FlowStats() []flow.Stats { return d.device.FlowStats() }

func (d *Driver) Buckets() []qos.Stats { return d.device.Buckets() }

func (d *Driver) BucketStats(id uint64) (qos.Stats, error) { return d.device.BucketStats(id) }

func (d *Driver) Rules() []engine.Rule { return d.rules.Rules() }

func (d *Driver) BindRules() []engine.BindRule { return d.rules.BindRules() }

func (d *Driver) AbortFlow(id uint64) error { return d.device.AbortFlow(id) }

// BucketRates returns the rates observed by the collector. It is empty
// when the collector is disabled.
func (d *Driver) BucketRates() map[uint64]metrics.BucketRate {
	if d.collector == nil {
		return nil
	}
	return d.collector.Rates()
}

// Sample reports table and queue sizes to the metrics collector.
func (d *Driver) Sample() metrics.Sample {
	pending, _ := d.flows.IP.Len()
	s := metrics.Sample{
		TCPContexts: d.flows.TCP.Count(),
		UDPContexts: d.flows.UDP.Count(),
		IPPending:   pending,
		EventQueue:  d.device.Queue().Len(),
	}
	for _, b := range d.qos.List() {
		s.Buckets = append(s.Buckets, metrics.BucketSample{ID: b.ID, InBytes: b.InBytes, OutBytes: b.OutBytes})
	}
	return s
}
