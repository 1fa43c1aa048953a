// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"time"

	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/qos"
)

// Status summarizes the device for management clients.
type Status struct {
	DriverType   string    `json:"driver_type"`
	Attached     bool      `json:"attached"`
	SessionID    string    `json:"session_id,omitempty"`
	InspectorPID uint32    `json:"inspector_pid,omitempty"`
	Opened       time.Time `json:"opened,omitzero"`
	EventQueue   int       `json:"event_queue"`
	EventsLost   uint64    `json:"events_lost"`
	PendingReads int       `json:"pending_reads"`
	TCPFlows     int       `json:"tcp_flows"`
	UDPFlows     int       `json:"udp_flows"`
	Rules        int       `json:"rules"`
	BindRules    int       `json:"bind_rules"`
	Buckets      int       `json:"buckets"`
	Capabilities string    `json:"capabilities"`
}

// DriverType names the network stack behind the device.
func (d *Device) DriverType() string { return d.config.DriverType }

// Status returns a snapshot of the device.
func (d *Device) Status() Status {
	st := Status{
		DriverType: d.config.DriverType,
		EventQueue: d.queue.Len(),
		EventsLost: d.queue.Dropped(),
	}
	d.mu.Lock()
	if s := d.session; s != nil {
		st.Attached = true
		st.SessionID = s.ID.String()
		st.InspectorPID = s.PID
		st.Opened = s.Opened
	}
	st.PendingReads = d.reads.Len()
	d.mu.Unlock()

	if d.flows != nil {
		st.TCPFlows = d.flows.TCP.Count()
		st.UDPFlows = d.flows.UDP.Count()
	}
	if d.rules != nil {
		st.Rules = len(d.rules.Rules())
		st.BindRules = len(d.rules.BindRules())
		st.Capabilities = d.rules.Capabilities().String()
	}
	if d.qos != nil {
		st.Buckets = d.qos.Count()
	}
	return st
}

// AbortFlow resets the TCP flow with logical id.
func (d *Device) AbortFlow(id uint64) error {
	return d.dispatcher.Abort(id)
}

// AddBucket creates a flow-control bucket.
func (d *Device) AddBucket(limits qos.Limits) uint64 {
	id := d.qos.Add(limits)
	d.logger.Info("bucket added", "bucket", id, "in_bps", limits.InBytesPerSec, "out_bps", limits.OutBytesPerSec)
	return id
}

// DeleteBucket removes a bucket. Flows charged to it run unlimited.
func (d *Device) DeleteBucket(id uint64) error {
	if err := d.qos.Delete(id); err != nil {
		return err
	}
	d.logger.Info("bucket deleted", "bucket", id)
	return nil
}

// ModifyBucket changes a bucket's ceilings.
func (d *Device) ModifyBucket(id uint64, limits qos.Limits) error {
	return d.qos.Modify(id, limits)
}

// BucketStats returns one bucket's counters.
func (d *Device) BucketStats(id uint64) (qos.Stats, error) {
	return d.qos.Stats(id)
}

// Buckets returns every bucket's counters.
func (d *Device) Buckets() []qos.Stats {
	return d.qos.List()
}

// ReplaceRules swaps the flow rule list for the encoded records.
func (d *Device) ReplaceRules(records []byte) (int, error) {
	rules, err := wire.DecodeRules(records)
	if err != nil {
		return 0, err
	}
	if err := d.rules.Replace(rules); err != nil {
		return 0, err
	}
	d.logger.Info("rules replaced", "count", len(rules), "caps", d.rules.Capabilities().String())
	return len(rules), nil
}

// AddBindRules appends the encoded binding rules.
func (d *Device) AddBindRules(records []byte) (int, error) {
	rules, err := wire.DecodeBindRules(records)
	if err != nil {
		return 0, err
	}
	for i, r := range rules {
		if err := d.rules.AddBind(r, false); err != nil {
			return i, err
		}
	}
	return len(rules), nil
}

// AddBindRule appends one binding rule.
func (d *Device) AddBindRule(r engine.BindRule) error {
	return d.rules.AddBind(r, false)
}

// ReplaceBindRules swaps the binding rule list for the encoded records.
func (d *Device) ReplaceBindRules(records []byte) (int, error) {
	rules, err := wire.DecodeBindRules(records)
	if err != nil {
		return 0, err
	}
	if err := d.rules.ReplaceBind(rules); err != nil {
		return 0, err
	}
	d.logger.Info("bind rules replaced", "count", len(rules))
	return len(rules), nil
}

// ProcessImagePath resolves pid to its executable.
func (d *Device) ProcessImagePath(pid uint32) (string, error) {
	if d.resolver == nil {
		return "", errors.New(errors.KindUnavailable, "no process resolver")
	}
	return d.resolver.ImagePath(pid)
}

// FlowStats returns a snapshot of every live flow.
func (d *Device) FlowStats() []flow.Stats {
	return d.flows.Snapshot()
}
