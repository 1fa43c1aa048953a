// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package callout

import (
	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/pend"
	"grimm.is/flowguard/internal/qos"
)

// ErrBackPressure means a post was not accepted because the flow's
// injection backlog or flow-control bucket is full. The caller retries
// the same post later.
var ErrBackPressure = errors.New(errors.KindUnavailable, "injection back-pressure")

// Attach records pid as the inspector. Every per-flow override from a
// previous session is cleared first.
func (d *Dispatcher) Attach(pid uint32) {
	d.resetOverrides()
	d.rules.SetInspector(pid)
	d.metrics.SetAttached(true)
	d.logger.Info("inspector attached", "pid", pid)
}

// Detach forgets the inspector. Parked connects are released, overrides
// are cleared and every packet still waiting for the inspector is
// injected unmodified, so all flows revert to default-permit.
func (d *Dispatcher) Detach() {
	pid := d.rules.Inspector()
	d.rules.SetInspector(0)
	d.resetOverrides()

	n := 0
	d.flows.TCP.Each(func(c *flow.TCPContext) bool {
		if c.Passthrough() {
			d.injector.Schedule(c)
			n++
		}
		return true
	})
	d.flows.UDP.Each(func(c *flow.UDPContext) bool {
		if c.Passthrough() {
			d.injector.Schedule(c)
			n++
		}
		return true
	})
	if d.flows.IP.Passthrough() {
		d.injector.Schedule(d.flows.IP)
		n++
	}
	d.metrics.SetAttached(false)
	d.logger.Info("inspector detached", "pid", pid, "flows_released", n)
}

func (d *Dispatcher) resetOverrides() {
	d.flows.TCP.Each(func(c *flow.TCPContext) bool {
		c.ResetOverrides()
		return true
	})
	d.flows.UDP.Each(func(c *flow.UDPContext) bool {
		c.ResetOverrides()
		return true
	})
}

func notFound(kind string, id uint64) error {
	return errors.Attr(errors.Errorf(errors.KindNotFound, "%s flow %d not found", kind, id), "id", id)
}

type backlogged interface {
	flow.Context
	InjectBacklog() int
}

// pressured reports whether c should refuse more data for dir.
func (d *Dispatcher) pressured(c backlogged, dir engine.Direction) bool {
	if c.InjectBacklog() >= d.config.MaxInjectBacklog {
		return true
	}
	b := c.FlowControl()
	return b != 0 && d.qos != nil && d.qos.MustSuspend(b, qosDirection(dir), c.LastIO())
}

// PostStream queues inspector data for a TCP flow. Zero-length data is an
// end-of-data marker for dir.
func (d *Dispatcher) PostStream(id uint64, dir engine.Direction, data []byte) error {
	c, ok := d.flows.TCP.Find(id)
	if !ok {
		return notFound("tcp", id)
	}
	defer c.Release()
	if d.pressured(c, dir) {
		return ErrBackPressure
	}
	schedule, err := c.Post(dir, append([]byte(nil), data...), 0)
	if err != nil {
		return err
	}
	if schedule {
		d.injector.Schedule(c)
	}
	return nil
}

// PostDatagram queues an inspector datagram for a UDP endpoint.
func (d *Dispatcher) PostDatagram(id uint64, dir engine.Direction, h wire.DatagramHeader, data []byte) error {
	c, ok := d.flows.UDP.Find(id)
	if !ok {
		return notFound("udp", id)
	}
	defer c.Release()
	if d.pressured(c, dir) {
		return ErrBackPressure
	}
	schedule, err := c.Post(&flow.Packet{
		Direction:      dir,
		Data:           append([]byte(nil), data...),
		Remote:         h.Remote,
		Options:        append([]byte(nil), h.Options...),
		InterfaceIndex: h.InterfaceIndex,
	})
	if err != nil {
		return err
	}
	if schedule {
		d.injector.Schedule(c)
	}
	return nil
}

// PostIP queues an inspector IP packet. A non-zero stackID completes the
// absorbed packet it names; zero sends a new packet.
func (d *Dispatcher) PostIP(stackID uint64, dir engine.Direction, ifindex uint32, data []byte) error {
	p := &flow.Packet{
		Direction:      dir,
		Data:           append([]byte(nil), data...),
		InterfaceIndex: ifindex,
		StackID:        stackID,
	}
	if stackID != 0 {
		p.Flags |= flow.PacketHeld
	}
	schedule, err := d.flows.IP.Post(p)
	if err != nil {
		return err
	}
	if schedule {
		d.injector.Schedule(d.flows.IP)
	}
	return nil
}

type suspender interface {
	flow.Context
	Suspend()
	Resume() bool
}

func (d *Dispatcher) lookup(kind flow.Kind, id uint64) (suspender, error) {
	switch kind {
	case flow.KindTCP:
		if c, ok := d.flows.TCP.Find(id); ok {
			return c, nil
		}
		return nil, notFound("tcp", id)
	case flow.KindUDP:
		if c, ok := d.flows.UDP.Find(id); ok {
			return c, nil
		}
		return nil, notFound("udp", id)
	}
	return nil, errors.Errorf(errors.KindValidation, "no per-flow state for %s", kind)
}

// SetConnState suspends or resumes delivery for a flow. Resuming
// re-queues held packets and tells the inspector the flow can move data
// again.
func (d *Dispatcher) SetConnState(kind flow.Kind, id uint64, state uint32) error {
	c, err := d.lookup(kind, id)
	if err != nil {
		return err
	}
	defer c.Release()

	switch state {
	case wire.ConnSuspend:
		c.Suspend()
		d.metrics.Suspended("inspector")
	case wire.ConnResume:
		if c.Resume() {
			d.deliver(c)
		}
		send, recv := wire.TCPCanSend, wire.TCPCanReceive
		if kind == flow.KindUDP {
			send, recv = wire.UDPCanSend, wire.UDPCanReceive
		}
		d.notify(send, id, nil)
		d.notify(recv, id, nil)
	default:
		return errors.Errorf(errors.KindValidation, "unknown connection state %d", state)
	}
	return nil
}

// DisableFiltering lets every further event on a flow through and
// injects whatever it still had queued for the inspector.
func (d *Dispatcher) DisableFiltering(kind flow.Kind, id uint64) error {
	switch kind {
	case flow.KindTCP:
		c, ok := d.flows.TCP.Find(id)
		if !ok {
			return notFound("tcp", id)
		}
		defer c.Release()
		c.DisableFiltering()
		if c.Passthrough() {
			d.injector.Schedule(c)
		}
	case flow.KindUDP:
		c, ok := d.flows.UDP.Find(id)
		if !ok {
			return notFound("udp", id)
		}
		defer c.Release()
		c.DisableFiltering()
		if c.Passthrough() {
			d.injector.Schedule(c)
		}
	default:
		return errors.Errorf(errors.KindValidation, "no per-flow state for %s", kind)
	}
	return nil
}

// SetNoDelay mirrors TCP_NODELAY on a flow.
func (d *Dispatcher) SetNoDelay(id uint64, on bool) error {
	c, ok := d.flows.TCP.Find(id)
	if !ok {
		return notFound("tcp", id)
	}
	defer c.Release()
	c.SetNoDelay(on)
	return nil
}

// Abort resets a TCP flow. Queued data is discarded.
func (d *Dispatcher) Abort(id uint64) error {
	c, ok := d.flows.TCP.Find(id)
	if !ok {
		return notFound("tcp", id)
	}
	defer c.Release()
	c.MarkAbort()
	if err := d.stack.AbortFlow(c.FlowHandle()); err != nil {
		d.degraded("stack abort failed", "id", id, "error", err)
	}
	d.flows.TCP.Close(c)
	return nil
}

// ConnectVerdict resumes a parked connect classification.
func (d *Dispatcher) ConnectVerdict(kind flow.Kind, id uint64, v wire.ConnectVerdict) error {
	var h *pend.Handle
	switch kind {
	case flow.KindTCP:
		c, ok := d.flows.TCP.Find(id)
		if !ok {
			return notFound("tcp", id)
		}
		h = c.TakeRedirect()
		c.Release()
	case flow.KindUDP:
		c, ok := d.flows.UDP.Find(id)
		if !ok {
			return notFound("udp", id)
		}
		h = c.TakeRedirect()
		c.Release()
	default:
		return errors.Errorf(errors.KindValidation, "no per-flow state for %s", kind)
	}
	if h == nil {
		return errors.Attr(errors.New(errors.KindNotFound, "no connect pending"), "id", id)
	}
	outcome := pend.Outcome(v.Outcome)
	if outcome > pend.OutcomeRedirect {
		h.Purge()
		return errors.Errorf(errors.KindValidation, "unknown connect outcome %d", v.Outcome)
	}
	h.Complete(pend.Result{Outcome: outcome, Remote: v.Remote, Local: v.Local, ProcessID: v.ProcessID})
	return nil
}

type bucketed interface {
	flow.Context
	AdoptFlowControl(id uint64, owned bool) uint64
}

// SetFlowControl attaches a flow to a bucket. A record with no id but
// with limits creates a dedicated bucket that is deleted with the flow;
// an empty record detaches.
func (d *Dispatcher) SetFlowControl(kind flow.Kind, id uint64, br wire.BucketRecord) (uint64, error) {
	if d.qos == nil {
		return 0, errors.New(errors.KindUnavailable, "flow control disabled")
	}
	var c bucketed
	switch kind {
	case flow.KindTCP:
		tc, ok := d.flows.TCP.Find(id)
		if !ok {
			return 0, notFound("tcp", id)
		}
		c = tc
	case flow.KindUDP:
		uc, ok := d.flows.UDP.Find(id)
		if !ok {
			return 0, notFound("udp", id)
		}
		c = uc
	default:
		return 0, errors.Errorf(errors.KindValidation, "no per-flow state for %s", kind)
	}
	defer c.Release()

	bucket, owned := br.ID, false
	switch {
	case bucket != 0:
		if !d.qos.Exists(bucket) {
			return 0, errors.Attr(errors.New(errors.KindNotFound, "bucket not found"), "bucket", bucket)
		}
	case br.InBytesPerSec != 0 || br.OutBytesPerSec != 0:
		bucket = d.qos.Add(qos.Limits{InBytesPerSec: br.InBytesPerSec, OutBytesPerSec: br.OutBytesPerSec})
		owned = true
	}
	if orphan := c.AdoptFlowControl(bucket, owned); orphan != 0 {
		d.DeleteOwnedBucket(orphan)
	}
	return bucket, nil
}

// DeleteOwnedBucket removes a bucket that was created for a single flow.
// The bucket may already be gone if it was deleted by id.
func (d *Dispatcher) DeleteOwnedBucket(id uint64) {
	if err := d.qos.Delete(id); err != nil && !errors.IsKind(err, errors.KindNotFound) {
		d.logger.Warn("cannot delete flow bucket", "bucket", id, "error", err)
	}
}
