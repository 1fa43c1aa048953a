// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package callout

import (
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/pend"
)

// ClassifyPacket classifies a packet read from a packet-level stack. The
// IP layer runs first; TCP and UDP packets it lets through are turned into
// the flow events a socket-level stack would raise. An outbound SYN is a
// connect attempt, the first packet of an unknown flow establishes it,
// TCP payload and FIN are stream data and UDP payload is transport data.
//
// Held segments are completed by the stack when their data is injected.
// A connect parked for the inspector returns VerdictPending and is settled
// through resolve.
func (d *Dispatcher) ClassifyPacket(p kernel.IPPacket, resolve func(kernel.Verdict)) kernel.Verdict {
	if v := d.ClassifyIP(p); v != kernel.VerdictAccept || !d.Attached() || p.FlowHandle == 0 {
		return v
	}
	local, remote := p.Info.Tuple(p.Direction)
	info := engine.FlowInfo{
		Protocol:  p.Info.Protocol,
		Family:    p.Info.Family,
		Direction: p.Direction,
		Local:     local,
		Remote:    remote,
	}
	switch p.Info.Protocol {
	case engine.ProtoTCP:
		return d.classifySegment(p, info, resolve)
	case engine.ProtoUDP:
		ev := DatagramEvent{
			EndpointHandle: p.FlowHandle,
			Info:           info,
			Data:           p.Payload(),
			InterfaceIndex: p.InterfaceIndex,
		}
		if p.Direction == engine.DirectionIn {
			return packetVerdict(d.InboundTransport(ev))
		}
		return packetVerdict(d.OutboundTransport(ev))
	}
	return kernel.VerdictAccept
}

func (d *Dispatcher) classifySegment(p kernel.IPPacket, info engine.FlowInfo, resolve func(kernel.Verdict)) kernel.Verdict {
	if c, ok := d.flows.TCP.FindByHandle(p.FlowHandle); ok {
		c.Release()
	} else if !p.Info.RST {
		if p.Info.SYN && p.Info.ACK {
			// The answer to our own SYN; the flow was opened locally.
			info.Direction = opposite(p.Direction)
		}
		ev := FlowEvent{Info: info, Handle: p.FlowHandle}
		if p.Info.SYN && !p.Info.ACK && p.Direction == engine.DirectionOut {
			cl := d.ConnectRedirect(ConnectEvent{Handle: p.FlowHandle, Info: info})
			switch cl.Action {
			case ActionBlock:
				return kernel.VerdictDrop
			case ActionPending:
				go d.awaitConnect(cl.Pend, ev, resolve)
				return kernel.VerdictPending
			}
		}
		if d.FlowEstablished(ev).Action == ActionBlock {
			return kernel.VerdictDrop
		}
	}

	payload := p.Payload()
	if len(payload) == 0 && !p.Info.FIN {
		return kernel.VerdictAccept
	}
	v := packetVerdict(d.Stream(StreamEvent{FlowHandle: p.FlowHandle, Direction: p.Direction, Data: payload}))
	if len(payload) > 0 && p.Info.FIN && v == kernel.VerdictHold {
		// The FIN rides on the held segment; the inspector still sees
		// the end of the direction.
		d.Stream(StreamEvent{FlowHandle: p.FlowHandle, Direction: p.Direction})
	}
	return v
}

// awaitConnect settles a parked SYN once the inspector answered.
func (d *Dispatcher) awaitConnect(h *pend.Handle, ev FlowEvent, resolve func(kernel.Verdict)) {
	<-h.Done()
	r, _ := h.Result()
	switch r.Outcome {
	case pend.OutcomeBlock:
		d.TeardownHandle(ev.Handle)
		resolve(kernel.VerdictDrop)
		return
	case pend.OutcomePurged:
		resolve(kernel.VerdictAccept)
		return
	case pend.OutcomeRedirect:
		d.degraded("connect redirect cannot rewrite a queued packet, permitting", "flow", ev.Info.String())
	}
	if d.FlowEstablished(ev).Action == ActionBlock {
		resolve(kernel.VerdictDrop)
		return
	}
	resolve(kernel.VerdictAccept)
}

func packetVerdict(c Classification) kernel.Verdict {
	switch {
	case c.Action == ActionBlock:
		return kernel.VerdictDrop
	case c.Absorb:
		return kernel.VerdictHold
	}
	return kernel.VerdictAccept
}

func opposite(dir engine.Direction) engine.Direction {
	if dir == engine.DirectionIn {
		return engine.DirectionOut
	}
	return engine.DirectionIn
}
