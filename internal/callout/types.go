// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package callout classifies the events the network stack reports at each
// protocol layer and moves inspector verdicts back into the stack.
package callout

import (
	"net/netip"

	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/pend"
)

// Layer is a classification point in the stack.
type Layer uint8

const (
	LayerFlowEstablished Layer = iota + 1
	LayerStream
	LayerOutboundTransport
	LayerInboundTransport
	LayerConnectRedirect
	LayerBindRedirect
	LayerEndpointClosure
	LayerIPPacket
)

func (l Layer) String() string {
	switch l {
	case LayerFlowEstablished:
		return "flow_established"
	case LayerStream:
		return "stream"
	case LayerOutboundTransport:
		return "outbound_transport"
	case LayerInboundTransport:
		return "inbound_transport"
	case LayerConnectRedirect:
		return "connect_redirect"
	case LayerBindRedirect:
		return "bind_redirect"
	case LayerEndpointClosure:
		return "endpoint_closure"
	case LayerIPPacket:
		return "ip_packet"
	}
	return "unknown"
}

// Action is the immediate answer returned to the stack.
type Action uint8

const (
	ActionPermit Action = iota
	ActionBlock
	// ActionPending means the event was taken over by the engine and is
	// resolved later, by injection or through Classification.Pend.
	ActionPending
)

func (a Action) String() string {
	switch a {
	case ActionBlock:
		return "block"
	case ActionPending:
		return "pending"
	}
	return "permit"
}

// Classification is the result of one classify call.
type Classification struct {
	Action Action
	// Absorb clears the stack's forwarding rights for the event; the data
	// only moves again when it is injected.
	Absorb bool
	// Pend is set for parked connect classifications.
	Pend  *pend.Handle
	Flags engine.Flags
	// NewLocal is the rewritten bind address, when a bind rule applied.
	NewLocal netip.AddrPort
}

var permit = Classification{Action: ActionPermit}

// FlowEvent reports a new TCP flow or UDP endpoint.
type FlowEvent struct {
	Info engine.FlowInfo
	// Handle is the stack's flow handle for TCP and endpoint handle for UDP.
	Handle uint64
}

// StreamEvent carries TCP stream data.
type StreamEvent struct {
	FlowHandle uint64
	Direction  engine.Direction
	Data       []byte
	Flags      flow.PacketFlags
}

// DatagramEvent carries one UDP datagram. Info.Remote is the datagram's
// peer.
type DatagramEvent struct {
	EndpointHandle uint64
	Info           engine.FlowInfo
	Data           []byte
	Options        []byte
	InterfaceIndex uint32
}

// ConnectEvent is a connect attempt that may be redirected.
type ConnectEvent struct {
	Handle uint64
	Info   engine.FlowInfo
}

// Sink queues events for the inspector.
type Sink interface {
	// Deliver queues c so its pending packets are written to the
	// inspector. The sink takes its own reference. It fails only after
	// shutdown.
	Deliver(c flow.Context) bool
	// Notify queues an event with an inline payload.
	Notify(code wire.Code, id uint64, payload []byte) bool
}
