// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel abstracts the network stack that reports traffic to the
// dispatcher and accepts injected packets back.
// On Linux it is backed by NFQUEUE, nftables and conntrack.
// SimStack provides a deterministic in-memory implementation for tests and replay.
package kernel

import (
	"net/netip"
	"time"

	"grimm.is/flowguard/internal/engine"
)

// Layer selects where an injected packet re-enters the stack.
type Layer uint8

const (
	LayerStream Layer = iota + 1
	LayerDatagram
	LayerIP
)

func (l Layer) String() string {
	switch l {
	case LayerStream:
		return "stream"
	case LayerDatagram:
		return "datagram"
	case LayerIP:
		return "ip"
	}
	return "unknown"
}

// Injection is one packet handed back to the stack.
type Injection struct {
	Layer      Layer
	FlowHandle uint64
	Direction  engine.Direction
	Data       []byte
	// Disconnect is an end-of-data marker for a stream direction.
	Disconnect bool
	Local      netip.AddrPort
	Remote     netip.AddrPort
	Options    []byte
	// InterfaceIndex and StackID identify an absorbed IP packet. A non-zero
	// StackID completes the held original instead of emitting a new packet.
	InterfaceIndex uint32
	StackID        uint64
}

// Len returns the payload length.
func (i Injection) Len() int { return len(i.Data) }

// Stack is the network stack seen by the dispatcher.
type Stack interface {
	// Inject hands a packet to the stack. It returns an error if the stack
	// refused the packet synchronously; otherwise done is called exactly
	// once when the injection finishes, possibly before Inject returns.
	Inject(inj Injection, done func(error)) error
	// AbortFlow resets the flow identified by handle.
	AbortFlow(handle uint64) error
	Now() time.Time
}

// IPPacket is an IP-layer event reported by a stack.
type IPPacket struct {
	Direction      engine.Direction
	Data           []byte
	Info           PacketInfo
	InterfaceIndex uint32
	StackID        uint64
	// FlowHandle is the TupleHandle of TCP and UDP packets, zero otherwise.
	FlowHandle uint64
}

// Payload returns the transport payload of the packet.
func (p IPPacket) Payload() []byte { return PayloadOf(p.Data, p.Info) }

// PacketHandler classifies packets read from the stack. The dispatcher
// implements it. A VerdictPending result is settled later by exactly one
// call to resolve.
type PacketHandler interface {
	ClassifyPacket(p IPPacket, resolve func(Verdict)) Verdict
}

// FlowTeardown is called when the stack reports that a flow is gone.
type FlowTeardown func(handle uint64)
