// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"

	"grimm.is/flowguard/internal/engine"
)

// PacketFlags annotate a queued packet.
type PacketFlags uint8

const (
	// PacketDisconnect marks a zero-length end-of-data packet.
	PacketDisconnect PacketFlags = 1 << iota
	PacketUrgent
	// PacketHeld means the stack is still holding the original packet and
	// injection completes it rather than emitting a new one.
	PacketHeld
)

// Packet is one unit of data queued on a context, either for delivery to
// the inspector or for injection back into the stack.
type Packet struct {
	Direction engine.Direction
	Flags     PacketFlags
	Data      []byte
	// Local and Remote carry per-datagram addressing for UDP and the
	// header addresses for IP packets.
	Local  netip.AddrPort
	Remote netip.AddrPort
	// Options is opaque per-datagram control data.
	Options        []byte
	InterfaceIndex uint32
	// StackID is the stack's own identifier for an absorbed packet.
	StackID uint64
}

// Len returns the payload length.
func (p *Packet) Len() int { return len(p.Data) }

// Disconnect reports whether p is an end-of-data marker.
func (p *Packet) Disconnect() bool { return p.Flags&PacketDisconnect != 0 }
