// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"fmt"
	"net/netip"
	"strings"
)

// Protocol numbers understood by the engine.
const (
	ProtoAny uint8 = 0
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// Family is an IP address family. Zero matches either.
type Family uint8

const (
	FamilyAny Family = 0
	FamilyV4  Family = 4
	FamilyV6  Family = 6
)

// FamilyOf returns the family of addr.
func FamilyOf(addr netip.Addr) Family {
	if addr.Is4() || addr.Is4In6() {
		return FamilyV4
	}
	if addr.Is6() {
		return FamilyV6
	}
	return FamilyAny
}

// Direction of a flow relative to the local host. Rules use DirectionAny
// to match both.
type Direction uint8

const (
	DirectionAny Direction = 0
	DirectionIn  Direction = 1
	DirectionOut Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return "any"
	}
}

// ParseDirection maps "in", "out" or "" / "any".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "", "any", "both":
		return DirectionAny, nil
	case "in", "inbound":
		return DirectionIn, nil
	case "out", "outbound":
		return DirectionOut, nil
	}
	return DirectionAny, fmt.Errorf("unknown direction %q", s)
}

// Flags is a rule disposition. The zero value allows.
type Flags uint32

const (
	FlagAllow Flags = 0
	// FlagBlock denies the flow. For redirect layers the connection
	// attempt is aborted before any data moves.
	FlagBlock Flags = 1 << 0
	// FlagFilter delivers the flow's data to the inspector.
	FlagFilter          Flags = 1 << 1
	FlagSuspended       Flags = 1 << 2
	FlagIndicateConnect Flags = 1 << 3
	// FlagPendConnect parks the connect classification until the
	// inspector returns a verdict.
	FlagPendConnect Flags = 1 << 4
	FlagFilterAsIP  Flags = 1 << 5
	FlagReadOnly    Flags = 1 << 6
	// FlagControlFlow charges unfiltered flows to flow control.
	FlagControlFlow Flags = 1 << 7
	FlagRedirect    Flags = 1 << 8
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagBlock, "block"},
	{FlagFilter, "filter"},
	{FlagSuspended, "suspended"},
	{FlagIndicateConnect, "indicate_connect"},
	{FlagPendConnect, "pend_connect"},
	{FlagFilterAsIP, "filter_as_ip"},
	{FlagReadOnly, "read_only"},
	{FlagControlFlow, "control_flow"},
	{FlagRedirect, "redirect"},
}

// Has reports whether every bit of o is set.
func (f Flags) Has(o Flags) bool { return f&o == o && o != 0 }

func (f Flags) String() string {
	if f == FlagAllow {
		return "allow"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseFlags accepts names joined by '|' or ','.
func ParseFlags(s string) (Flags, error) {
	var out Flags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "allow" || part == "" {
			continue
		}
		found := false
		for _, n := range flagNames {
			if n.name == part {
				out |= n.f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown rule flag %q", part)
		}
	}
	return out, nil
}

// PortRange matches From..To inclusive. A zero From matches any port and
// a zero To matches From exactly.
type PortRange struct {
	From uint16 `json:"from,omitempty"`
	To   uint16 `json:"to,omitempty"`
}

// Any reports whether the range is a wildcard.
func (p PortRange) Any() bool { return p.From == 0 && p.To == 0 }

// Rule is one entry of the ordered flow rule list. Zero fields are
// wildcards.
type Rule struct {
	Name        string     `json:"name,omitempty"`
	ProcessID   uint32     `json:"process_id,omitempty"`
	Protocol    uint8      `json:"protocol,omitempty"`
	Family      Family     `json:"family,omitempty"`
	Direction   Direction  `json:"direction,omitempty"`
	LocalAddr   netip.Addr `json:"local_addr,omitzero"`
	LocalMask   netip.Addr `json:"local_mask,omitzero"`
	RemoteAddr  netip.Addr `json:"remote_addr,omitzero"`
	RemoteMask  netip.Addr `json:"remote_mask,omitzero"`
	LocalPort   PortRange  `json:"local_port,omitzero"`
	RemotePort  PortRange  `json:"remote_port,omitzero"`
	ProcessName string     `json:"process_name,omitempty"`
	Flags       Flags      `json:"flags"`
	// FlowControl names a bucket that matched flows are charged to.
	FlowControl uint64 `json:"flow_control,omitempty"`
}

// BindRule rewrites the local address of a socket at bind time.
type BindRule struct {
	Name        string         `json:"name,omitempty"`
	ProcessID   uint32         `json:"process_id,omitempty"`
	Protocol    uint8          `json:"protocol,omitempty"`
	Family      Family         `json:"family,omitempty"`
	LocalAddr   netip.Addr     `json:"local_addr,omitzero"`
	LocalMask   netip.Addr     `json:"local_mask,omitzero"`
	LocalPort   uint16         `json:"local_port,omitempty"`
	ProcessName string         `json:"process_name,omitempty"`
	Flags       Flags          `json:"flags"`
	NewLocal    netip.AddrPort `json:"new_local,omitzero"`
}

// FlowInfo identifies a flow for matching.
type FlowInfo struct {
	ProcessID   uint32
	Protocol    uint8
	Family      Family
	Direction   Direction
	Local       netip.AddrPort
	Remote      netip.AddrPort
	ProcessName string
}

func (f FlowInfo) String() string {
	proto := "ip"
	switch f.Protocol {
	case ProtoTCP:
		proto = "tcp"
	case ProtoUDP:
		proto = "udp"
	}
	return fmt.Sprintf("%s %s %s->%s pid=%d", proto, f.Direction, f.Local, f.Remote, f.ProcessID)
}

// BindInfo describes a bind attempt. NewLocal is filled when a rule
// rewrites the address.
type BindInfo struct {
	ProcessID   uint32
	Protocol    uint8
	Family      Family
	Local       netip.AddrPort
	ProcessName string
	NewLocal    netip.AddrPort
}

// Verdict is the result of flow matching.
type Verdict struct {
	Flags       Flags
	FlowControl uint64
	// Rule is the index of the matching rule, or -1 for the default.
	Rule int
	Name string
}

// Caps summarizes which layers have rules so hot paths can skip the
// others.
type Caps uint32

const (
	CapTCP Caps = 1 << iota
	CapUDP
	CapIP
	CapConnectRedirect
	CapBind
	CapProcessName
)

// Has reports whether c includes o.
func (c Caps) Has(o Caps) bool { return c&o != 0 }

func (c Caps) String() string {
	names := []string{"tcp", "udp", "ip", "connect_redirect", "bind", "process_name"}
	var parts []string
	for i, n := range names {
		if c&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
