// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"encoding/binary"

	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
)

// maxRules bounds the count prefix of a rule buffer.
const maxRules = 1 << 16

func appendStr(b []byte, s string) []byte {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendRule(b []byte, r engine.Rule) []byte {
	b = appendStr(b, r.Name)
	b = binary.LittleEndian.AppendUint32(b, r.ProcessID)
	b = append(b, r.Protocol, byte(r.Family), byte(r.Direction))
	b = appendAddr(b, r.LocalAddr)
	b = appendAddr(b, r.LocalMask)
	b = appendAddr(b, r.RemoteAddr)
	b = appendAddr(b, r.RemoteMask)
	for _, pr := range []engine.PortRange{r.LocalPort, r.RemotePort} {
		b = binary.LittleEndian.AppendUint16(b, pr.From)
		b = binary.LittleEndian.AppendUint16(b, pr.To)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(r.Flags))
	b = binary.LittleEndian.AppendUint64(b, r.FlowControl)
	return appendStr(b, r.ProcessName)
}

func (r *reader) rule() engine.Rule {
	var out engine.Rule
	out.Name = r.str()
	out.ProcessID = r.u32()
	out.Protocol = r.u8()
	out.Family = engine.Family(r.u8())
	out.Direction = engine.Direction(r.u8())
	out.LocalAddr = r.addr()
	out.LocalMask = r.addr()
	out.RemoteAddr = r.addr()
	out.RemoteMask = r.addr()
	out.LocalPort = engine.PortRange{From: r.u16(), To: r.u16()}
	out.RemotePort = engine.PortRange{From: r.u16(), To: r.u16()}
	out.Flags = engine.Flags(r.u32())
	out.FlowControl = r.u64()
	out.ProcessName = r.str()
	return out
}

// EncodeRules packs rules as a count followed by extended rule records.
// Addresses always take 16 bytes so IPv4 and IPv6 rules share a layout.
func EncodeRules(rules []engine.Rule) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(rules)))
	for _, r := range rules {
		b = appendRule(b, r)
	}
	return b
}

// DecodeRules unpacks a buffer produced by EncodeRules.
func DecodeRules(p []byte) ([]engine.Rule, error) {
	r := reader{b: p}
	n := r.u32()
	if n > maxRules {
		return nil, errors.Errorf(errors.KindValidation, "rule count %d exceeds %d", n, maxRules)
	}
	out := make([]engine.Rule, 0, min(int(n), 1024))
	for i := uint32(0); i < n && r.err == nil; i++ {
		out = append(out, r.rule())
	}
	if err := r.done("rules"); err != nil {
		return nil, errors.Attr(err, "record", len(out))
	}
	if len(r.b) != 0 {
		return nil, errors.Errorf(errors.KindValidation, "%d trailing bytes after rules", len(r.b))
	}
	return out, nil
}

func appendBindRule(b []byte, r engine.BindRule) []byte {
	b = appendStr(b, r.Name)
	b = binary.LittleEndian.AppendUint32(b, r.ProcessID)
	b = append(b, r.Protocol, byte(r.Family))
	b = appendAddr(b, r.LocalAddr)
	b = appendAddr(b, r.LocalMask)
	b = binary.LittleEndian.AppendUint16(b, r.LocalPort)
	b = binary.LittleEndian.AppendUint32(b, uint32(r.Flags))
	b = appendAddrPort(b, r.NewLocal)
	return appendStr(b, r.ProcessName)
}

func (r *reader) bindRule() engine.BindRule {
	var out engine.BindRule
	out.Name = r.str()
	out.ProcessID = r.u32()
	out.Protocol = r.u8()
	out.Family = engine.Family(r.u8())
	out.LocalAddr = r.addr()
	out.LocalMask = r.addr()
	out.LocalPort = r.u16()
	out.Flags = engine.Flags(r.u32())
	out.NewLocal = r.addrPort()
	out.ProcessName = r.str()
	return out
}

// EncodeBindRules packs binding rules.
func EncodeBindRules(rules []engine.BindRule) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(rules)))
	for _, r := range rules {
		b = appendBindRule(b, r)
	}
	return b
}

// DecodeBindRules unpacks a buffer produced by EncodeBindRules.
func DecodeBindRules(p []byte) ([]engine.BindRule, error) {
	r := reader{b: p}
	n := r.u32()
	if n > maxRules {
		return nil, errors.Errorf(errors.KindValidation, "bind rule count %d exceeds %d", n, maxRules)
	}
	out := make([]engine.BindRule, 0, min(int(n), 1024))
	for i := uint32(0); i < n && r.err == nil; i++ {
		out = append(out, r.bindRule())
	}
	if err := r.done("bind rules"); err != nil {
		return nil, errors.Attr(err, "record", len(out))
	}
	if len(r.b) != 0 {
		return nil, errors.Errorf(errors.KindValidation, "%d trailing bytes after bind rules", len(r.b))
	}
	return out, nil
}
