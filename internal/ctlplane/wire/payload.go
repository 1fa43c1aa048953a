// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"encoding/binary"
	"net/netip"

	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
)

// Packed sizes of the fixed payload parts.
const (
	AddrSize      = 17 // family u8 + 16 address bytes
	AddrPortSize  = AddrSize + 2
	ConnInfoSize  = 4 + 1 + 1 + 2*AddrPortSize
	UDPInfoSize   = 4 + AddrPortSize
	BucketSize    = 24
	VerdictSize   = 1 + 2*AddrPortSize + 4
	FlowStatsSize = 4 * 8
)

func appendAddr(b []byte, a netip.Addr) []byte {
	var raw [16]byte
	fam := byte(0)
	if a.IsValid() {
		a = a.Unmap()
		raw = a.As16()
		fam = byte(engine.FamilyOf(a))
	}
	b = append(b, fam)
	return append(b, raw[:]...)
}

func appendAddrPort(b []byte, ap netip.AddrPort) []byte {
	b = appendAddr(b, ap.Addr())
	return binary.LittleEndian.AppendUint16(b, ap.Port())
}

// reader consumes a payload front to back and remembers the first error.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = ErrShortBuffer
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) addr() netip.Addr {
	fam := r.u8()
	raw := r.take(16)
	if raw == nil {
		return netip.Addr{}
	}
	switch engine.Family(fam) {
	case engine.FamilyAny:
		return netip.Addr{}
	case engine.FamilyV4:
		return netip.AddrFrom4([4]byte(raw[12:16]))
	case engine.FamilyV6:
		return netip.AddrFrom16([16]byte(raw))
	}
	if r.err == nil {
		r.err = errors.Errorf(errors.KindValidation, "unknown address family %d", fam)
	}
	return netip.Addr{}
}

func (r *reader) addrPort() netip.AddrPort {
	a := r.addr()
	return netip.AddrPortFrom(a, r.u16())
}

func (r *reader) str() string {
	n := r.u16()
	return string(r.take(int(n)))
}

func (r *reader) done(what string) error {
	if r.err != nil {
		return errors.Wrapf(r.err, errors.KindValidation, "decode %s", what)
	}
	return nil
}

// ConnInfo describes a TCP flow or a connect attempt.
type ConnInfo struct {
	ProcessID uint32
	Protocol  uint8
	Direction engine.Direction
	Local     netip.AddrPort
	Remote    netip.AddrPort
}

// ConnInfoFrom converts flow identity.
func ConnInfoFrom(f engine.FlowInfo) ConnInfo {
	return ConnInfo{
		ProcessID: f.ProcessID,
		Protocol:  f.Protocol,
		Direction: f.Direction,
		Local:     f.Local,
		Remote:    f.Remote,
	}
}

func (c ConnInfo) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, c.ProcessID)
	b = append(b, c.Protocol, byte(c.Direction))
	b = appendAddrPort(b, c.Local)
	return appendAddrPort(b, c.Remote)
}

// DecodeConnInfo parses a ConnInfo payload.
func DecodeConnInfo(p []byte) (ConnInfo, error) {
	r := reader{b: p}
	c := ConnInfo{
		ProcessID: r.u32(),
		Protocol:  r.u8(),
		Direction: engine.Direction(r.u8()),
		Local:     r.addrPort(),
		Remote:    r.addrPort(),
	}
	return c, r.done("conn info")
}

// UDPInfo describes a UDP endpoint.
type UDPInfo struct {
	ProcessID uint32
	Local     netip.AddrPort
}

func (u UDPInfo) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, u.ProcessID)
	return appendAddrPort(b, u.Local)
}

// DecodeUDPInfo parses a UDPInfo payload.
func DecodeUDPInfo(p []byte) (UDPInfo, error) {
	r := reader{b: p}
	u := UDPInfo{ProcessID: r.u32(), Local: r.addrPort()}
	return u, r.done("udp info")
}

// DatagramHeader prefixes every UDP data record. The datagram bytes follow
// the options.
type DatagramHeader struct {
	Remote         netip.AddrPort
	InterfaceIndex uint32
	Options        []byte
}

// AppendDatagram encodes a header and datagram.
func AppendDatagram(b []byte, h DatagramHeader, data []byte) []byte {
	b = appendAddrPort(b, h.Remote)
	b = binary.LittleEndian.AppendUint32(b, h.InterfaceIndex)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(h.Options)))
	b = append(b, h.Options...)
	return append(b, data...)
}

// DecodeDatagram splits a UDP data record. Options and data alias p.
func DecodeDatagram(p []byte) (DatagramHeader, []byte, error) {
	r := reader{b: p}
	h := DatagramHeader{Remote: r.addrPort(), InterfaceIndex: r.u32()}
	n := r.u16()
	if opts := r.take(int(n)); len(opts) > 0 {
		h.Options = opts
	}
	if err := r.done("datagram"); err != nil {
		return DatagramHeader{}, nil, err
	}
	if !h.Remote.IsValid() {
		return DatagramHeader{}, nil, errors.New(errors.KindValidation, "datagram has no remote address")
	}
	return h, r.b, nil
}

// AppendIPPacket encodes an IP packet record: interface index then the
// raw packet.
func AppendIPPacket(b []byte, ifindex uint32, pkt []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, ifindex)
	return append(b, pkt...)
}

// DecodeIPPacket splits an IP packet record.
func DecodeIPPacket(p []byte) (uint32, []byte, error) {
	if len(p) < 4 {
		return 0, nil, errors.Wrap(ErrShortBuffer, errors.KindValidation, "decode ip packet")
	}
	return binary.LittleEndian.Uint32(p[:4]), p[4:], nil
}

// BucketRecord attaches a flow to a bucket. A zero ID with non-zero
// limits asks for a new bucket; a zero ID and zero limits detaches.
type BucketRecord struct {
	ID             uint64
	InBytesPerSec  uint64
	OutBytesPerSec uint64
}

func (b BucketRecord) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, b.ID)
	dst = binary.LittleEndian.AppendUint64(dst, b.InBytesPerSec)
	return binary.LittleEndian.AppendUint64(dst, b.OutBytesPerSec)
}

// DecodeBucketRecord parses a BucketRecord payload.
func DecodeBucketRecord(p []byte) (BucketRecord, error) {
	r := reader{b: p}
	b := BucketRecord{ID: r.u64(), InBytesPerSec: r.u64(), OutBytesPerSec: r.u64()}
	return b, r.done("bucket record")
}

// ConnectVerdict is the inspector's answer to a connect request.
type ConnectVerdict struct {
	// Outcome uses pend.Outcome values.
	Outcome   uint8
	Remote    netip.AddrPort
	Local     netip.AddrPort
	ProcessID uint32
}

func (v ConnectVerdict) Append(b []byte) []byte {
	b = append(b, v.Outcome)
	b = appendAddrPort(b, v.Remote)
	b = appendAddrPort(b, v.Local)
	return binary.LittleEndian.AppendUint32(b, v.ProcessID)
}

// DecodeConnectVerdict parses a ConnectVerdict payload.
func DecodeConnectVerdict(p []byte) (ConnectVerdict, error) {
	r := reader{b: p}
	v := ConnectVerdict{Outcome: r.u8(), Remote: r.addrPort(), Local: r.addrPort(), ProcessID: r.u32()}
	return v, r.done("connect verdict")
}

// FlowStats are the final counters sent with a closed event.
type FlowStats struct {
	DeliveredIn  uint64
	DeliveredOut uint64
	InjectedIn   uint64
	InjectedOut  uint64
}

func (s FlowStats) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, s.DeliveredIn)
	b = binary.LittleEndian.AppendUint64(b, s.DeliveredOut)
	b = binary.LittleEndian.AppendUint64(b, s.InjectedIn)
	return binary.LittleEndian.AppendUint64(b, s.InjectedOut)
}

// DecodeFlowStats parses a FlowStats payload.
func DecodeFlowStats(p []byte) (FlowStats, error) {
	r := reader{b: p}
	s := FlowStats{DeliveredIn: r.u64(), DeliveredOut: r.u64(), InjectedIn: r.u64(), InjectedOut: r.u64()}
	return s, r.done("flow stats")
}

// AppendU32 encodes a single u32 command argument.
func AppendU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }

// DecodeU32 parses a single u32 command argument.
func DecodeU32(p []byte) (uint32, error) {
	r := reader{b: p}
	v := r.u32()
	return v, r.done("u32")
}
