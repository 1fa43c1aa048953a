// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net"
	"net/netip"

	"github.com/cespare/xxhash/v2"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
)

// PacketInfo is the parsed header view of an IP packet.
type PacketInfo struct {
	Family    engine.Family
	Protocol  uint8
	Src       netip.AddrPort
	Dst       netip.AddrPort
	HeaderLen int
	Payload   int
	SYN       bool
	ACK       bool
	FIN       bool
	RST       bool
}

// Tuple returns local and remote endpoints for a packet travelling in dir.
func (p PacketInfo) Tuple(dir engine.Direction) (local, remote netip.AddrPort) {
	if dir == engine.DirectionIn {
		return p.Dst, p.Src
	}
	return p.Src, p.Dst
}

func firstLayer(data []byte) (gopacket.LayerType, error) {
	if len(data) == 0 {
		return 0, errors.New(errors.KindValidation, "empty packet")
	}
	switch data[0] >> 4 {
	case 4:
		return layers.LayerTypeIPv4, nil
	case 6:
		return layers.LayerTypeIPv6, nil
	}
	return 0, errors.Errorf(errors.KindValidation, "unknown ip version %d", data[0]>>4)
}

func toAddr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

// ParsePacket decodes the IP and transport headers of data.
func ParsePacket(data []byte) (PacketInfo, error) {
	first, err := firstLayer(data)
	if err != nil {
		return PacketInfo{}, err
	}
	pkt := gopacket.NewPacket(data, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if el := pkt.ErrorLayer(); el != nil && pkt.NetworkLayer() == nil {
		return PacketInfo{}, errors.Wrap(el.Error(), errors.KindValidation, "malformed ip packet")
	}

	var info PacketInfo
	var src, dst netip.Addr
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		info.Family = engine.FamilyV4
		info.Protocol = uint8(ip.Protocol)
		info.HeaderLen = int(ip.IHL) * 4
		src, dst = toAddr(ip.SrcIP), toAddr(ip.DstIP)
	case *layers.IPv6:
		info.Family = engine.FamilyV6
		info.Protocol = uint8(ip.NextHeader)
		info.HeaderLen = 40
		src, dst = toAddr(ip.SrcIP), toAddr(ip.DstIP)
	default:
		return PacketInfo{}, errors.New(errors.KindValidation, "no network layer")
	}

	var sport, dport uint16
	switch t := pkt.TransportLayer().(type) {
	case *layers.TCP:
		sport, dport = uint16(t.SrcPort), uint16(t.DstPort)
		info.SYN, info.ACK, info.FIN, info.RST = t.SYN, t.ACK, t.FIN, t.RST
		info.HeaderLen += int(t.DataOffset) * 4
		info.Payload = len(t.Payload)
	case *layers.UDP:
		sport, dport = uint16(t.SrcPort), uint16(t.DstPort)
		info.HeaderLen += 8
		info.Payload = len(t.Payload)
	default:
		info.Payload = len(data) - info.HeaderLen
	}
	info.Src = netip.AddrPortFrom(src, sport)
	info.Dst = netip.AddrPortFrom(dst, dport)
	return info, nil
}

// PayloadOf returns the transport payload of a parsed packet, or nil if
// info does not describe data.
func PayloadOf(data []byte, info PacketInfo) []byte {
	end := info.HeaderLen + info.Payload
	if info.Payload <= 0 || info.HeaderLen < 0 || end > len(data) {
		return nil
	}
	return data[info.HeaderLen:end]
}

// FixChecksums recomputes IP and transport checksums and lengths after the
// inspector rewrote a packet.
func FixChecksums(data []byte) ([]byte, error) {
	return rebuild(data, nil, false)
}

// RewritePayload replaces the transport payload of data and fixes lengths
// and checksums. TCP payloads must keep their length because the sequence
// space of the connection is owned by the endpoints.
func RewritePayload(data, payload []byte) ([]byte, error) {
	return rebuild(data, payload, true)
}

func rebuild(data, payload []byte, replace bool) ([]byte, error) {
	first, err := firstLayer(data)
	if err != nil {
		return nil, err
	}
	pkt := gopacket.NewPacket(data, first, gopacket.Default)
	if el := pkt.ErrorLayer(); el != nil {
		return nil, errors.Wrap(el.Error(), errors.KindValidation, "malformed ip packet")
	}

	var out []gopacket.SerializableLayer
	var network gopacket.NetworkLayer
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		out, network = append(out, ip), ip
	case *layers.IPv6:
		out, network = append(out, ip), ip
	default:
		return nil, errors.New(errors.KindValidation, "no network layer")
	}

	switch t := pkt.TransportLayer().(type) {
	case *layers.TCP:
		if err := t.SetNetworkLayerForChecksum(network); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "tcp checksum")
		}
		body := t.Payload
		if replace {
			if len(payload) != len(body) {
				return nil, errors.Errorf(errors.KindValidation,
					"tcp payload length cannot change in place (%d to %d bytes)", len(body), len(payload))
			}
			body = payload
		}
		out = append(out, t, gopacket.Payload(body))
	case *layers.UDP:
		if err := t.SetNetworkLayerForChecksum(network); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "udp checksum")
		}
		body := t.Payload
		if replace {
			body = payload
		}
		out = append(out, t, gopacket.Payload(body))
	default:
		if replace {
			return nil, errors.New(errors.KindValidation, "packet has no tcp or udp payload to replace")
		}
		out = append(out, gopacket.Payload(network.LayerPayload()))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, out...); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "serialize packet")
	}
	return buf.Bytes(), nil
}

// TupleHandle derives a flow handle from a protocol and endpoint pair. The
// handle is the same for both directions of a flow.
func TupleHandle(proto uint8, a, b netip.AddrPort) uint64 {
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	d := xxhash.New()
	d.Write([]byte{proto})
	for _, ap := range []netip.AddrPort{a, b} {
		raw, _ := ap.MarshalBinary()
		d.Write(raw)
	}
	h := d.Sum64()
	if h == 0 {
		h = 1
	}
	return h
}
