// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flowguard/internal/errors"
)

// TCPFlags selects the control bits of a segment built by BuildTCP.
type TCPFlags struct {
	SYN, ACK, FIN, RST, PSH bool
}

// BuildTCP serializes a TCP segment from src to dst with valid lengths
// and checksums. Both endpoints must be of the same family.
func BuildTCP(src, dst netip.AddrPort, flags TCPFlags, seq uint32, payload []byte) ([]byte, error) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     seq,
		SYN:     flags.SYN,
		ACK:     flags.ACK,
		FIN:     flags.FIN,
		RST:     flags.RST,
		PSH:     flags.PSH,
		Window:  65535,
	}
	return serialize(src, dst, layers.IPProtocolTCP, tcp, payload)
}

// BuildUDP serializes a UDP datagram from src to dst.
func BuildUDP(src, dst netip.AddrPort, payload []byte) ([]byte, error) {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	return serialize(src, dst, layers.IPProtocolUDP, udp, payload)
}

type transportLayer interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

func serialize(src, dst netip.AddrPort, proto layers.IPProtocol, tl transportLayer, payload []byte) ([]byte, error) {
	s, d := src.Addr().Unmap(), dst.Addr().Unmap()
	if s.Is4() != d.Is4() {
		return nil, errors.Errorf(errors.KindValidation, "address family mismatch: %s -> %s", src, dst)
	}

	var network gopacket.NetworkLayer
	var ip gopacket.SerializableLayer
	if s.Is4() {
		v4 := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: proto,
			SrcIP:    s.AsSlice(),
			DstIP:    d.AsSlice(),
		}
		network, ip = v4, v4
	} else {
		v6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      s.AsSlice(),
			DstIP:      d.AsSlice(),
		}
		network, ip = v6, v6
	}
	if err := tl.SetNetworkLayerForChecksum(network); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "transport checksum")
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tl, gopacket.Payload(payload)); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "serialize packet")
	}
	return buf.Bytes(), nil
}
