// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
)

func buildTCP(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func buildUDP(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestParsePacketTCP(t *testing.T) {
	data := buildTCP(t, "10.0.0.1", "93.184.216.34", 40000, 443, []byte("hello"))

	info, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, engine.FamilyV4, info.Family)
	assert.Equal(t, engine.ProtoTCP, info.Protocol)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:40000"), info.Src)
	assert.Equal(t, netip.MustParseAddrPort("93.184.216.34:443"), info.Dst)
	assert.True(t, info.SYN)
	assert.Equal(t, 5, info.Payload)
	assert.Equal(t, 40, info.HeaderLen)

	local, remote := info.Tuple(engine.DirectionIn)
	assert.Equal(t, info.Dst, local)
	assert.Equal(t, info.Src, remote)
}

func TestParsePacketRejectsGarbage(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = ParsePacket([]byte{0x20, 0x00})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestFixChecksumsAfterRewrite(t *testing.T) {
	data := buildUDP(t, "10.0.0.1", "10.0.0.2", 5353, 53, []byte("query"))

	// Rewrite the payload in place, invalidating the UDP checksum.
	data[len(data)-1] = 'Z'
	fixed, err := FixChecksums(data)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(fixed, layers.LayerTypeIPv4, gopacket.Default)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, []byte("querZ"), udp.Payload)
	assert.Equal(t, len(fixed), len(data))

	// Re-serialising the fixed packet must not change it.
	again, err := FixChecksums(fixed)
	require.NoError(t, err)
	assert.Equal(t, fixed, again)
}

func TestTupleHandleSymmetric(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:1234")
	b := netip.MustParseAddrPort("10.0.0.2:80")

	assert.Equal(t, TupleHandle(6, a, b), TupleHandle(6, b, a))
	assert.NotEqual(t, TupleHandle(6, a, b), TupleHandle(17, a, b))
	assert.NotZero(t, TupleHandle(6, a, b))
}

func TestSimStackInjectInline(t *testing.T) {
	s := NewSimStack(clock.NewMockClock(time.Unix(1000, 0)))

	var got []error
	err := s.Inject(Injection{Layer: LayerStream, FlowHandle: 7, Data: []byte("abc")}, func(err error) {
		got = append(got, err)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NoError(t, got[0])

	inj := s.Injected()
	require.Len(t, inj, 1)
	assert.Equal(t, uint64(7), inj[0].FlowHandle)
	assert.Equal(t, 3, inj[0].Len())
	assert.Equal(t, uint64(1), s.Counters()["injected_stream"])
}

func TestSimStackAsyncAndFailures(t *testing.T) {
	s := NewSimStack(nil)
	s.SetAsync(true)
	s.FailNext(assert.AnError)

	var got []error
	done := func(err error) { got = append(got, err) }
	require.NoError(t, s.Inject(Injection{Layer: LayerDatagram, Data: []byte("a")}, done))
	require.NoError(t, s.Inject(Injection{Layer: LayerDatagram, Data: []byte("b")}, done))
	assert.Empty(t, got)
	assert.Equal(t, 2, s.Parked())

	assert.Equal(t, 1, s.Complete(1))
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], assert.AnError)

	assert.Equal(t, 1, s.Complete(-1))
	require.Len(t, got, 2)
	assert.NoError(t, got[1])

	s.Refuse(assert.AnError)
	err := s.Inject(Injection{Layer: LayerDatagram}, done)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, got, 2)
}

type absorbAll struct{ seen []IPPacket }

func (a *absorbAll) ClassifyPacket(p IPPacket, _ func(Verdict)) Verdict {
	a.seen = append(a.seen, p)
	return VerdictAbsorb
}

// fixedHandler returns verdict for every packet. Pending verdicts are
// handed to resolves for the test to settle.
type fixedHandler struct {
	verdict  Verdict
	seen     []IPPacket
	resolves []func(Verdict)
}

func (f *fixedHandler) ClassifyPacket(p IPPacket, resolve func(Verdict)) Verdict {
	f.seen = append(f.seen, p)
	if f.verdict == VerdictPending {
		f.resolves = append(f.resolves, resolve)
	}
	return f.verdict
}

func TestSimStackFeedHoldsAbsorbed(t *testing.T) {
	s := NewSimStack(nil)
	h := &absorbAll{}
	s.SetHandler(h)

	data := buildTCP(t, "10.0.0.1", "10.0.0.2", 1000, 22, nil)
	v, err := s.Feed(engine.DirectionOut, data)
	require.NoError(t, err)
	assert.Equal(t, VerdictAbsorb, v)
	assert.Equal(t, 1, s.Held())
	require.Len(t, h.seen, 1)

	id := h.seen[0].StackID
	require.NoError(t, s.Inject(Injection{Layer: LayerIP, StackID: id, Data: data}, func(error) {}))
	assert.Equal(t, 0, s.Held())

	err = s.Inject(Injection{Layer: LayerIP, StackID: id, Data: data}, func(error) {})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestSimStackFeedCarriesFlowHandle(t *testing.T) {
	s := NewSimStack(nil)
	h := &fixedHandler{verdict: VerdictAccept}
	s.SetHandler(h)

	out := buildTCP(t, "10.0.0.1", "10.0.0.2", 1000, 22, nil)
	in := buildTCP(t, "10.0.0.2", "10.0.0.1", 22, 1000, nil)
	_, err := s.Feed(engine.DirectionOut, out)
	require.NoError(t, err)
	_, err = s.Feed(engine.DirectionIn, in)
	require.NoError(t, err)

	require.Len(t, h.seen, 2)
	assert.NotZero(t, h.seen[0].FlowHandle)
	assert.Equal(t, h.seen[0].FlowHandle, h.seen[1].FlowHandle)
}

func TestSimStackHeldPacketsCompleteByFlow(t *testing.T) {
	s := NewSimStack(nil)
	h := &fixedHandler{verdict: VerdictHold}
	s.SetHandler(h)

	first := buildTCP(t, "10.0.0.1", "10.0.0.2", 1000, 80, []byte("GET "))
	second := buildTCP(t, "10.0.0.1", "10.0.0.2", 1000, 80, []byte("/ HTTP/1.1"))
	for _, data := range [][]byte{first, second} {
		v, err := s.Feed(engine.DirectionOut, data)
		require.NoError(t, err)
		assert.Equal(t, VerdictHold, v)
	}
	assert.Equal(t, 2, s.Held())
	handle := h.seen[0].FlowHandle

	require.NoError(t, s.Inject(Injection{Layer: LayerStream, FlowHandle: handle, Direction: engine.DirectionIn, Data: []byte("x")}, func(error) {}))
	assert.Equal(t, 2, s.Held(), "other direction keeps its packets")

	require.NoError(t, s.Inject(Injection{Layer: LayerStream, FlowHandle: handle, Direction: engine.DirectionOut, Data: []byte("GET ")}, func(error) {}))
	assert.Equal(t, 1, s.Held())

	s.Forget(handle)
	assert.Equal(t, 0, s.Held())
	assert.Equal(t, uint64(1), s.Counters()["held_forgotten"])
}

func TestSimStackPendingVerdicts(t *testing.T) {
	s := NewSimStack(nil)
	h := &fixedHandler{verdict: VerdictPending}
	s.SetHandler(h)

	v, err := s.Feed(engine.DirectionOut, buildTCP(t, "10.0.0.1", "10.0.0.2", 1000, 443, nil))
	require.NoError(t, err)
	assert.Equal(t, VerdictPending, v)
	assert.Equal(t, 1, s.Pending())

	require.Len(t, h.resolves, 1)
	h.resolves[0](VerdictDrop)
	h.resolves[0](VerdictAccept)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, []Verdict{VerdictDrop}, s.Settled(), "only the first resolution counts")
}

func TestBuildPackets(t *testing.T) {
	src := netip.MustParseAddrPort("10.0.0.1:40000")
	dst := netip.MustParseAddrPort("93.184.216.34:443")

	data, err := BuildTCP(src, dst, TCPFlags{SYN: true}, 7, nil)
	require.NoError(t, err)
	info, err := ParsePacket(data)
	require.NoError(t, err)
	assert.True(t, info.SYN)
	assert.False(t, info.ACK)
	assert.Equal(t, src, info.Src)
	assert.Equal(t, dst, info.Dst)

	data, err = BuildUDP(netip.MustParseAddrPort("[fd00::1]:5353"), netip.MustParseAddrPort("[fd00::2]:53"), []byte("query"))
	require.NoError(t, err)
	info, err = ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, engine.FamilyV6, info.Family)
	assert.Equal(t, []byte("query"), PayloadOf(data, info))

	_, err = BuildUDP(src, netip.MustParseAddrPort("[fd00::2]:53"), nil)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestRewritePayload(t *testing.T) {
	tcp := buildTCP(t, "10.0.0.1", "10.0.0.2", 1000, 80, []byte("abcd"))
	out, err := RewritePayload(tcp, []byte("wxyz"))
	require.NoError(t, err)
	info, err := ParsePacket(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("wxyz"), PayloadOf(out, info))

	_, err = RewritePayload(tcp, []byte("longer"))
	assert.True(t, errors.IsKind(err, errors.KindValidation), "tcp payload length is fixed")

	udp := buildUDP(t, "10.0.0.1", "10.0.0.2", 5000, 53, []byte("ab"))
	out, err = RewritePayload(udp, []byte("longer"))
	require.NoError(t, err)
	info, err = ParsePacket(out)
	require.NoError(t, err)
	assert.Equal(t, 6, info.Payload)
}

func TestSimStackAbort(t *testing.T) {
	s := NewSimStack(nil)
	require.NoError(t, s.AbortFlow(42))
	assert.Error(t, s.AbortFlow(0))
	assert.Equal(t, []uint64{42}, s.Aborted())

	s.Reset()
	assert.Empty(t, s.Aborted())
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{100: `C:\apps\badapp.exe`}

	name, err := r.ImagePath(100)
	require.NoError(t, err)
	assert.Equal(t, `C:\apps\badapp.exe`, name)

	_, err = r.ImagePath(7)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestPSResolverRejectsZero(t *testing.T) {
	_, err := NewPSResolver(nil, time.Second).ImagePath(0)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}
