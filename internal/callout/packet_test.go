// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package callout

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/pend"
)

var (
	hostAddr = netip.MustParseAddrPort("10.0.0.2:50000")
	webAddr  = netip.MustParseAddrPort("93.184.216.34:443")
)

func segment(t *testing.T, src, dst netip.AddrPort, flags kernel.TCPFlags, payload string) []byte {
	t.Helper()
	data, err := kernel.BuildTCP(src, dst, flags, 1, []byte(payload))
	require.NoError(t, err)
	return data
}

func feed(t *testing.T, h *harness, dir engine.Direction, data []byte) kernel.Verdict {
	t.Helper()
	v, err := h.stack.Feed(dir, data)
	require.NoError(t, err)
	return v
}

func packetHarness(t *testing.T, rules ...engine.Rule) *harness {
	t.Helper()
	h := newHarness(t, rules...)
	h.d.Attach(inspectorPID)
	h.stack.SetHandler(h.d)
	return h
}

func TestPacketSYNEstablishesFlow(t *testing.T) {
	h := packetHarness(t, engine.Rule{Protocol: engine.ProtoTCP, RemotePort: engine.PortRange{From: 443}, Flags: engine.FlagFilter})

	v := feed(t, h, engine.DirectionOut, segment(t, hostAddr, webAddr, kernel.TCPFlags{SYN: true}, ""))
	assert.Equal(t, kernel.VerdictAccept, v)
	assert.Equal(t, []wire.Code{wire.TCPConnected}, h.sink.codes())

	handle := kernel.TupleHandle(engine.ProtoTCP, hostAddr, webAddr)
	c, ok := h.flows.TCP.FindByHandle(handle)
	require.True(t, ok)
	defer c.Release()
	info := c.Info()
	assert.Equal(t, engine.DirectionOut, info.Direction)
	assert.Equal(t, hostAddr, info.Local)
	assert.Equal(t, webAddr, info.Remote)

	v = feed(t, h, engine.DirectionIn, segment(t, webAddr, hostAddr, kernel.TCPFlags{SYN: true, ACK: true}, ""))
	assert.Equal(t, kernel.VerdictAccept, v)
	assert.Equal(t, 1, h.flows.TCP.Count(), "the answer joins the same flow")
}

func TestPacketPayloadIsStreamData(t *testing.T) {
	h := packetHarness(t, engine.Rule{Protocol: engine.ProtoTCP, Flags: engine.FlagFilter})
	feed(t, h, engine.DirectionOut, segment(t, hostAddr, webAddr, kernel.TCPFlags{SYN: true}, ""))
	handle := kernel.TupleHandle(engine.ProtoTCP, hostAddr, webAddr)

	v := feed(t, h, engine.DirectionIn, segment(t, webAddr, hostAddr, kernel.TCPFlags{ACK: true, PSH: true}, "hello"))
	assert.Equal(t, kernel.VerdictHold, v)
	assert.Equal(t, 1, h.stack.Held())

	pkts := h.sink.take()
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte("hello"), pkts[0].Data)
	assert.Equal(t, engine.DirectionIn, pkts[0].Direction)

	c, ok := h.flows.TCP.FindByHandle(handle)
	require.True(t, ok)
	id := c.ID()
	c.Release()

	require.NoError(t, h.d.PostStream(id, engine.DirectionIn, []byte("HELLO")))
	assert.Equal(t, 1, h.d.Injector().RunOnce())
	assert.Zero(t, h.stack.Held())
	inj := h.stack.Injected()
	require.Len(t, inj, 1)
	assert.Equal(t, handle, inj[0].FlowHandle)

	v = feed(t, h, engine.DirectionOut, segment(t, hostAddr, webAddr, kernel.TCPFlags{ACK: true}, ""))
	assert.Equal(t, kernel.VerdictAccept, v, "bare acks carry no data")
}

func TestPacketFINIsDisconnect(t *testing.T) {
	h := packetHarness(t, engine.Rule{Protocol: engine.ProtoTCP, Flags: engine.FlagFilter})
	feed(t, h, engine.DirectionOut, segment(t, hostAddr, webAddr, kernel.TCPFlags{SYN: true}, ""))

	v := feed(t, h, engine.DirectionOut, segment(t, hostAddr, webAddr, kernel.TCPFlags{FIN: true, ACK: true}, ""))
	assert.Equal(t, kernel.VerdictHold, v)
	pkts := h.sink.take()
	require.Len(t, pkts, 1)
	assert.True(t, pkts[0].Disconnect())

	v = feed(t, h, engine.DirectionIn, segment(t, webAddr, hostAddr, kernel.TCPFlags{FIN: true, ACK: true, PSH: true}, "bye"))
	assert.Equal(t, kernel.VerdictHold, v)
	pkts = h.sink.take()
	require.Len(t, pkts, 2, "data then the end of the direction")
	assert.Equal(t, []byte("bye"), pkts[0].Data)
	assert.True(t, pkts[1].Disconnect())
}

func TestPacketMidStreamAdoption(t *testing.T) {
	h := packetHarness(t, engine.Rule{Protocol: engine.ProtoTCP, Flags: engine.FlagFilter})

	v := feed(t, h, engine.DirectionIn, segment(t, webAddr, hostAddr, kernel.TCPFlags{ACK: true}, "late"))
	assert.Equal(t, kernel.VerdictHold, v)
	c, ok := h.flows.TCP.FindByHandle(kernel.TupleHandle(engine.ProtoTCP, hostAddr, webAddr))
	require.True(t, ok)
	assert.Equal(t, engine.DirectionIn, c.Info().Direction)
	c.Release()

	v = feed(t, h, engine.DirectionIn, segment(t, netip.MustParseAddrPort("1.1.1.1:443"), hostAddr, kernel.TCPFlags{RST: true}, ""))
	assert.Equal(t, kernel.VerdictAccept, v)
	assert.Equal(t, 1, h.flows.TCP.Count(), "a reset never creates a flow")
}

func TestPacketBlockedSYN(t *testing.T) {
	h := packetHarness(t, engine.Rule{Protocol: engine.ProtoTCP, RemotePort: engine.PortRange{From: 25}, Flags: engine.FlagBlock})

	smtp := netip.MustParseAddrPort("93.184.216.34:25")
	v := feed(t, h, engine.DirectionOut, segment(t, hostAddr, smtp, kernel.TCPFlags{SYN: true}, ""))
	assert.Equal(t, kernel.VerdictDrop, v)
	assert.Zero(t, h.flows.TCP.Count())

	h.d.Detach()
	v = feed(t, h, engine.DirectionOut, segment(t, hostAddr, smtp, kernel.TCPFlags{SYN: true}, ""))
	assert.Equal(t, kernel.VerdictAccept, v)
}

func TestPacketPendedConnect(t *testing.T) {
	h := packetHarness(t, engine.Rule{Protocol: engine.ProtoTCP, Flags: engine.FlagPendConnect | engine.FlagFilter})

	v := feed(t, h, engine.DirectionOut, segment(t, hostAddr, webAddr, kernel.TCPFlags{SYN: true}, ""))
	require.Equal(t, kernel.VerdictPending, v)
	assert.Equal(t, 1, h.stack.Pending())
	assert.Equal(t, []wire.Code{wire.TCPConnectRequest}, h.sink.codes())

	c, ok := h.flows.TCP.FindByHandle(kernel.TupleHandle(engine.ProtoTCP, hostAddr, webAddr))
	require.True(t, ok)
	id := c.ID()
	c.Release()

	require.NoError(t, h.d.ConnectVerdict(flow.KindTCP, id, wire.ConnectVerdict{Outcome: uint8(pend.OutcomePermit)}))
	require.Eventually(t, func() bool { return h.stack.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []kernel.Verdict{kernel.VerdictAccept}, h.stack.Settled())
	assert.Equal(t, []wire.Code{wire.TCPConnectRequest, wire.TCPConnected}, h.sink.codes())

	other := netip.MustParseAddrPort("93.184.216.34:8443")
	v = feed(t, h, engine.DirectionOut, segment(t, hostAddr, other, kernel.TCPFlags{SYN: true}, ""))
	require.Equal(t, kernel.VerdictPending, v)
	c, ok = h.flows.TCP.FindByHandle(kernel.TupleHandle(engine.ProtoTCP, hostAddr, other))
	require.True(t, ok)
	id = c.ID()
	c.Release()

	require.NoError(t, h.d.ConnectVerdict(flow.KindTCP, id, wire.ConnectVerdict{Outcome: uint8(pend.OutcomeBlock)}))
	require.Eventually(t, func() bool { return h.stack.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []kernel.Verdict{kernel.VerdictAccept, kernel.VerdictDrop}, h.stack.Settled())
	_, ok = h.flows.TCP.FindByHandle(kernel.TupleHandle(engine.ProtoTCP, hostAddr, other))
	assert.False(t, ok, "a refused connect closes its flow")
}

func TestPacketUDPIsTransportData(t *testing.T) {
	h := packetHarness(t, engine.Rule{Protocol: engine.ProtoUDP, Flags: engine.FlagFilter})

	local := netip.MustParseAddrPort("10.0.0.2:5353")
	peer := netip.MustParseAddrPort("8.8.8.8:53")
	query, err := kernel.BuildUDP(local, peer, []byte("query"))
	require.NoError(t, err)

	v := feed(t, h, engine.DirectionOut, query)
	assert.Equal(t, kernel.VerdictHold, v)
	assert.Equal(t, []wire.Code{wire.UDPCreated}, h.sink.codes())

	pkts := h.sink.take()
	require.Len(t, pkts, 1)
	assert.Equal(t, peer, pkts[0].Remote)
	assert.Equal(t, []byte("query"), pkts[0].Data)

	handle := kernel.TupleHandle(engine.ProtoUDP, local, peer)
	c, ok := h.flows.UDP.FindByHandle(handle)
	require.True(t, ok)
	id := c.ID()
	c.Release()

	require.NoError(t, h.d.PostDatagram(id, engine.DirectionOut, wire.DatagramHeader{Remote: peer}, []byte("query")))
	h.d.Injector().RunOnce()
	assert.Zero(t, h.stack.Held())
	inj := h.stack.Injected()
	require.Len(t, inj, 1)
	assert.Equal(t, kernel.LayerDatagram, inj[0].Layer)
	assert.Equal(t, handle, inj[0].FlowHandle)
}
