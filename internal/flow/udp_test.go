// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
)

func udpInfo() engine.FlowInfo {
	return engine.FlowInfo{
		ProcessID: 7,
		Protocol:  engine.ProtoUDP,
		Family:    engine.FamilyV4,
		Local:     netip.MustParseAddrPort("10.0.0.2:5353"),
	}
}

func TestUDPFindOrCreate(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	fr := &fatalRecorder{}
	tbl := NewUDPTable(DefaultConfig(), clk, testLogger(), fr.record)

	c, created, err := tbl.FindOrCreate(0x10, udpInfo())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int32(2), c.Refs(), "table reference plus caller reference")

	again, created, err := tbl.FindOrCreate(0x10, udpInfo())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, c, again)

	again.Release()
	c.Release()
	assert.Equal(t, 1, tbl.Count())

	tbl.Close(c)
	assert.Equal(t, 0, tbl.Count())
	assert.Zero(t, fr.count())
}

func TestUDPSeparateQueues(t *testing.T) {
	tbl := NewUDPTable(DefaultConfig(), nil, testLogger(), nil)
	c, _, err := tbl.FindOrCreate(1, udpInfo())
	require.NoError(t, err)
	defer c.Release()

	remote := netip.MustParseAddrPort("10.0.0.1:53")
	schedule, err := c.Pend(&Packet{Direction: engine.DirectionIn, Data: []byte("answer"), Remote: remote})
	require.NoError(t, err)
	assert.True(t, schedule)
	_, _ = c.Pend(&Packet{Direction: engine.DirectionOut, Data: []byte("query"), Remote: remote, Options: []byte{1, 2}})

	st := c.Stats()
	assert.Equal(t, 1, st.PendingIn)
	assert.Equal(t, 1, st.PendingOut)

	p, _ := c.PopPending()
	assert.Equal(t, "query", string(p.Data), "sends drain first")
	assert.Equal(t, []byte{1, 2}, p.Options)
	p, _ = c.PopPending()
	assert.Equal(t, "answer", string(p.Data))
	assert.False(t, c.FinishDelivery())

	_, err = c.Post(&Packet{Direction: engine.DirectionOut, Data: []byte("q")})
	assert.Equal(t, errors.KindValidation, errors.GetKind(err), "datagram needs a remote address")

	schedule, err = c.Post(&Packet{Direction: engine.DirectionOut, Data: []byte("q"), Remote: remote})
	require.NoError(t, err)
	assert.True(t, schedule)
	p, ok := c.NextInject()
	require.True(t, ok)
	c.InjectDone(p, nil)
	assert.Equal(t, uint64(1), c.Stats().InjectedOut)
}

func TestUDPCleanupIdle(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	tbl := NewUDPTable(DefaultConfig(), clk, testLogger(), nil)

	quiet, _, _ := tbl.FindOrCreate(1, udpInfo())
	quiet.Release()
	busy, _, _ := tbl.FindOrCreate(2, udpInfo())
	busy.Release()

	clk.Advance(4 * time.Minute)
	busy.Touch()
	clk.Advance(2 * time.Minute)

	assert.Equal(t, 1, tbl.Cleanup(5*time.Minute))
	assert.Equal(t, 1, tbl.Count())
	_, ok := tbl.FindByHandle(1)
	assert.False(t, ok)
	c, ok := tbl.FindByHandle(2)
	require.True(t, ok)
	c.Release()
}

func TestUDPExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUDP = 1
	tbl := NewUDPTable(cfg, nil, testLogger(), nil)
	c, _, err := tbl.FindOrCreate(1, udpInfo())
	require.NoError(t, err)
	c.Release()

	_, _, err = tbl.FindOrCreate(2, udpInfo())
	assert.Equal(t, errors.KindExhausted, errors.GetKind(err))
}

func TestIPContext(t *testing.T) {
	ip := NewIPContext(nil, 2)
	schedule, err := ip.Pend(&Packet{Direction: engine.DirectionIn, Data: []byte{0x45}})
	require.NoError(t, err)
	assert.True(t, schedule)
	_, err = ip.Pend(&Packet{Direction: engine.DirectionIn, Data: []byte{0x45}})
	require.NoError(t, err)
	_, err = ip.Pend(&Packet{Direction: engine.DirectionIn, Data: []byte{0x45}})
	assert.Equal(t, errors.KindExhausted, errors.GetKind(err))

	pending, _ := ip.Len()
	assert.Equal(t, 2, pending)

	_, err = ip.Post(&Packet{})
	assert.Error(t, err)

	assert.True(t, ip.Passthrough())
	_, inject := ip.Len()
	assert.Equal(t, 2, inject)

	ip.Drain()
	pending, inject = ip.Len()
	assert.Zero(t, pending+inject)
	assert.Zero(t, ip.ID())
}

func TestManagerDetachAndCloseAll(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, testLogger(), nil)
	tc, err := m.TCP.New(sampleInfo(), 1)
	require.NoError(t, err)
	tc.SetFlowControl(9)
	uc, _, err := m.UDP.FindOrCreate(1, udpInfo())
	require.NoError(t, err)
	uc.SetFlowControl(9)

	m.DetachFlowControl(9)
	assert.Zero(t, tc.FlowControl())
	assert.Zero(t, uc.FlowControl())
	assert.Len(t, m.Snapshot(), 2)

	uc.Release()
	m.CloseAll()
	assert.Zero(t, m.TCP.Count())
	assert.Zero(t, m.UDP.Count())
}
