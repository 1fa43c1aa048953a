// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError})
}

func newTCPFlow(t *testing.T) (*flow.Manager, *flow.TCPContext) {
	t.Helper()
	m := flow.NewManager(flow.DefaultConfig(), clock.NewMockClock(time.Unix(1_700_000_000, 0)), quietLogger(), func(err error) {
		t.Errorf("invariant violation: %v", err)
	})
	c, err := m.TCP.New(engine.FlowInfo{
		ProcessID: 1,
		Protocol:  engine.ProtoTCP,
		Family:    engine.FamilyV4,
		Direction: engine.DirectionOut,
		Local:     netip.MustParseAddrPort("10.0.0.2:50000"),
		Remote:    netip.MustParseAddrPort("93.184.216.34:443"),
	}, 7)
	require.NoError(t, err)
	c.SetFilteringFlags(engine.FlagFilter)
	t.Cleanup(func() { m.TCP.Close(c) })
	return m, c
}

func pendData(t *testing.T, c *flow.TCPContext, dir engine.Direction, data string) {
	t.Helper()
	_, err := c.Pend(&flow.Packet{Direction: dir, Data: []byte(data)})
	require.NoError(t, err)
}

func TestFillFramesEventsAndPackets(t *testing.T) {
	_, c := newTCPFlow(t)
	q := NewEventQueue(0, nil, quietLogger())

	require.True(t, q.Notify(wire.TCPConnected, c.ID(), []byte{1, 2, 3}))
	pendData(t, c, engine.DirectionOut, "hello")
	pendData(t, c, engine.DirectionIn, "world")
	require.True(t, q.Deliver(c))
	assert.Equal(t, 2, q.Len())

	buf := make([]byte, 4096)
	n := q.Fill(buf)
	recs, err := DecodeRecords(buf[:n])
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, wire.TCPConnected, recs[0].Code)
	assert.Equal(t, []byte{1, 2, 3}, recs[0].Payload)
	assert.Equal(t, wire.TCPSend, recs[1].Code)
	assert.Equal(t, c.ID(), recs[1].ID)
	assert.Equal(t, []byte("hello"), recs[1].Payload)
	assert.Equal(t, wire.TCPReceive, recs[2].Code)
	assert.Equal(t, []byte("world"), recs[2].Payload)

	assert.Zero(t, q.Len())
	assert.Zero(t, q.Fill(buf))
}

func TestFillStopsAtRecordBoundary(t *testing.T) {
	_, c := newTCPFlow(t)
	q := NewEventQueue(0, nil, quietLogger())

	pendData(t, c, engine.DirectionOut, "first")
	pendData(t, c, engine.DirectionOut, "second")
	require.True(t, q.Deliver(c))

	// Room for the first record plus a few bytes, never the second.
	buf := make([]byte, wire.HeaderSize+len("first")+wire.HeaderSize)
	n := q.Fill(buf)
	assert.Equal(t, wire.HeaderSize+len("first"), n)
	assert.Equal(t, 1, q.Len(), "entry stays queued with data left")

	n = q.Fill(buf)
	recs, err := DecodeRecords(buf[:n])
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("second"), recs[0].Payload)
	assert.Zero(t, q.Len())
}

func TestFillDropsOversizedEvent(t *testing.T) {
	q := NewEventQueue(0, nil, quietLogger())
	require.True(t, q.Notify(wire.TCPClosed, 1, make([]byte, 100)))
	require.True(t, q.Notify(wire.TCPClosed, 2, nil))

	buf := make([]byte, 64)
	n := q.Fill(buf)
	recs, err := DecodeRecords(buf[:n])
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].ID)
	assert.Zero(t, q.Len())
}

func TestFillDropsUnencodableRecords(t *testing.T) {
	var logs bytes.Buffer
	q := NewEventQueue(0, nil, logging.New(logging.Config{Level: logging.LevelWarn, Output: &logs}))
	require.True(t, q.Notify(wire.TCPClosed, 1, make([]byte, wire.MaxPayload+1)))
	require.True(t, q.Notify(wire.TCPClosed, 2, nil))

	buf := make([]byte, wire.MaxPayload+2*wire.HeaderSize)
	n := q.Fill(buf)
	recs, err := DecodeRecords(buf[:n])
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].ID)
	assert.Zero(t, q.Len())
	assert.Contains(t, logs.String(), "event cannot be encoded")
}

func TestFillDropsUnencodablePacket(t *testing.T) {
	_, c := newTCPFlow(t)
	var logs bytes.Buffer
	q := NewEventQueue(0, nil, logging.New(logging.Config{Level: logging.LevelWarn, Output: &logs}))

	_, err := c.Pend(&flow.Packet{Direction: engine.DirectionOut, Data: make([]byte, wire.MaxPayload+1)})
	require.NoError(t, err)
	pendData(t, c, engine.DirectionOut, "after")
	require.True(t, q.Deliver(c))

	buf := make([]byte, wire.MaxPayload+2*wire.HeaderSize)
	n := q.Fill(buf)
	recs, err := DecodeRecords(buf[:n])
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("after"), recs[0].Payload)
	assert.Contains(t, logs.String(), "packet cannot be encoded")
}

func TestQueueBoundAndClose(t *testing.T) {
	_, c := newTCPFlow(t)
	q := NewEventQueue(1, nil, quietLogger())

	assert.True(t, q.Notify(wire.TCPConnected, 1, nil))
	assert.False(t, q.Notify(wire.TCPConnected, 2, nil))
	assert.Equal(t, uint64(1), q.Dropped())

	q.Close()
	assert.Zero(t, q.Len())
	assert.False(t, q.Deliver(c))
	assert.Equal(t, uint64(2), q.Dropped())

	q.Open()
	assert.True(t, q.Notify(wire.TCPConnected, 3, nil))
	select {
	case <-q.Ready():
	default:
		t.Fatal("push did not signal readiness")
	}
}

func TestDrainReleasesDeliveries(t *testing.T) {
	_, c := newTCPFlow(t)
	q := NewEventQueue(0, nil, quietLogger())

	pendData(t, c, engine.DirectionOut, "x")
	require.True(t, q.Deliver(c))
	require.True(t, q.Notify(wire.TCPClosed, c.ID(), nil))

	c.Passthrough()
	assert.Equal(t, 2, q.Drain())
	assert.Zero(t, q.Len())
}
