// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"sync"

	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/slotlist"
)

// Entry is one outbound queue element. Delivery entries own a reference
// on Ctx and serialize whatever the context has pending when the pump
// reaches them; notification entries carry an inline payload.
type Entry struct {
	Code    wire.Code
	ID      uint64
	Ctx     flow.Context
	Payload []byte
}

// EventQueue is the outbound queue feeding the inspector.
type EventQueue struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	max     int

	mu      sync.Mutex
	list    *slotlist.List[*Entry]
	closed  bool
	dropped uint64

	ready chan struct{}
}

// NewEventQueue creates a queue holding at most max entries. Zero means
// unbounded.
func NewEventQueue(max int, m *metrics.Metrics, logger *logging.Logger) *EventQueue {
	if logger == nil {
		logger = logging.WithComponent("events")
	}
	return &EventQueue{
		logger:  logger,
		metrics: m,
		max:     max,
		list:    slotlist.New[*Entry](256),
		ready:   make(chan struct{}, 1),
	}
}

// Ready is signalled whenever an entry is pushed.
func (q *EventQueue) Ready() <-chan struct{} { return q.ready }

func (q *EventQueue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Push appends e. It returns false when the queue is closed or full; the
// caller keeps ownership of e.Ctx in that case.
func (q *EventQueue) Push(e *Entry) bool {
	q.mu.Lock()
	if q.closed || (q.max > 0 && q.list.Len() >= q.max) {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.list.PushBack(e)
	n := q.list.Len()
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.EventQueue.Set(float64(n))
	}
	q.wake()
	return true
}

// Deliver queues a delivery entry for c, taking a reference.
func (q *EventQueue) Deliver(c flow.Context) bool {
	c.AddRef()
	if !q.Push(&Entry{ID: c.ID(), Ctx: c}) {
		c.Release()
		return false
	}
	return true
}

// Notify queues an event with an inline payload.
func (q *EventQueue) Notify(code wire.Code, id uint64, payload []byte) bool {
	return q.Push(&Entry{Code: code, ID: id, Payload: payload})
}

// Len returns the number of queued entries.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}

// Dropped returns how many pushes were refused.
func (q *EventQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Open re-enables a queue closed by Close.
func (q *EventQueue) Open() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// Close refuses further pushes and drops everything queued.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Drain()
}

// Drain drops every queued entry, releasing owned references. Contexts
// are expected to have been passed through or closed first.
func (q *EventQueue) Drain() int {
	q.mu.Lock()
	list := q.list.Drain()
	q.mu.Unlock()

	for _, e := range list {
		if e.Ctx != nil {
			e.Ctx.Release()
		}
	}
	if q.metrics != nil {
		q.metrics.EventQueue.Set(0)
	}
	return len(list)
}

// packetRecord frames a pending packet of c.
func packetRecord(c flow.Context, p *flow.Packet) wire.Record {
	in := p.Direction == engine.DirectionIn
	switch c.Kind() {
	case flow.KindTCP:
		code := wire.TCPSend
		if in {
			code = wire.TCPReceive
		}
		return wire.Record{Code: code, ID: c.ID(), Payload: p.Data}
	case flow.KindUDP:
		code := wire.UDPSend
		if in {
			code = wire.UDPReceive
		}
		h := wire.DatagramHeader{Remote: p.Remote, InterfaceIndex: p.InterfaceIndex, Options: p.Options}
		return wire.Record{Code: code, ID: c.ID(), Payload: wire.AppendDatagram(nil, h, p.Data)}
	}
	code := wire.IPSend
	if in {
		code = wire.IPReceive
	}
	return wire.Record{Code: code, ID: p.StackID, Payload: wire.AppendIPPacket(nil, p.InterfaceIndex, p.Data)}
}

// Fill serializes queued entries into dst until it is full or the queue
// is empty and returns the bytes written. Records never straddle the end
// of dst; a record too large for an empty dst is dropped.
func (q *EventQueue) Fill(dst []byte) int {
	q.mu.Lock()
	defer func() {
		n := q.list.Len()
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.EventQueue.Set(float64(n))
		}
	}()

	n := 0
	for {
		_, e, ok := q.list.Front()
		if !ok {
			return n
		}
		if e.Ctx == nil {
			r := wire.Record{Code: e.Code, ID: e.ID, Payload: e.Payload}
			if r.Size() > len(dst)-n {
				if r.Size() <= len(dst) {
					return n
				}
				q.logger.Warn("event larger than the outbound region, dropped", "code", e.Code.String(), "id", e.ID)
			} else if w, err := wire.EncodeRecord(dst[n:], r); err != nil {
				q.logger.Warn("event cannot be encoded, dropped", "code", e.Code.String(), "id", e.ID, "error", err)
			} else {
				n += w
				q.metrics.RecordOut(e.Code.String())
			}
			q.list.PopFront()
			continue
		}

		full := false
		for {
			p, ok := e.Ctx.PeekPending()
			if !ok {
				break
			}
			r := packetRecord(e.Ctx, p)
			if r.Size() > len(dst)-n {
				if r.Size() <= len(dst) {
					full = true
					break
				}
				q.logger.Warn("packet larger than the outbound region, dropped",
					"code", r.Code.String(), "id", r.ID, "bytes", p.Len())
				e.Ctx.PopPending()
				continue
			}
			w, err := wire.EncodeRecord(dst[n:], r)
			e.Ctx.PopPending()
			if err != nil {
				q.logger.Warn("packet cannot be encoded, dropped",
					"code", r.Code.String(), "id", r.ID, "bytes", p.Len(), "error", err)
				continue
			}
			n += w
			q.metrics.RecordOut(r.Code.String())
		}
		if full {
			return n
		}
		if e.Ctx.FinishDelivery() {
			// More arrived while serializing; the entry stays at the front.
			continue
		}
		q.list.PopFront()
		e.Ctx.Release()
	}
}
