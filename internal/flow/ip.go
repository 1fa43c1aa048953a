// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/slotlist"
)

// IPContext is the single queue shared by every IP-layer event. It has no
// per-flow identity and is never freed, so reference operations are
// no-ops.
type IPContext struct {
	clock clock.Clock
	max   int

	mu             sync.Mutex
	pending        *slotlist.List[*Packet]
	inject         *slotlist.List[*Packet]
	deliveryQueued bool
	injectQueued   bool
	lastIO         time.Time
	delivered      uint64
	injected       uint64
}

// NewIPContext creates the IP queue. max bounds the pending queue; zero
// means unbounded.
func NewIPContext(clk clock.Clock, max int) *IPContext {
	if clk == nil {
		clk = clock.Real{}
	}
	return &IPContext{
		clock:   clk,
		max:     max,
		pending: slotlist.New[*Packet](16),
		inject:  slotlist.New[*Packet](16),
	}
}

func (c *IPContext) ID() uint64            { return 0 }
func (c *IPContext) Kind() Kind            { return KindIP }
func (c *IPContext) Info() engine.FlowInfo { return engine.FlowInfo{} }
func (c *IPContext) FlowHandle() uint64    { return 0 }
func (c *IPContext) AddRef()               {}
func (c *IPContext) Release()              {}
func (c *IPContext) FlowControl() uint64   { return 0 }

// LastIO returns the time of the last queued or injected packet.
func (c *IPContext) LastIO() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIO
}

// Pend queues an absorbed IP packet for the inspector.
func (c *IPContext) Pend(p *Packet) (schedule bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && c.pending.Len() >= c.max {
		return false, errors.Attr(errors.New(errors.KindExhausted, "ip queue full"), "max", c.max)
	}
	c.pending.PushBack(p)
	c.lastIO = c.clock.Now()
	if !c.deliveryQueued {
		c.deliveryQueued = true
		return true, nil
	}
	return false, nil
}

func (c *IPContext) PeekPending() (*Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, p, ok := c.pending.Front()
	return p, ok
}

func (c *IPContext) PopPending() (*Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending.PopFront()
	if ok {
		c.delivered++
	}
	return p, ok
}

func (c *IPContext) FinishDelivery() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending.Len() == 0 {
		c.deliveryQueued = false
		return false
	}
	return true
}

// Post queues a packet from the inspector for injection.
func (c *IPContext) Post(p *Packet) (schedule bool, err error) {
	if len(p.Data) == 0 {
		return false, errors.New(errors.KindValidation, "empty ip packet")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inject.PushBack(p)
	if !c.injectQueued {
		c.injectQueued = true
		return true, nil
	}
	return false, nil
}

func (c *IPContext) NextInject() (*Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inject.PopFront()
}

func (c *IPContext) Requeue(p *Packet) {
	c.mu.Lock()
	c.inject.PushFront(p)
	c.mu.Unlock()
}

func (c *IPContext) InjectDone(_ *Packet, err error) {
	if err != nil {
		return
	}
	c.mu.Lock()
	c.injected++
	c.lastIO = c.clock.Now()
	c.mu.Unlock()
}

func (c *IPContext) FinishInject() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inject.Len() == 0 {
		c.injectQueued = false
		return false
	}
	return true
}

// Passthrough moves undelivered packets to the inject queue.
func (c *IPContext) Passthrough() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending.Drain() {
		c.inject.PushBack(p)
	}
	c.deliveryQueued = false
	if c.inject.Len() > 0 && !c.injectQueued {
		c.injectQueued = true
		return true
	}
	return false
}

// Len returns the pending and inject queue lengths.
func (c *IPContext) Len() (pending, inject int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len(), c.inject.Len()
}

// Drain discards everything queued.
func (c *IPContext) Drain() {
	c.mu.Lock()
	c.pending.Drain()
	c.inject.Drain()
	c.deliveryQueued = false
	c.injectQueued = false
	c.mu.Unlock()
}
