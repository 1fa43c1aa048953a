// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/slotlist"
)

// UDPContext is the per-socket state of a filtered UDP endpoint. Sends
// and receives are queued separately because each datagram carries its
// own remote address and options.
type UDPContext struct {
	flowCore
	table *UDPTable

	sendPending *slotlist.List[*Packet]
	recvPending *slotlist.List[*Packet]
}

// Kind returns KindUDP.
func (c *UDPContext) Kind() Kind { return KindUDP }

// Release drops one reference, freeing the context at zero.
func (c *UDPContext) Release() {
	switch n := c.refs.Add(-1); {
	case n == 0:
		c.table.destroy(c)
	case n < 0:
		c.fail(releaseBelowZero(KindUDP, c.id))
	}
}

func (c *UDPContext) queue(dir engine.Direction) *slotlist.List[*Packet] {
	if dir == engine.DirectionOut {
		return c.sendPending
	}
	return c.recvPending
}

// Pend queues a datagram for the inspector.
func (c *UDPContext) Pend(p *Packet) (schedule bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, errors.Attr(errors.New(errors.KindConflict, "udp endpoint is closed"), "id", c.id)
	}
	c.queue(p.Direction).PushBack(p)
	if c.state < StateFiltering {
		c.state = StateFiltering
	}
	c.lastIO = c.clock.Now()
	if !c.deliveryQueued && !c.suspended {
		c.deliveryQueued = true
		return true, nil
	}
	return false, nil
}

// PeekPending returns the next datagram to deliver, sends first.
func (c *UDPContext) PeekPending() (*Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return nil, false
	}
	if _, p, ok := c.sendPending.Front(); ok {
		return p, true
	}
	_, p, ok := c.recvPending.Front()
	return p, ok
}

// PopPending removes the datagram returned by PeekPending.
func (c *UDPContext) PopPending() (*Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.sendPending.PopFront()
	if !ok {
		p, ok = c.recvPending.PopFront()
	}
	if ok {
		c.delivered[p.Direction] += uint64(p.Len())
	}
	return p, ok
}

// FinishDelivery releases the delivery claim unless datagrams remain.
func (c *UDPContext) FinishDelivery() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended || c.sendPending.Len()+c.recvPending.Len() == 0 {
		c.deliveryQueued = false
		return false
	}
	return true
}

// Post queues a datagram from the inspector for injection.
func (c *UDPContext) Post(p *Packet) (schedule bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, errors.Attr(errors.New(errors.KindConflict, "udp endpoint is closed"), "id", c.id)
	}
	if p.Direction != engine.DirectionIn && p.Direction != engine.DirectionOut {
		return false, errors.Errorf(errors.KindValidation, "invalid direction %d", p.Direction)
	}
	if !p.Remote.IsValid() {
		return false, errors.New(errors.KindValidation, "datagram has no remote address")
	}
	c.inject.PushBack(p)
	if !c.injectQueued {
		c.injectQueued = true
		return true, nil
	}
	return false, nil
}

// InjectDone settles a finished injection.
func (c *UDPContext) InjectDone(p *Packet, err error) {
	if ierr := c.completeInject(p, err); ierr != nil {
		c.fail(ierr)
	}
}

// Resume re-enables delivery.
func (c *UDPContext) Resume() (schedule bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = false
	if c.sendPending.Len()+c.recvPending.Len() > 0 && !c.deliveryQueued {
		c.deliveryQueued = true
		return true
	}
	return false
}

// Passthrough moves undelivered datagrams to the inject queue, or drops
// them for read-only endpoints.
func (c *UDPContext) Passthrough() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := append(c.sendPending.Drain(), c.recvPending.Drain()...)
	if c.flags&engine.FlagReadOnly == 0 {
		for _, p := range pending {
			c.inject.PushBack(p)
		}
	}
	c.deliveryQueued = false
	if c.inject.Len() > 0 && !c.injectQueued && !c.closed {
		c.injectQueued = true
		return true
	}
	return false
}

// ResetOverrides clears inspector-set state.
func (c *UDPContext) ResetOverrides() {
	c.mu.Lock()
	h := c.resetOverridesLocked()
	c.mu.Unlock()
	if h != nil {
		h.Purge()
	}
}

func (c *UDPContext) idle(now time.Time, after time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.deliveryQueued && !c.injectQueued &&
		c.sendPending.Len()+c.recvPending.Len()+c.inject.Len() == 0 &&
		now.Sub(c.lastIO) >= after
}

// Stats returns a snapshot of the context.
func (c *UDPContext) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statsLocked(KindUDP)
	s.PendingIn = c.recvPending.Len()
	s.PendingOut = c.sendPending.Len()
	return s
}

// UDPTable tracks live UDP endpoint contexts.
type UDPTable struct {
	reg    *registry[*UDPContext]
	create sync.Mutex
	pool   sync.Pool
	clock  clock.Clock
	fatal  FatalFunc
	logger *logging.Logger
	// dropBucket deletes a bucket owned by a closing flow.
	dropBucket func(id uint64)

	created  atomic.Uint64
	released atomic.Uint64
}

// NewUDPTable creates an empty table.
func NewUDPTable(cfg Config, clk clock.Clock, logger *logging.Logger, fatal FatalFunc) *UDPTable {
	if logger == nil {
		logger = logging.WithComponent("udp")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	t := &UDPTable{
		reg:    newRegistry[*UDPContext](cfg.HashBuckets, cfg.MaxUDP),
		clock:  clk,
		fatal:  fatal,
		logger: logger,
	}
	t.pool.New = func() any { return new(UDPContext) }
	return t
}

// FindOrCreate returns the context for an endpoint handle, creating it
// on first sight. The result carries a reference for the caller.
func (t *UDPTable) FindOrCreate(handle uint64, info engine.FlowInfo) (*UDPContext, bool, error) {
	if c, ok := t.reg.findHandle(handle); ok {
		return c, false, nil
	}

	// Serialize creation so two datagrams racing on a new endpoint
	// produce one context.
	t.create.Lock()
	defer t.create.Unlock()
	if c, ok := t.reg.findHandle(handle); ok {
		return c, false, nil
	}

	c := t.pool.Get().(*UDPContext)
	c.table = t
	c.init(info, handle, t.clock, t.fatal)
	c.sendPending = slotlist.New[*Packet](4)
	c.recvPending = slotlist.New[*Packet](4)
	if err := t.reg.link(c); err != nil {
		t.recycle(c)
		return nil, false, err
	}
	if handle != 0 {
		t.reg.index(c, handle)
	}
	c.AddRef()
	t.created.Add(1)
	t.logger.Debug("udp context created", "id", c.id, "handle", handle, "local", info.Local)
	return c, true, nil
}

// Find returns the context with the given logical id and a reference.
func (t *UDPTable) Find(id uint64) (*UDPContext, bool) { return t.reg.find(id) }

// FindByHandle returns the context for an endpoint handle and a reference.
func (t *UDPTable) FindByHandle(handle uint64) (*UDPContext, bool) {
	return t.reg.findHandle(handle)
}

// Close handles endpoint closure.
func (t *UDPTable) Close(c *UDPContext) {
	if !c.unlinked.CompareAndSwap(false, true) {
		return
	}
	t.reg.unindex(c)

	c.mu.Lock()
	c.closed = true
	c.state = StateClosed
	c.inject.Drain()
	h := c.redirect
	c.redirect = nil
	owned := c.takeOwnedLocked()
	c.mu.Unlock()

	if h != nil {
		h.Purge()
	}
	if owned != 0 && t.dropBucket != nil {
		t.dropBucket(owned)
	}
	c.Release()
}

func (t *UDPTable) destroy(c *UDPContext) {
	t.reg.unlink(c)

	c.mu.Lock()
	c.state = StateReleased
	c.sendPending.Drain()
	c.recvPending.Drain()
	c.drainLocked()
	h := c.redirect
	c.redirect = nil
	c.mu.Unlock()

	if h != nil {
		h.Purge()
	}
	t.released.Add(1)
	t.logger.Debug("udp context released", "id", c.id)
	t.recycle(c)
}

func (t *UDPTable) recycle(c *UDPContext) {
	*c = UDPContext{table: t, flowCore: flowCore{fatal: t.fatal}}
	t.pool.Put(c)
}

// Each calls fn with every live context while holding a reference.
func (t *UDPTable) Each(fn func(c *UDPContext) bool) {
	list := t.reg.snapshot()
	defer func() {
		for _, c := range list {
			c.Release()
		}
	}()
	for _, c := range list {
		if !fn(c) {
			return
		}
	}
}

// Count returns the number of live contexts.
func (t *UDPTable) Count() int { return t.reg.count() }

// Totals returns lifetime created and released counts.
func (t *UDPTable) Totals() (created, released uint64) {
	return t.created.Load(), t.released.Load()
}

// DetachFlowControl clears bucket id from every context charged to it.
func (t *UDPTable) DetachFlowControl(id uint64) int {
	n := 0
	t.Each(func(c *UDPContext) bool {
		if c.detachBucket(id) {
			n++
		}
		return true
	})
	return n
}

// Cleanup closes endpoints with no queued data and no I/O for at least
// idle. Closure of UDP sockets is not always reported by the stack.
func (t *UDPTable) Cleanup(idle time.Duration) int {
	now := t.clock.Now()
	n := 0
	t.Each(func(c *UDPContext) bool {
		if c.idle(now, idle) {
			t.Close(c)
			n++
		}
		return true
	})
	if n > 0 {
		t.logger.Debug("reaped idle udp endpoints", "count", n)
	}
	return n
}

// CloseAll force-closes every context and drops undelivered data.
func (t *UDPTable) CloseAll() {
	t.Each(func(c *UDPContext) bool {
		c.mu.Lock()
		c.sendPending.Drain()
		c.recvPending.Drain()
		c.mu.Unlock()
		t.Close(c)
		return true
	})
}
