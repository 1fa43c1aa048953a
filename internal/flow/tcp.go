// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"
	"sync/atomic"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/slotlist"
)

type discState uint8

const (
	discNone discState = iota
	discPending
)

// TCPContext is the per-connection state of a filtered TCP flow.
//
// A context is owned through its reference count. The table holds one
// reference from New until Close; every queue entry and in-flight
// injection holds another. The final Release unlinks and recycles it.
type TCPContext struct {
	flowCore
	table *TCPTable

	pending    *slotlist.List[*Packet]
	pendingLen [3]int
	disconnect [3]discState
	abort      bool
	noDelay    bool
}

// Kind returns KindTCP.
func (c *TCPContext) Kind() Kind { return KindTCP }

// Release drops one reference. Dropping the last one unlinks the context
// from every index, discards its queues and returns it to the pool.
func (c *TCPContext) Release() {
	switch n := c.refs.Add(-1); {
	case n == 0:
		c.table.destroy(c)
	case n < 0:
		c.fail(releaseBelowZero(KindTCP, c.id))
	}
}

// Pend queues data for delivery to the inspector. schedule is true when
// the caller must enqueue a delivery entry for the context.
func (c *TCPContext) Pend(p *Packet) (schedule bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, errors.Attr(errors.New(errors.KindConflict, "tcp flow is closed"), "id", c.id)
	}
	c.pending.PushBack(p)
	c.pendingLen[p.Direction] += p.Len()
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

// PeekPending returns the next packet to deliver, or false while the
// flow is suspended.
func (c *TCPContext) PeekPending() (*Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return nil, false
	}
	_, p, ok := c.pending.Front()
	return p, ok
}

// PopPending removes the packet returned by PeekPending.
func (c *TCPContext) PopPending() (*Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending.PopFront()
	if ok {
		c.pendingLen[p.Direction] -= p.Len()
		c.delivered[p.Direction] += uint64(p.Len())
	}
	return p, ok
}

// FinishDelivery releases the delivery claim unless deliverable packets
// remain. It returns true when the entry should stay queued.
func (c *TCPContext) FinishDelivery() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended || c.pending.Len() == 0 {
		c.deliveryQueued = false
		return false
	}
	return true
}

// Post accepts data from the inspector for injection in dir. A zero
// length post marks the direction disconnect-pending; any further data in
// that direction is refused until the disconnect has been injected.
func (c *TCPContext) Post(dir engine.Direction, data []byte, flags PacketFlags) (schedule bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, errors.Attr(errors.New(errors.KindConflict, "tcp flow is closed"), "id", c.id)
	}
	if dir != engine.DirectionIn && dir != engine.DirectionOut {
		return false, errors.Errorf(errors.KindValidation, "invalid direction %d", dir)
	}
	if c.disconnect[dir] == discPending {
		return false, errors.Attr(errors.New(errors.KindConflict, "disconnect pending"), "direction", dir.String())
	}

	p := &Packet{Direction: dir, Data: data, Flags: flags}
	if len(data) == 0 {
		p.Flags |= PacketDisconnect
		c.disconnect[dir] = discPending
		c.state = StateDisconnectPending
	}
	c.inject.PushBack(p)
	if !c.injectQueued {
		c.injectQueued = true
		return true, nil
	}
	return false, nil
}

// DisconnectPending reports whether dir has an unresolved end-of-data
// marker.
func (c *TCPContext) DisconnectPending(dir engine.Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnect[dir] == discPending
}

// InjectDone settles a finished injection. A completed disconnect marker
// resolves the direction's pending disconnect.
func (c *TCPContext) InjectDone(p *Packet, err error) {
	if ierr := c.completeInject(p, err); ierr != nil {
		c.fail(ierr)
		return
	}
	if p.Disconnect() {
		c.ResolveDisconnect(p.Direction)
	}
}

// ResolveDisconnect clears the pending disconnect for dir.
func (c *TCPContext) ResolveDisconnect(dir engine.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect[dir] = discNone
	if c.state == StateDisconnectPending &&
		c.disconnect[engine.DirectionIn] == discNone && c.disconnect[engine.DirectionOut] == discNone {
		c.state = StateFiltering
	}
}

// Resume re-enables delivery. schedule is true when queued packets need a
// new delivery entry.
func (c *TCPContext) Resume() (schedule bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = false
	if c.pending.Len() > 0 && !c.deliveryQueued {
		c.deliveryQueued = true
		return true
	}
	return false
}

// Passthrough moves undelivered packets straight to the inject queue so
// they reach the stack unfiltered. Read-only flows already forwarded the
// originals, so their copies are dropped. It returns true if the injector
// must be scheduled.
func (c *TCPContext) Passthrough() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending.Drain()
	if c.flags&engine.FlagReadOnly == 0 {
		for _, p := range pending {
			c.inject.PushBack(p)
		}
	}
	c.pendingLen = [3]int{}
	c.deliveryQueued = false
	if c.inject.Len() > 0 && !c.injectQueued && !c.closed {
		c.injectQueued = true
		return true
	}
	return false
}

// SetNoDelay mirrors the TCP_NODELAY socket option.
func (c *TCPContext) SetNoDelay(on bool) {
	c.mu.Lock()
	c.noDelay = on
	c.mu.Unlock()
}

// NoDelay reports the mirrored option.
func (c *TCPContext) NoDelay() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noDelay
}

// MarkAbort flags the flow as aborted and closes it to new data.
func (c *TCPContext) MarkAbort() {
	c.mu.Lock()
	c.abort = true
	c.closed = true
	c.mu.Unlock()
}

// Aborted reports whether the flow was aborted.
func (c *TCPContext) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abort
}

// ResetOverrides clears suspension, no-delay and filtering-disabled state
// and purges any parked redirect.
func (c *TCPContext) ResetOverrides() {
	c.mu.Lock()
	h := c.resetOverridesLocked()
	c.noDelay = false
	c.mu.Unlock()
	if h != nil {
		h.Purge()
	}
}

// Stats returns a snapshot of the context.
func (c *TCPContext) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statsLocked(KindTCP)
	s.PendingIn = c.pendingLen[engine.DirectionIn]
	s.PendingOut = c.pendingLen[engine.DirectionOut]
	return s
}

// TCPTable tracks live TCP contexts.
type TCPTable struct {
	reg    *registry[*TCPContext]
	pool   sync.Pool
	clock  clock.Clock
	fatal  FatalFunc
	logger *logging.Logger
	// dropBucket deletes a bucket owned by a closing flow.
	dropBucket func(id uint64)

	created  atomic.Uint64
	released atomic.Uint64
}

// NewTCPTable creates an empty table.
func NewTCPTable(cfg Config, clk clock.Clock, logger *logging.Logger, fatal FatalFunc) *TCPTable {
	if logger == nil {
		logger = logging.WithComponent("tcp")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	t := &TCPTable{
		reg:    newRegistry[*TCPContext](cfg.HashBuckets, cfg.MaxTCP),
		clock:  clk,
		fatal:  fatal,
		logger: logger,
	}
	t.pool.New = func() any { return new(TCPContext) }
	return t
}

// New allocates a context for a flow. The returned context carries the
// table's reference only; callers that keep using it past the current
// call must AddRef.
func (t *TCPTable) New(info engine.FlowInfo, flowHandle uint64) (*TCPContext, error) {
	c := t.pool.Get().(*TCPContext)
	c.table = t
	c.init(info, flowHandle, t.clock, t.fatal)
	c.pending = slotlist.New[*Packet](4)

	if err := t.reg.link(c); err != nil {
		t.recycle(c)
		return nil, err
	}
	t.created.Add(1)
	t.logger.Debug("tcp context created", "id", c.id, "flow", info.String())
	return c, nil
}

// Bind indexes c by the stack's endpoint handle.
func (t *TCPTable) Bind(c *TCPContext, handle uint64) bool {
	return t.reg.index(c, handle)
}

// Find returns the context with the given logical id and a new reference.
func (t *TCPTable) Find(id uint64) (*TCPContext, bool) { return t.reg.find(id) }

// FindByHandle looks a context up by endpoint handle, taking a reference.
func (t *TCPTable) FindByHandle(handle uint64) (*TCPContext, bool) {
	return t.reg.findHandle(handle)
}

// Close handles flow teardown. The context stops accepting data, leaves
// the handle index, has any parked redirect purged and loses the table's
// reference. It is freed once every other holder releases.
func (t *TCPTable) Close(c *TCPContext) {
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

func (t *TCPTable) destroy(c *TCPContext) {
	t.reg.unlink(c)

	c.mu.Lock()
	c.state = StateReleased
	c.pending.Drain()
	c.drainLocked()
	h := c.redirect
	c.redirect = nil
	c.mu.Unlock()

	if h != nil {
		h.Purge()
	}
	t.released.Add(1)
	t.logger.Debug("tcp context released", "id", c.id)
	t.recycle(c)
}

// recycle zeroes c before pooling it. The table and fatal hook survive so
// a stray Release on a recycled context is still reported.
func (t *TCPTable) recycle(c *TCPContext) {
	*c = TCPContext{table: t, flowCore: flowCore{fatal: t.fatal}}
	t.pool.Put(c)
}

// Each calls fn with every live context. References are held for the
// duration of the call.
func (t *TCPTable) Each(fn func(c *TCPContext) bool) {
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
func (t *TCPTable) Count() int { return t.reg.count() }

// Totals returns lifetime created and released counts.
func (t *TCPTable) Totals() (created, released uint64) {
	return t.created.Load(), t.released.Load()
}

// DetachFlowControl clears bucket id from every context charged to it.
func (t *TCPTable) DetachFlowControl(id uint64) int {
	n := 0
	t.Each(func(c *TCPContext) bool {
		if c.detachBucket(id) {
			n++
		}
		return true
	})
	return n
}

// CloseAll force-closes every context and drops undelivered data.
func (t *TCPTable) CloseAll() {
	t.Each(func(c *TCPContext) bool {
		c.mu.Lock()
		c.pending.Drain()
		c.pendingLen = [3]int{}
		c.mu.Unlock()
		t.Close(c)
		return true
	})
}
