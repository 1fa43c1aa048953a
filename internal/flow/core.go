// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/pend"
	"grimm.is/flowguard/internal/slotlist"
)

// State is the lifecycle position of a flow context.
type State uint8

const (
	StateCreated State = iota
	StateEstablished
	StateFiltering
	StateDisconnectPending
	StateClosed
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateEstablished:
		return "established"
	case StateFiltering:
		return "filtering"
	case StateDisconnectPending:
		return "disconnect_pending"
	case StateClosed:
		return "closed"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// Kind distinguishes context types behind the Context interface.
type Kind uint8

const (
	KindTCP Kind = iota + 1
	KindUDP
	KindIP
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindIP:
		return "ip"
	}
	return "unknown"
}

// FatalFunc receives invariant violations. It must stop the engine.
type FatalFunc func(err error)

// Context is the view of a TCP, UDP or IP context used by the delivery and
// injection paths.
type Context interface {
	ID() uint64
	Kind() Kind
	Info() engine.FlowInfo
	FlowHandle() uint64
	AddRef()
	Release()

	PeekPending() (*Packet, bool)
	PopPending() (*Packet, bool)
	FinishDelivery() bool
	Passthrough() bool

	NextInject() (*Packet, bool)
	Requeue(p *Packet)
	InjectDone(p *Packet, err error)
	FinishInject() bool

	FlowControl() uint64
	LastIO() time.Time
}

// Stats is a point-in-time view of a flow context.
type Stats struct {
	ID           uint64          `json:"id"`
	Kind         string          `json:"kind"`
	Info         engine.FlowInfo `json:"info"`
	State        string          `json:"state"`
	Flags        string          `json:"flags"`
	Refs         int32           `json:"refs"`
	Suspended    bool            `json:"suspended"`
	Closed       bool            `json:"closed"`
	FlowControl  uint64          `json:"flow_control,omitempty"`
	PendingIn    int             `json:"pending_in"`
	PendingOut   int             `json:"pending_out"`
	InjectQueue  int             `json:"inject_queue"`
	DeliveredIn  uint64          `json:"delivered_in"`
	DeliveredOut uint64          `json:"delivered_out"`
	InjectedIn   uint64          `json:"injected_in"`
	InjectedOut  uint64          `json:"injected_out"`
	LastIO       time.Time       `json:"last_io"`
}

// flowCore is the state shared by TCP and UDP contexts. Fields below mu
// are guarded by it.
type flowCore struct {
	member
	flowHandle uint64
	clock      clock.Clock
	fatal      FatalFunc

	mu                sync.Mutex
	info              engine.FlowInfo
	state             State
	closed            bool
	suspended         bool
	filteringDisabled bool
	flags             engine.Flags
	flowControl       uint64
	ownsBucket        bool
	lastIO            time.Time
	layers            []uint32
	inject            *slotlist.List[*Packet]
	deliveryQueued    bool
	injectQueued      bool
	inFlight          [3]uint64
	injected          [3]uint64
	delivered         [3]uint64
	redirect          *pend.Handle
}

func (c *flowCore) init(info engine.FlowInfo, flowHandle uint64, clk clock.Clock, fatal FatalFunc) {
	c.info = info
	c.flowHandle = flowHandle
	c.clock = clk
	c.fatal = fatal
	c.state = StateCreated
	c.lastIO = clk.Now()
	c.inject = slotlist.New[*Packet](4)
}

// FlowHandle returns the stack's handle for the flow.
func (c *flowCore) FlowHandle() uint64 { return c.flowHandle }

// Info returns the flow identity.
func (c *flowCore) Info() engine.FlowInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// SetProcessName caches a resolved image path on the flow.
func (c *flowCore) SetProcessName(name string) {
	c.mu.Lock()
	c.info.ProcessName = name
	c.mu.Unlock()
}

// State returns the lifecycle state.
func (c *flowCore) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Established moves a created context into the established state.
func (c *flowCore) Established() {
	c.mu.Lock()
	if c.state == StateCreated {
		c.state = StateEstablished
	}
	c.mu.Unlock()
}

// Closed reports whether the stack has torn the flow down.
func (c *flowCore) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AttachLayers records the callout ids registered for this flow.
func (c *flowCore) AttachLayers(ids ...uint32) {
	c.mu.Lock()
	c.layers = append(c.layers[:0], ids...)
	if c.state == StateCreated {
		c.state = StateEstablished
	}
	c.mu.Unlock()
}

// Layers returns the attached callout ids.
func (c *flowCore) Layers() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.layers...)
}

// Flags returns the filtering disposition assigned to the flow.
func (c *flowCore) Flags() engine.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// SetFilteringFlags stores the disposition chosen by rule matching.
func (c *flowCore) SetFilteringFlags(f engine.Flags) {
	c.mu.Lock()
	c.flags = f
	if f&engine.FlagSuspended != 0 {
		c.suspended = true
	}
	c.mu.Unlock()
}

// FilteringDisabled reports whether the inspector opted the flow out.
func (c *flowCore) FilteringDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filteringDisabled
}

// DisableFiltering makes every further event on the flow pass through.
func (c *flowCore) DisableFiltering() {
	c.mu.Lock()
	c.filteringDisabled = true
	c.mu.Unlock()
}

// FlowControl returns the bucket the flow is charged to, zero for none.
func (c *flowCore) FlowControl() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flowControl
}

// SetFlowControl attaches the flow to a bucket.
func (c *flowCore) SetFlowControl(id uint64) {
	c.mu.Lock()
	c.flowControl = id
	c.mu.Unlock()
}

// AdoptFlowControl attaches the flow to bucket id. owned marks a bucket
// created for this flow alone; it is handed back for deletion when the
// flow closes. A previously owned bucket that is being replaced is
// returned so the caller can delete it.
func (c *flowCore) AdoptFlowControl(id uint64, owned bool) (orphan uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownsBucket && c.flowControl != id {
		orphan = c.flowControl
	}
	c.flowControl = id
	c.ownsBucket = owned && id != 0
	return orphan
}

func (c *flowCore) detachBucket(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flowControl != id {
		return false
	}
	c.flowControl = 0
	c.ownsBucket = false
	return true
}

// takeOwnedLocked returns the flow's own bucket, if any, and gives up
// ownership. Caller holds mu.
func (c *flowCore) takeOwnedLocked() uint64 {
	if !c.ownsBucket {
		return 0
	}
	c.ownsBucket = false
	return c.flowControl
}

// LastIO returns the time of the most recent data movement.
func (c *flowCore) LastIO() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIO
}

// Touch records data movement now.
func (c *flowCore) Touch() {
	c.mu.Lock()
	c.lastIO = c.clock.Now()
	c.mu.Unlock()
}

// Suspended reports whether delivery to the inspector is paused.
func (c *flowCore) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// Suspend stops delivery of new packets to the inspector. Already queued
// packets stay queued.
func (c *flowCore) Suspend() {
	c.mu.Lock()
	c.suspended = true
	c.mu.Unlock()
}

// SetRedirect parks a pended connect classification on the flow.
func (c *flowCore) SetRedirect(h *pend.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New(errors.KindConflict, "flow is closed")
	}
	if c.redirect != nil && !c.redirect.Resolved() {
		return errors.New(errors.KindConflict, "redirect already pending")
	}
	c.redirect = h
	return nil
}

// TakeRedirect detaches the parked classification, if any.
func (c *flowCore) TakeRedirect() *pend.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.redirect
	c.redirect = nil
	return h
}

// ScheduleInject marks the flow as queued for the injector. It returns
// false if it already was.
func (c *flowCore) ScheduleInject() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.injectQueued || c.inject.Len() == 0 {
		return false
	}
	c.injectQueued = true
	return true
}

// NextInject takes the next packet bound for the stack and counts it as
// in flight until InjectDone.
func (c *flowCore) NextInject() (*Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.inject.PopFront()
	if !ok {
		return nil, false
	}
	c.inFlight[p.Direction] += uint64(p.Len())
	return p, true
}

// Requeue returns a packet taken by NextInject to the head of the queue.
func (c *flowCore) Requeue(p *Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[p.Direction] -= min(c.inFlight[p.Direction], uint64(p.Len()))
	if c.closed {
		return
	}
	c.inject.PushFront(p)
}

// completeInject settles byte accounting for a finished injection.
// Completing more bytes than were handed out is an accounting bug.
func (c *flowCore) completeInject(p *Packet, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := uint64(p.Len())
	if n > c.inFlight[p.Direction] {
		return errors.Attr(errors.Attr(
			errors.Errorf(errors.KindInvariant, "injection completed %d bytes with %d in flight", n, c.inFlight[p.Direction]),
			"id", c.id), "direction", p.Direction.String())
	}
	c.inFlight[p.Direction] -= n
	if err == nil {
		c.injected[p.Direction] += n
		c.lastIO = c.clock.Now()
	}
	return nil
}

// FinishInject clears the injector's claim when the queue is empty. It
// returns true if more packets are waiting.
func (c *flowCore) FinishInject() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inject.Len() == 0 || c.closed {
		c.injectQueued = false
		return false
	}
	return true
}

// InjectBacklog returns queued plus in-flight bytes bound for the stack.
func (c *flowCore) InjectBacklog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := int(c.inFlight[engine.DirectionIn] + c.inFlight[engine.DirectionOut])
	c.inject.Each(func(_ slotlist.Handle, p *Packet) bool {
		n += p.Len()
		return true
	})
	return n
}

// resetOverrides clears inspector-set state. Caller holds mu.
func (c *flowCore) resetOverridesLocked() *pend.Handle {
	c.suspended = c.flags&engine.FlagSuspended != 0
	c.filteringDisabled = false
	h := c.redirect
	c.redirect = nil
	return h
}

// drainLocked drops every queued packet without delivering it. Caller
// holds mu.
func (c *flowCore) drainLocked() {
	c.inject.Drain()
	c.deliveryQueued = false
	c.injectQueued = false
}

func (c *flowCore) statsLocked(kind Kind) Stats {
	return Stats{
		ID:           c.id,
		Kind:         kind.String(),
		Info:         c.info,
		State:        c.state.String(),
		Flags:        c.flags.String(),
		Refs:         c.refs.Load(),
		Suspended:    c.suspended,
		Closed:       c.closed,
		FlowControl:  c.flowControl,
		InjectQueue:  c.inject.Len(),
		DeliveredIn:  c.delivered[engine.DirectionIn],
		DeliveredOut: c.delivered[engine.DirectionOut],
		InjectedIn:   c.injected[engine.DirectionIn],
		InjectedOut:  c.injected[engine.DirectionOut],
		LastIO:       c.lastIO,
	}
}

func (c *flowCore) fail(err error) {
	if c.fatal != nil {
		c.fatal(err)
		return
	}
	panic(err)
}

func releaseBelowZero(kind Kind, id uint64) error {
	return errors.Attr(errors.Attr(
		errors.New(errors.KindInvariant, "flow context released below zero"),
		"kind", kind.String()), "id", id)
}
