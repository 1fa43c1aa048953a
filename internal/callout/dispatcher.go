// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package callout

import (
	"time"

	"golang.org/x/time/rate"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/pend"
	"grimm.is/flowguard/internal/qos"
)

// Config tunes the dispatcher.
type Config struct {
	// MaxInjectBacklog is the per-flow number of bytes queued or in
	// flight toward the stack above which inspector posts are refused
	// until the backlog drains.
	MaxInjectBacklog int
	// RetryInterval is how often flows held back by flow control are
	// retried by the injector.
	RetryInterval time.Duration
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxInjectBacklog: 1 << 20,
		RetryInterval:    50 * time.Millisecond,
	}
}

// Deps are the components a Dispatcher works on.
type Deps struct {
	Rules   *engine.RuleSet
	Flows   *flow.Manager
	QoS     *qos.Manager
	Stack   kernel.Stack
	Sink    Sink
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *logging.Logger
}

// Dispatcher implements every classification layer.
type Dispatcher struct {
	rules   *engine.RuleSet
	flows   *flow.Manager
	qos     *qos.Manager
	stack   kernel.Stack
	sink    Sink
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *logging.Logger
	config  Config

	injector *Injector
	warn     *rate.Limiter
}

// New creates a dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = logging.WithComponent("callout")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if cfg.MaxInjectBacklog <= 0 {
		cfg.MaxInjectBacklog = DefaultConfig().MaxInjectBacklog
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	d := &Dispatcher{
		rules:   deps.Rules,
		flows:   deps.Flows,
		qos:     deps.QoS,
		stack:   deps.Stack,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		logger:  deps.Logger,
		config:  cfg,
		warn:    rate.NewLimiter(rate.Every(time.Second), 5),
	}
	d.injector = newInjector(d)
	if d.qos != nil && d.flows != nil {
		d.flows.OnOwnedBucketClosed(d.DeleteOwnedBucket)
	}
	return d
}

// Injector returns the injection worker.
func (d *Dispatcher) Injector() *Injector { return d.injector }

// SetSink installs the inspector event sink.
func (d *Dispatcher) SetSink(s Sink) { d.sink = s }

// Attached reports whether an inspector is attached.
func (d *Dispatcher) Attached() bool { return d.rules.Inspector() != 0 }

// degraded logs a recoverable stack failure, throttled so a failing stack
// cannot flood the log.
func (d *Dispatcher) degraded(msg string, args ...any) {
	if d.warn.Allow() {
		d.logger.Warn(msg, args...)
	}
}

func (d *Dispatcher) result(layer Layer, c Classification) Classification {
	d.metrics.Classified(layer.String(), c.Action.String())
	return c
}

func (d *Dispatcher) notify(code wire.Code, id uint64, payload []byte) {
	if d.sink == nil || !d.sink.Notify(code, id, payload) {
		d.logger.Debug("event dropped", "code", code.String(), "id", id)
	}
}

// deliver queues c for the inspector. The caller holds c's delivery
// claim. If the sink refuses, the claim is dropped and the queued data
// goes to the stack unfiltered so the flow keeps moving.
func (d *Dispatcher) deliver(c flow.Context) bool {
	if d.sink != nil && d.sink.Deliver(c) {
		return true
	}
	d.degraded("inspector queue refused delivery, passing data through", "id", c.ID(), "kind", c.Kind().String())
	if c.Passthrough() {
		d.injector.Schedule(c)
	}
	return false
}

func (d *Dispatcher) attachBucket(id uint64) uint64 {
	if id == 0 || d.qos == nil || !d.qos.Exists(id) {
		return 0
	}
	return id
}

func (d *Dispatcher) record(bucket uint64, dir engine.Direction, n int) {
	if bucket != 0 && d.qos != nil {
		d.qos.Record(bucket, qosDirection(dir), n)
	}
}

func qosDirection(dir engine.Direction) qos.Direction {
	if dir == engine.DirectionOut {
		return qos.Outbound
	}
	return qos.Inbound
}

// needsContext reports whether a verdict requires per-flow state.
func needsContext(v engine.Verdict) bool {
	return v.Flags&(engine.FlagFilter|engine.FlagIndicateConnect|engine.FlagSuspended|engine.FlagControlFlow) != 0 ||
		v.FlowControl != 0
}

// announced reports whether the inspector was told about the flow.
func announced(f engine.Flags) bool {
	return f&(engine.FlagFilter|engine.FlagIndicateConnect) != 0
}

func (d *Dispatcher) exhausted(layer Layer, err error, args ...any) Classification {
	if errors.IsKind(err, errors.KindExhausted) {
		d.degraded("flow context exhausted, denying event", append(args, "layer", layer.String(), "error", err)...)
		return d.result(layer, Classification{Action: ActionBlock})
	}
	d.degraded("flow context unavailable, permitting event", append(args, "layer", layer.String(), "error", err)...)
	return d.result(layer, permit)
}

// FlowEstablished handles a new TCP flow or UDP endpoint. It never
// blocks; the flow's disposition is stored on its context for the data
// layers.
func (d *Dispatcher) FlowEstablished(ev FlowEvent) Classification {
	const layer = LayerFlowEstablished
	if !d.Attached() {
		return d.result(layer, permit)
	}
	info := ev.Info
	v := d.rules.FindByFlow(&info)
	if v.Flags&engine.FlagBlock != 0 {
		return d.result(layer, Classification{Action: ActionBlock, Flags: v.Flags})
	}
	if !needsContext(v) || v.Flags&engine.FlagFilterAsIP != 0 {
		return d.result(layer, Classification{Flags: v.Flags})
	}

	switch info.Protocol {
	case engine.ProtoTCP:
		c, err := d.tcpContext(ev.Handle, info)
		if err != nil {
			return d.exhausted(layer, err, "flow", info.String())
		}
		defer c.Release()
		d.setup(c, info, v)
		c.AttachLayers(uint32(LayerStream), uint32(LayerFlowEstablished))
		if announced(v.Flags) {
			d.notify(wire.TCPConnected, c.ID(), wire.ConnInfoFrom(c.Info()).Append(nil))
		}
	case engine.ProtoUDP:
		c, created, err := d.flows.UDP.FindOrCreate(ev.Handle, info)
		if err != nil {
			return d.exhausted(layer, err, "flow", info.String())
		}
		defer c.Release()
		d.setup(c, info, v)
		c.AttachLayers(uint32(LayerOutboundTransport), uint32(LayerInboundTransport))
		if created && announced(v.Flags) {
			d.notify(wire.UDPCreated, c.ID(), wire.UDPInfo{ProcessID: info.ProcessID, Local: info.Local}.Append(nil))
		}
	}
	return d.result(layer, Classification{Flags: v.Flags})
}

type configurable interface {
	SetFilteringFlags(engine.Flags)
	SetFlowControl(uint64)
	SetProcessName(string)
}

func (d *Dispatcher) setup(c configurable, info engine.FlowInfo, v engine.Verdict) {
	c.SetFilteringFlags(v.Flags)
	if b := d.attachBucket(v.FlowControl); b != 0 {
		c.SetFlowControl(b)
	}
	if info.ProcessName != "" {
		c.SetProcessName(info.ProcessName)
	}
}

// tcpContext returns the context for a flow handle, creating and indexing
// it when needed. The result carries a reference for the caller.
func (d *Dispatcher) tcpContext(handle uint64, info engine.FlowInfo) (*flow.TCPContext, error) {
	if c, ok := d.flows.TCP.FindByHandle(handle); ok {
		return c, nil
	}
	c, err := d.flows.TCP.New(info, handle)
	if err != nil {
		return nil, err
	}
	c.AddRef()
	if handle != 0 && !d.flows.TCP.Bind(c, handle) {
		// Lost a race with another event for the same flow.
		d.flows.TCP.Close(c)
		c.Release()
		if other, ok := d.flows.TCP.FindByHandle(handle); ok {
			return other, nil
		}
		return nil, errors.Errorf(errors.KindConflict, "flow handle %d already bound", handle)
	}
	return c, nil
}

// Stream classifies TCP stream data.
func (d *Dispatcher) Stream(ev StreamEvent) Classification {
	const layer = LayerStream
	if !d.Attached() {
		return d.result(layer, permit)
	}
	c, ok := d.flows.TCP.FindByHandle(ev.FlowHandle)
	if !ok {
		return d.result(layer, permit)
	}
	defer c.Release()

	flags := c.Flags()
	if c.Closed() || c.FilteringDisabled() || flags&engine.FlagFilter == 0 {
		d.record(c.FlowControl(), ev.Direction, len(ev.Data))
		c.Touch()
		return d.result(layer, Classification{Flags: flags})
	}

	p := &flow.Packet{
		Direction: ev.Direction,
		Flags:     ev.Flags,
		Data:      append([]byte(nil), ev.Data...),
	}
	if len(ev.Data) == 0 {
		p.Flags |= flow.PacketDisconnect
	}
	schedule, err := c.Pend(p)
	if err != nil {
		return d.result(layer, permit)
	}
	if schedule {
		d.deliver(c)
	}
	if flags&engine.FlagReadOnly != 0 {
		return d.result(layer, Classification{Flags: flags})
	}
	return d.result(layer, Classification{Action: ActionPending, Absorb: true, Flags: flags})
}

// OutboundTransport classifies a datagram being sent.
func (d *Dispatcher) OutboundTransport(ev DatagramEvent) Classification {
	ev.Info.Direction = engine.DirectionOut
	return d.transport(LayerOutboundTransport, ev)
}

// InboundTransport classifies a received datagram.
func (d *Dispatcher) InboundTransport(ev DatagramEvent) Classification {
	ev.Info.Direction = engine.DirectionIn
	return d.transport(LayerInboundTransport, ev)
}

func (d *Dispatcher) transport(layer Layer, ev DatagramEvent) Classification {
	if !d.Attached() || !d.rules.Capabilities().Has(engine.CapUDP) {
		return d.result(layer, permit)
	}
	info := ev.Info
	info.Protocol = engine.ProtoUDP
	if info.Family == engine.FamilyAny {
		info.Family = engine.FamilyOf(info.Local.Addr())
	}

	if c, ok := d.flows.UDP.FindByHandle(ev.EndpointHandle); ok {
		disabled := c.FilteringDisabled()
		if disabled {
			d.record(c.FlowControl(), info.Direction, len(ev.Data))
			c.Touch()
		}
		c.Release()
		if disabled {
			return d.result(layer, permit)
		}
	}

	v := d.rules.FindByFlow(&info)
	if v.Flags&engine.FlagBlock != 0 {
		return d.result(layer, Classification{Action: ActionBlock, Flags: v.Flags})
	}
	if !needsContext(v) || v.Flags&engine.FlagFilterAsIP != 0 {
		return d.result(layer, Classification{Flags: v.Flags})
	}

	c, created, err := d.flows.UDP.FindOrCreate(ev.EndpointHandle, info)
	if err != nil {
		return d.exhausted(layer, err, "flow", info.String())
	}
	defer c.Release()
	if created {
		d.setup(c, info, v)
		if announced(v.Flags) {
			d.notify(wire.UDPCreated, c.ID(), wire.UDPInfo{ProcessID: info.ProcessID, Local: info.Local}.Append(nil))
		}
	} else if b := d.attachBucket(v.FlowControl); b != 0 && c.FlowControl() == 0 {
		c.SetFlowControl(b)
	}

	if v.Flags&engine.FlagFilter == 0 {
		d.record(c.FlowControl(), info.Direction, len(ev.Data))
		c.Touch()
		return d.result(layer, Classification{Flags: v.Flags})
	}

	schedule, err := c.Pend(&flow.Packet{
		Direction:      info.Direction,
		Data:           append([]byte(nil), ev.Data...),
		Local:          info.Local,
		Remote:         info.Remote,
		Options:        append([]byte(nil), ev.Options...),
		InterfaceIndex: ev.InterfaceIndex,
	})
	if err != nil {
		return d.result(layer, permit)
	}
	if schedule {
		d.deliver(c)
	}
	if v.Flags&engine.FlagReadOnly != 0 {
		return d.result(layer, Classification{Flags: v.Flags})
	}
	return d.result(layer, Classification{Action: ActionPending, Absorb: true, Flags: v.Flags})
}

// ConnectRedirect classifies a connect attempt. Rules asking to pend the
// connect park it on a pend.Handle until the inspector sends a verdict.
func (d *Dispatcher) ConnectRedirect(ev ConnectEvent) Classification {
	const layer = LayerConnectRedirect
	if !d.Attached() {
		return d.result(layer, permit)
	}
	info := ev.Info
	v := d.rules.FindByFlow(&info)
	if v.Flags&engine.FlagBlock != 0 {
		return d.result(layer, Classification{Action: ActionBlock, Flags: v.Flags})
	}
	if v.Flags&(engine.FlagPendConnect|engine.FlagRedirect) == 0 {
		return d.result(layer, Classification{Flags: v.Flags})
	}

	var (
		id   uint64
		park func(*pend.Handle) error
		code wire.Code
	)
	switch info.Protocol {
	case engine.ProtoTCP:
		c, err := d.tcpContext(ev.Handle, info)
		if err != nil {
			return d.exhausted(layer, err, "flow", info.String())
		}
		defer c.Release()
		d.setup(c, info, v)
		id, park, code = c.ID(), c.SetRedirect, wire.TCPConnectRequest
	case engine.ProtoUDP:
		c, _, err := d.flows.UDP.FindOrCreate(ev.Handle, info)
		if err != nil {
			return d.exhausted(layer, err, "flow", info.String())
		}
		defer c.Release()
		d.setup(c, info, v)
		id, park, code = c.ID(), c.SetRedirect, wire.UDPConnectRequest
	default:
		return d.result(layer, Classification{Flags: v.Flags})
	}

	h := pend.New(id)
	if err := park(h); err != nil {
		d.degraded("cannot pend connect, permitting", "id", id, "error", err)
		return d.result(layer, Classification{Flags: v.Flags})
	}
	d.notify(code, id, wire.ConnInfoFrom(info).Append(nil))
	return d.result(layer, Classification{Action: ActionPending, Pend: h, Flags: v.Flags})
}

// BindRedirect applies binding rules to a bind attempt.
func (d *Dispatcher) BindRedirect(b engine.BindInfo) Classification {
	const layer = LayerBindRedirect
	if !d.Attached() || !d.rules.Capabilities().Has(engine.CapBind) {
		return d.result(layer, permit)
	}
	flags := d.rules.FindByBindInfo(&b)
	switch {
	case flags&engine.FlagBlock != 0:
		return d.result(layer, Classification{Action: ActionBlock, Flags: flags})
	case flags != engine.FlagAllow && b.NewLocal.IsValid():
		return d.result(layer, Classification{Flags: flags, NewLocal: b.NewLocal})
	}
	return d.result(layer, Classification{Flags: flags})
}

// EndpointClosure handles closure of a UDP endpoint.
func (d *Dispatcher) EndpointClosure(handle uint64) {
	d.Teardown(LayerEndpointClosure, handle)
}

// Teardown is the flow-delete entry point of a layer. The context stays
// allocated until queued packets and in-flight injections release it.
func (d *Dispatcher) Teardown(layer Layer, handle uint64) {
	switch layer {
	case LayerFlowEstablished, LayerStream, LayerConnectRedirect:
		d.closeTCP(handle)
	case LayerOutboundTransport, LayerInboundTransport, LayerEndpointClosure:
		d.closeUDP(handle)
	}
}

// TeardownHandle closes whichever context is indexed by handle. It serves
// stacks that report teardown without a layer.
func (d *Dispatcher) TeardownHandle(handle uint64) {
	if !d.closeTCP(handle) {
		d.closeUDP(handle)
	}
}

func (d *Dispatcher) closeTCP(handle uint64) bool {
	c, ok := d.flows.TCP.FindByHandle(handle)
	if !ok {
		return false
	}
	defer c.Release()
	if d.Attached() && announced(c.Flags()) {
		d.notify(wire.TCPClosed, c.ID(), closedStats(c.Stats()).Append(nil))
	}
	d.flows.TCP.Close(c)
	return true
}

func (d *Dispatcher) closeUDP(handle uint64) bool {
	c, ok := d.flows.UDP.FindByHandle(handle)
	if !ok {
		return false
	}
	defer c.Release()
	if d.Attached() && announced(c.Flags()) {
		d.notify(wire.UDPClosed, c.ID(), closedStats(c.Stats()).Append(nil))
	}
	d.flows.UDP.Close(c)
	return true
}

func closedStats(s flow.Stats) wire.FlowStats {
	return wire.FlowStats{
		DeliveredIn:  s.DeliveredIn,
		DeliveredOut: s.DeliveredOut,
		InjectedIn:   s.InjectedIn,
		InjectedOut:  s.InjectedOut,
	}
}

// ClassifyIP classifies a raw IP packet. Packets matching a filter-as-IP
// rule are absorbed into the shared IP queue.
func (d *Dispatcher) ClassifyIP(p kernel.IPPacket) kernel.Verdict {
	const layer = LayerIPPacket
	if !d.Attached() || d.rules.Capabilities() == 0 {
		d.metrics.Classified(layer.String(), kernel.VerdictAccept.String())
		return kernel.VerdictAccept
	}
	local, remote := p.Info.Tuple(p.Direction)
	info := engine.FlowInfo{
		Protocol:  p.Info.Protocol,
		Family:    p.Info.Family,
		Direction: p.Direction,
		Local:     local,
		Remote:    remote,
	}
	v := d.rules.FindByFlow(&info)

	verdict := kernel.VerdictAccept
	switch {
	case v.Flags&engine.FlagBlock != 0:
		verdict = kernel.VerdictDrop
	case v.Flags&engine.FlagFilterAsIP != 0:
		schedule, err := d.flows.IP.Pend(&flow.Packet{
			Direction:      p.Direction,
			Flags:          flow.PacketHeld,
			Data:           p.Data,
			Local:          local,
			Remote:         remote,
			InterfaceIndex: p.InterfaceIndex,
			StackID:        p.StackID,
		})
		switch {
		case err != nil:
			d.degraded("ip queue full, dropping packet", "error", err)
			verdict = kernel.VerdictDrop
		default:
			if schedule {
				d.deliver(d.flows.IP)
			}
			verdict = kernel.VerdictAbsorb
		}
	}
	d.metrics.Classified(layer.String(), verdict.String())
	return verdict
}
