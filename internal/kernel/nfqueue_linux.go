// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"bytes"
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

// NFQueueStack intercepts IP traffic through an NFQUEUE and re-emits
// injected packets either as a modified verdict on the held original or
// through a raw socket carrying the bypass mark. TCP and UDP packets are
// tagged with their TupleHandle so the handler can raise flow events;
// segments it holds are completed by stream and datagram injections.
type NFQueueStack struct {
	config NFQueueConfig
	logger *logging.Logger

	mu       sync.Mutex
	handler  PacketHandler
	teardown FlowTeardown
	nf       verdictSetter
	table    *nftables.Table
	tuples   map[uint64]*trackedFlow
	flows    heldFlows
	credit   map[heldKey][]byte
	rawFD    [2]int
	running  atomic.Bool

	received atomic.Uint64
	absorbed atomic.Uint64
	errors   atomic.Uint64
}

// verdictSetter is the part of the queue used to settle packets.
type verdictSetter interface {
	SetVerdict(id uint32, verdict int) error
	SetVerdictModPacket(id uint32, verdict int, packet []byte) error
}

type flowTuple struct {
	proto    uint8
	src, dst netip.AddrPort
}

type trackedFlow struct {
	tuple    flowTuple
	lastSeen time.Time
}

// NewNFQueueStack creates a stack for cfg. Install and Run must be called
// before traffic flows.
func NewNFQueueStack(cfg NFQueueConfig, logger *logging.Logger) *NFQueueStack {
	if logger == nil {
		logger = logging.WithComponent("nfqueue")
	}
	cfg.applyDefaults()
	return &NFQueueStack{
		config: cfg,
		logger: logger,
		tuples: make(map[uint64]*trackedFlow),
		flows:  newHeldFlows(),
		credit: make(map[heldKey][]byte),
		rawFD:  [2]int{-1, -1},
	}
}

// SetHandler installs the packet classifier.
func (s *NFQueueStack) SetHandler(h PacketHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// SetTeardown installs the callback run for flows that went idle.
func (s *NFQueueStack) SetTeardown(fn FlowTeardown) {
	s.mu.Lock()
	s.teardown = fn
	s.mu.Unlock()
}

// Now returns wall time.
func (s *NFQueueStack) Now() time.Time { return time.Now() }

// Install creates the inet table with input and output chains that queue
// every packet not carrying the bypass mark.
func (s *NFQueueStack) Install() error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to create nftables connection")
	}

	table := conn.AddTable(&nftables.Table{Name: s.config.Table, Family: nftables.TableFamilyINet})
	for _, hook := range []struct {
		name string
		num  *nftables.ChainHook
	}{
		{"input", nftables.ChainHookInput},
		{"output", nftables.ChainHookOutput},
	} {
		chain := conn.AddChain(&nftables.Chain{
			Name:     hook.name,
			Table:    table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  hook.num,
			Priority: nftables.ChainPriorityFilter,
		})
		queue := &expr.Queue{Num: s.config.Queue}
		if s.config.Bypass {
			queue.Flag = expr.QueueFlagBypass
		}
		conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
				&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(s.config.Mark)},
				&expr.Counter{},
				queue,
			},
		})
	}
	if err := conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "install nftables table %s", s.config.Table)
	}

	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
	s.logger.Info("queue rules installed", "table", s.config.Table, "queue", s.config.Queue)
	return nil
}

// Uninstall removes the table created by Install.
func (s *NFQueueStack) Uninstall() error {
	s.mu.Lock()
	table := s.table
	s.table = nil
	s.mu.Unlock()
	if table == nil {
		return nil
	}

	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to create nftables connection")
	}
	conn.DelTable(table)
	if err := conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "remove nftables table %s", table.Name)
	}
	return nil
}

// Run receives queued packets until ctx ends.
func (s *NFQueueStack) Run(ctx context.Context) error {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      s.config.Queue,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  s.config.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "open nfqueue %d", s.config.Queue)
	}
	defer nf.Close()

	if err := s.openRaw(); err != nil {
		return err
	}
	defer s.closeRaw()

	s.mu.Lock()
	s.nf = nf
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.nf = nil
		s.mu.Unlock()
	}()

	errFn := func(e error) int {
		s.errors.Add(1)
		s.logger.Warn("nfqueue receive error", "error", e)
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, func(a nfqueue.Attribute) int {
		s.handle(nf, a)
		return 0
	}, errFn); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "register nfqueue handler")
	}

	idle := s.config.idleTimeout()
	sweep := time.NewTicker(idle / 2)
	defer sweep.Stop()

	s.running.Store(true)
	s.logger.Info("nfqueue stack running", "queue", s.config.Queue, "idle_timeout", idle)
	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return nil
		case now := <-sweep.C:
			if gone := s.Sweep(now); len(gone) > 0 {
				s.logger.Debug("idle flows forgotten", "count", len(gone))
			}
		}
	}
}

func (s *NFQueueStack) handle(nf verdictSetter, a nfqueue.Attribute) {
	if a.PacketID == nil || a.Payload == nil {
		return
	}
	dir := engine.DirectionOut
	var ifindex uint32
	if a.InDev != nil {
		dir = engine.DirectionIn
		ifindex = *a.InDev
	} else if a.OutDev != nil {
		ifindex = *a.OutDev
	}
	s.classify(nf, *a.PacketID, dir, ifindex, *a.Payload)
}

// classify runs the handler on one queued packet and settles it unless it
// is held or pending.
func (s *NFQueueStack) classify(nf verdictSetter, id uint32, dir engine.Direction, ifindex uint32, raw []byte) {
	s.received.Add(1)
	info, err := ParsePacket(raw)
	if err != nil {
		nf.SetVerdict(id, nfqueue.NfAccept)
		return
	}
	data := append([]byte(nil), raw...)

	s.mu.Lock()
	h := s.handler
	handle := s.track(info, time.Now())
	s.mu.Unlock()

	if h == nil {
		nf.SetVerdict(id, nfqueue.NfAccept)
		return
	}
	p := IPPacket{
		Direction:      dir,
		Data:           data,
		Info:           info,
		InterfaceIndex: ifindex,
		StackID:        uint64(id),
		FlowHandle:     handle,
	}
	var once sync.Once
	v := h.ClassifyPacket(p, func(final Verdict) {
		once.Do(func() { s.settle(nf, id, final) })
	})

	switch v {
	case VerdictAbsorb:
		s.absorbed.Add(1)
	case VerdictHold:
		// Bytes injected before the segment was queued complete it now.
		k := heldKey{handle, dir}
		s.mu.Lock()
		s.flows.push(handle, dir, heldPacket{id: uint64(id), data: data, info: info})
		var ready []completion
		if len(s.credit[k]) > 0 {
			ready = s.matchLocked(k, false)
		}
		s.mu.Unlock()
		if len(ready) > 0 {
			if err := s.complete(nf, ready); err != nil {
				s.errors.Add(1)
				s.logger.Warn("cannot complete held segment", "error", err)
			}
		}
	case VerdictPending:
	default:
		s.settle(nf, id, v)
	}
}

func (s *NFQueueStack) settle(nf verdictSetter, id uint32, v Verdict) {
	verdict := nfqueue.NfAccept
	if v == VerdictDrop {
		verdict = nfqueue.NfDrop
	}
	if err := nf.SetVerdict(id, verdict); err != nil {
		s.errors.Add(1)
		s.logger.Warn("cannot set packet verdict", "id", id, "error", err)
	}
}

// track records the tuple of TCP and UDP packets and returns their flow
// handle, or zero for other protocols. Callers hold s.mu.
func (s *NFQueueStack) track(info PacketInfo, now time.Time) uint64 {
	if info.Protocol != engine.ProtoTCP && info.Protocol != engine.ProtoUDP {
		return 0
	}
	handle := TupleHandle(info.Protocol, info.Src, info.Dst)
	if f, ok := s.tuples[handle]; ok {
		f.lastSeen = now
		return handle
	}
	s.tuples[handle] = &trackedFlow{
		tuple:    flowTuple{proto: info.Protocol, src: info.Src, dst: info.Dst},
		lastSeen: now,
	}
	return handle
}

// Inject completes held packets with the inspector's bytes or sends a new
// packet through the raw socket. Stream bytes complete held segments in
// order once enough of them arrived to cover a segment.
func (s *NFQueueStack) Inject(inj Injection, done func(error)) error {
	switch inj.Layer {
	case LayerStream:
		return s.injectStream(inj, done)
	case LayerDatagram:
		return s.injectDatagram(inj, done)
	}

	data, err := FixChecksums(inj.Data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	nf := s.nf
	s.mu.Unlock()

	if inj.StackID != 0 {
		if nf == nil {
			return errors.New(errors.KindUnavailable, "nfqueue is not running")
		}
		go func() {
			done(nf.SetVerdictModPacket(uint32(inj.StackID), nfqueue.NfAccept, data))
		}()
		return nil
	}

	info, err := ParsePacket(data)
	if err != nil {
		return err
	}
	go func() { done(s.sendRaw(info, data)) }()
	return nil
}

type completion struct {
	packet  heldPacket
	payload []byte
}

func (s *NFQueueStack) injectStream(inj Injection, done func(error)) error {
	k := heldKey{inj.FlowHandle, inj.Direction}

	s.mu.Lock()
	nf := s.nf
	if nf == nil {
		s.mu.Unlock()
		return errors.New(errors.KindUnavailable, "nfqueue is not running")
	}
	s.credit[k] = append(s.credit[k], inj.Data...)
	ready := s.matchLocked(k, inj.Disconnect)
	s.mu.Unlock()

	go func() { done(s.complete(nf, ready)) }()
	return nil
}

// matchLocked pairs held segments of k with injected bytes, oldest first.
// Empty segments carry FIN and complete on a disconnect once every byte
// before them was matched.
func (s *NFQueueStack) matchLocked(k heldKey, disconnect bool) []completion {
	buf := s.credit[k]
	var ready []completion
	for {
		p, ok := s.flows.peek(k.handle, k.dir)
		if !ok {
			break
		}
		n := p.info.Payload
		if n == 0 {
			if len(buf) > 0 || !disconnect {
				break
			}
		} else if len(buf) < n {
			break
		}
		s.flows.pop(k.handle, k.dir)
		ready = append(ready, completion{packet: p, payload: buf[:n:n]})
		buf = buf[n:]
	}
	if len(buf) > 0 {
		s.credit[k] = buf
	} else {
		delete(s.credit, k)
	}
	return ready
}

func (s *NFQueueStack) injectDatagram(inj Injection, done func(error)) error {
	s.mu.Lock()
	nf := s.nf
	p, ok := s.flows.pop(inj.FlowHandle, inj.Direction)
	s.mu.Unlock()

	if ok {
		if nf == nil {
			return errors.New(errors.KindUnavailable, "nfqueue is not running")
		}
		payload := append([]byte(nil), inj.Data...)
		go func() { done(s.complete(nf, []completion{{packet: p, payload: payload}})) }()
		return nil
	}

	src, dst := inj.Local, inj.Remote
	if inj.Direction == engine.DirectionIn {
		src, dst = inj.Remote, inj.Local
	}
	data, err := BuildUDP(src, dst, inj.Data)
	if err != nil {
		return err
	}
	info, err := ParsePacket(data)
	if err != nil {
		return err
	}
	go func() { done(s.sendRaw(info, data)) }()
	return nil
}

// complete accepts each held packet with its new payload. Packets whose
// payload cannot be rewritten are dropped.
func (s *NFQueueStack) complete(nf verdictSetter, ready []completion) error {
	var errs []error
	for _, c := range ready {
		id := uint32(c.packet.id)
		if bytes.Equal(PayloadOf(c.packet.data, c.packet.info), c.payload) {
			errs = append(errs, nf.SetVerdict(id, nfqueue.NfAccept))
			continue
		}
		data, err := RewritePayload(c.packet.data, c.payload)
		if err != nil {
			nf.SetVerdict(id, nfqueue.NfDrop)
			errs = append(errs, err)
			continue
		}
		errs = append(errs, nf.SetVerdictModPacket(id, nfqueue.NfAccept, data))
	}
	return errors.Join(errs...)
}

// release accepts packets that will not be injected.
func (s *NFQueueStack) release(nf verdictSetter, held []heldPacket) {
	if nf == nil {
		return
	}
	for _, p := range held {
		if err := nf.SetVerdict(uint32(p.id), nfqueue.NfAccept); err != nil {
			s.errors.Add(1)
			s.logger.Warn("cannot release held packet", "id", p.id, "error", err)
		}
	}
}

// AbortFlow deletes the conntrack entry of a flow seen on the queue.
func (s *NFQueueStack) AbortFlow(handle uint64) error {
	s.mu.Lock()
	f, ok := s.tuples[handle]
	nf := s.nf
	held := s.forgetLocked(handle)
	s.mu.Unlock()
	for _, p := range held {
		if nf != nil {
			nf.SetVerdict(uint32(p.id), nfqueue.NfDrop)
		}
	}
	if !ok {
		return errors.Errorf(errors.KindNotFound, "flow %d not tracked", handle)
	}
	return deleteConntrack(f.tuple)
}

// Forget drops state for a torn down flow. Packets still held for it are
// released unchanged.
func (s *NFQueueStack) Forget(handle uint64) {
	s.mu.Lock()
	nf := s.nf
	held := s.forgetLocked(handle)
	s.mu.Unlock()
	s.release(nf, held)
}

func (s *NFQueueStack) forgetLocked(handle uint64) []heldPacket {
	delete(s.tuples, handle)
	delete(s.credit, heldKey{handle, engine.DirectionOut})
	delete(s.credit, heldKey{handle, engine.DirectionIn})
	return s.flows.forget(handle)
}

// Sweep forgets flows idle since before now minus the idle timeout,
// releases their held packets and reports them to the teardown callback.
// It returns the forgotten handles.
func (s *NFQueueStack) Sweep(now time.Time) []uint64 {
	idle := s.config.idleTimeout()

	s.mu.Lock()
	var gone []uint64
	var held []heldPacket
	for handle, f := range s.tuples {
		if now.Sub(f.lastSeen) < idle {
			continue
		}
		gone = append(gone, handle)
		held = append(held, s.forgetLocked(handle)...)
	}
	nf, teardown := s.nf, s.teardown
	s.mu.Unlock()

	s.release(nf, held)
	if teardown != nil {
		for _, handle := range gone {
			teardown(handle)
		}
	}
	return gone
}

// Stats returns queue counters.
func (s *NFQueueStack) Stats() NFQueueStats {
	s.mu.Lock()
	held, tracked := s.flows.len(), len(s.tuples)
	s.mu.Unlock()
	return NFQueueStats{
		Received: s.received.Load(),
		Absorbed: s.absorbed.Load(),
		Held:     uint64(held),
		Tracked:  tracked,
		Errors:   s.errors.Load(),
		Running:  s.running.Load(),
	}
}

func (s *NFQueueStack) openRaw() error {
	for i, family := range []int{unix.AF_INET, unix.AF_INET6} {
		fd, err := unix.Socket(family, unix.SOCK_RAW, unix.IPPROTO_RAW)
		if err != nil {
			s.closeRaw()
			return errors.Wrap(err, errors.KindPermission, "open raw socket")
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(s.config.Mark)); err != nil {
			unix.Close(fd)
			s.closeRaw()
			return errors.Wrap(err, errors.KindPermission, "mark raw socket")
		}
		s.rawFD[i] = fd
	}
	return nil
}

func (s *NFQueueStack) closeRaw() {
	for i, fd := range s.rawFD {
		if fd >= 0 {
			unix.Close(fd)
			s.rawFD[i] = -1
		}
	}
}

func (s *NFQueueStack) sendRaw(info PacketInfo, data []byte) error {
	dst := info.Dst.Addr()
	if dst.Is4() {
		sa := &unix.SockaddrInet4{Addr: dst.As4()}
		return unix.Sendto(s.rawFD[0], data, 0, sa)
	}
	// IPPROTO_RAW implies a caller-supplied header for both families.
	sa := &unix.SockaddrInet6{Addr: dst.As16()}
	return unix.Sendto(s.rawFD[1], data, 0, sa)
}
