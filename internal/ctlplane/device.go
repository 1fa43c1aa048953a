// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane is the device control surface between the engine and
// the inspector: an outbound event queue, the shared record regions, the
// read/write protocol over them and an RPC transport for management.
package ctlplane

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/flowguard/internal/callout"
	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/qos"
	"grimm.is/flowguard/internal/slotlist"
)

// ErrClosed completes reads that were pending when the session closed.
var ErrClosed = errors.New(errors.KindUnavailable, "device session closed")

// Config sizes the device.
type Config struct {
	// RegionSize is the size of each shared region.
	RegionSize int
	// SharedDir, when set, backs regions with files mapped from this
	// directory so a separate process can map them too.
	SharedDir string
	// MaxEvents bounds the outbound queue. Zero is unbounded.
	MaxEvents int
	// DriverType is reported by DriverType.
	DriverType string
}

// DefaultConfig returns heap regions large enough for the biggest record.
func DefaultConfig() Config {
	return Config{
		RegionSize: 2 << 20,
		MaxEvents:  1 << 16,
		DriverType: "sim",
	}
}

// Deps are the engine components the device drives.
type Deps struct {
	Dispatcher *callout.Dispatcher
	Rules      *engine.RuleSet
	QoS        *qos.Manager
	Flows      *flow.Manager
	Resolver   kernel.ProcessResolver
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Logger     *logging.Logger
}

// Session is an attached inspector.
type Session struct {
	ID     uuid.UUID
	PID    uint32
	Opened time.Time

	in  Region
	out Region
}

// Inbound is the region the inspector writes commands into.
func (s *Session) Inbound() Region { return s.in }

// Outbound is the region Read fills with events.
func (s *Session) Outbound() Region { return s.out }

type readResult struct {
	n   int
	err error
}

type readRequest struct {
	done chan readResult
}

// Device owns the inspector session and the outbound event queue.
type Device struct {
	config     Config
	dispatcher *callout.Dispatcher
	rules      *engine.RuleSet
	qos        *qos.Manager
	flows      *flow.Manager
	resolver   kernel.ProcessResolver
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *logging.Logger
	queue      *EventQueue

	mu      sync.Mutex
	session *Session
	reads   *slotlist.List[*readRequest]
	stopped bool

	// io guards region memory against unmapping during Write.
	io sync.RWMutex

	wake chan struct{}
}

// New creates a device and installs its event queue as the dispatcher's
// sink.
func New(cfg Config, deps Deps) *Device {
	def := DefaultConfig()
	if cfg.RegionSize <= 0 {
		cfg.RegionSize = def.RegionSize
	}
	if cfg.DriverType == "" {
		cfg.DriverType = def.DriverType
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.WithComponent("device")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	d := &Device{
		config:     cfg,
		dispatcher: deps.Dispatcher,
		rules:      deps.Rules,
		qos:        deps.QoS,
		flows:      deps.Flows,
		resolver:   deps.Resolver,
		metrics:    deps.Metrics,
		clock:      clk,
		logger:     logger,
		queue:      NewEventQueue(cfg.MaxEvents, deps.Metrics, logger.WithComponent("events")),
		reads:      slotlist.New[*readRequest](4),
		wake:       make(chan struct{}, 1),
	}
	d.queue.Close()
	if d.dispatcher != nil {
		d.dispatcher.SetSink(d.queue)
	}
	return d
}

// Queue returns the outbound event queue.
func (d *Device) Queue() *EventQueue { return d.queue }

func (d *Device) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Device) regions(id uuid.UUID) (in, out Region, err error) {
	size := d.config.RegionSize
	if d.config.SharedDir == "" {
		return NewHeapRegion("in", size), NewHeapRegion("out", size), nil
	}
	in, err = MapRegion(d.config.SharedDir, "flowguard-"+id.String()+".in", size)
	if err != nil {
		return nil, nil, err
	}
	out, err = MapRegion(d.config.SharedDir, "flowguard-"+id.String()+".out", size)
	if err != nil {
		in.Close()
		return nil, nil, err
	}
	return in, out, nil
}

// Open attaches the inspector running as pid. Only one inspector may be
// attached at a time.
func (d *Device) Open(pid uint32) (*Session, error) {
	if pid == 0 {
		return nil, errors.New(errors.KindValidation, "inspector pid is zero")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, errors.New(errors.KindUnavailable, "device is shut down")
	}
	if d.session != nil {
		return nil, errors.Attr(errors.New(errors.KindConflict, "an inspector is already attached"), "pid", d.session.PID)
	}

	id := uuid.New()
	in, out, err := d.regions(id)
	if err != nil {
		return nil, err
	}
	s := &Session{ID: id, PID: pid, Opened: d.clock.Now(), in: in, out: out}
	d.session = s
	d.queue.Open()
	d.dispatcher.Attach(pid)
	d.logger.Info("session opened", "session", id.String(), "pid", pid, "region_size", d.config.RegionSize)
	return s, nil
}

// Close detaches the session. Pending reads fail with ErrClosed and every
// flow reverts to default-permit.
func (d *Device) Close(s *Session) error {
	d.mu.Lock()
	if s == nil || d.session != s {
		d.mu.Unlock()
		return errors.New(errors.KindNotFound, "session is not open")
	}
	d.session = nil
	reads := d.reads.Drain()
	d.mu.Unlock()

	for _, r := range reads {
		r.done <- readResult{err: ErrClosed}
	}
	d.queue.Close()
	d.dispatcher.Detach()

	d.io.Lock()
	var errs []error
	for _, r := range []Region{s.in, s.out} {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.io.Unlock()

	d.logger.Info("session closed", "session", s.ID.String(), "pid", s.PID, "reads_canceled", len(reads))
	return errors.Join(errs...)
}

// Shutdown closes any open session and refuses new ones.
func (d *Device) Shutdown() {
	d.mu.Lock()
	d.stopped = true
	s := d.session
	d.mu.Unlock()

	if s != nil {
		if err := d.Close(s); err != nil {
			d.logger.Warn("session close failed", "error", err)
		}
	}
	d.queue.Close()
	d.signal()
}

// Current returns the open session, if any.
func (d *Device) Current() (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session, d.session != nil
}

// Read waits until the pump has written events into the session's
// outbound region and returns the byte count. Cancelling ctx withdraws
// the request.
func (d *Device) Read(ctx context.Context, s *Session) (int, error) {
	d.mu.Lock()
	if s == nil || d.session != s {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	req := &readRequest{done: make(chan readResult, 1)}
	h := d.reads.PushBack(req)
	d.mu.Unlock()
	d.signal()

	select {
	case r := <-req.done:
		return r.n, r.err
	case <-ctx.Done():
	}

	d.mu.Lock()
	_, removed := d.reads.Remove(h)
	d.mu.Unlock()
	if removed {
		return 0, errors.Wrap(ctx.Err(), errors.KindTimeout, "read canceled")
	}
	// The pump took the request first; its result stands.
	r := <-req.done
	return r.n, r.err
}

// PendingReads returns the number of reads waiting for events.
func (d *Device) PendingReads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads.Len()
}

// Service completes the oldest pending read if events are queued. It
// reports whether a read was completed.
func (d *Device) Service() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || d.session == nil || d.queue.Len() == 0 {
		return false
	}
	h, req, ok := d.reads.Front()
	if !ok {
		return false
	}
	n := d.queue.Fill(d.session.out.Bytes())
	if n == 0 {
		// Everything queued was suspended or empty; keep the read.
		return false
	}
	d.reads.Remove(h)
	req.done <- readResult{n: n}
	return true
}

// RunPump moves queued events into pending reads until ctx ends.
func (d *Device) RunPump(ctx context.Context) error {
	d.logger.Info("event pump started")
	for {
		for d.Service() {
		}
		select {
		case <-ctx.Done():
			d.logger.Info("event pump stopped")
			return nil
		case <-d.queue.Ready():
		case <-d.wake:
		}
	}
}

// Write decodes n bytes of records from the session's inbound region and
// returns how many bytes were consumed. Consumption stops early when a
// flow pushes back or the last record is incomplete; the caller retries
// the remainder. Malformed records are skipped.
func (d *Device) Write(s *Session, n int) (int, error) {
	d.io.RLock()
	defer d.io.RUnlock()

	if cur, ok := d.Current(); !ok || cur != s {
		return 0, ErrClosed
	}
	buf := s.in.Bytes()
	if n < 0 || n > len(buf) {
		return 0, errors.Errorf(errors.KindValidation, "write of %d bytes exceeds region of %d", n, len(buf))
	}
	buf = buf[:n]

	off := 0
	for off < len(buf) {
		rec, size, err := wire.DecodeRecord(buf[off:])
		if errors.Is(err, wire.ErrShortBuffer) {
			if off == 0 {
				return 0, errors.Errorf(errors.KindValidation, "incomplete record in %d bytes", len(buf))
			}
			break
		}
		if err != nil {
			// A bad length leaves nothing to resynchronize on.
			d.metrics.RecordIn("invalid", true)
			d.logger.Warn("inbound buffer rejected", "offset", off, "bytes", len(buf)-off, "error", err)
			return len(buf), nil
		}

		err = d.command(rec)
		switch {
		case errors.Is(err, callout.ErrBackPressure):
			return off, nil
		case err != nil:
			d.metrics.RecordIn(rec.Code.String(), true)
			d.logger.Debug("inbound record rejected", "code", rec.Code.String(), "id", rec.ID, "error", err)
		default:
			d.metrics.RecordIn(rec.Code.String(), false)
		}
		off += size
	}
	return off, nil
}

// command applies one inbound record.
func (d *Device) command(rec wire.Record) error {
	dp := d.dispatcher
	switch rec.Code {
	case wire.TCPSend:
		return dp.PostStream(rec.ID, engine.DirectionOut, rec.Payload)
	case wire.TCPReceive:
		return dp.PostStream(rec.ID, engine.DirectionIn, rec.Payload)
	case wire.UDPSend, wire.UDPReceive:
		h, data, err := wire.DecodeDatagram(rec.Payload)
		if err != nil {
			return err
		}
		dir := engine.DirectionOut
		if rec.Code == wire.UDPReceive {
			dir = engine.DirectionIn
		}
		return dp.PostDatagram(rec.ID, dir, h, data)
	case wire.IPSend, wire.IPReceive:
		ifindex, pkt, err := wire.DecodeIPPacket(rec.Payload)
		if err != nil {
			return err
		}
		dir := engine.DirectionOut
		if rec.Code == wire.IPReceive {
			dir = engine.DirectionIn
		}
		return dp.PostIP(rec.ID, dir, ifindex, pkt)
	case wire.TCPSetConnState, wire.UDPSetConnState:
		state, err := wire.DecodeU32(rec.Payload)
		if err != nil {
			return err
		}
		return dp.SetConnState(kindOf(rec.Code), rec.ID, state)
	case wire.TCPDisableFiltering, wire.UDPDisableFiltering:
		return dp.DisableFiltering(kindOf(rec.Code), rec.ID)
	case wire.TCPSetNoDelay:
		on, err := wire.DecodeU32(rec.Payload)
		if err != nil {
			return err
		}
		return dp.SetNoDelay(rec.ID, on != 0)
	case wire.TCPConnectVerdict, wire.UDPConnectVerdict:
		v, err := wire.DecodeConnectVerdict(rec.Payload)
		if err != nil {
			return err
		}
		return dp.ConnectVerdict(kindOf(rec.Code), rec.ID, v)
	case wire.TCPAbort:
		return dp.Abort(rec.ID)
	case wire.TCPSetFlowControl, wire.UDPSetFlowControl:
		br, err := wire.DecodeBucketRecord(rec.Payload)
		if err != nil {
			return err
		}
		_, err = dp.SetFlowControl(kindOf(rec.Code), rec.ID, br)
		return err
	}
	return errors.Attr(errors.New(errors.KindValidation, "unexpected inbound code"), "code", rec.Code.String())
}

func kindOf(c wire.Code) flow.Kind {
	switch c {
	case wire.UDPSetConnState, wire.UDPDisableFiltering, wire.UDPConnectVerdict, wire.UDPSetFlowControl:
		return flow.KindUDP
	}
	return flow.KindTCP
}
