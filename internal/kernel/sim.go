// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"sync"
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
)

// SimStack is an in-memory stack. It records every injection and abort,
// can fail injections on demand and can hold completions until the test
// releases them. Packets fed to it carry their TupleHandle, so a handler
// can drive flow-level events from raw traffic.
type SimStack struct {
	clock clock.Clock

	mu       sync.Mutex
	handler  PacketHandler
	injected []Injection
	aborted  []uint64
	held     map[uint64]IPPacket
	flows    heldFlows
	settled  []Verdict
	pending  int
	nextID   uint64
	async    bool
	parked   []func(error)
	refuse   error
	failNext []error
	counters map[string]uint64
}

// NewSimStack creates a stack driven by clk.
func NewSimStack(clk clock.Clock) *SimStack {
	if clk == nil {
		clk = clock.Real{}
	}
	return &SimStack{
		clock:    clk,
		held:     make(map[uint64]IPPacket),
		flows:    newHeldFlows(),
		counters: make(map[string]uint64),
	}
}

// Now returns the stack clock.
func (s *SimStack) Now() time.Time { return s.clock.Now() }

// SetHandler installs the classifier used by Feed.
func (s *SimStack) SetHandler(h PacketHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// SetAsync makes completions wait for Complete instead of running inline.
func (s *SimStack) SetAsync(on bool) {
	s.mu.Lock()
	s.async = on
	s.mu.Unlock()
}

// Refuse makes every Inject fail synchronously with err. Nil restores
// normal operation.
func (s *SimStack) Refuse(err error) {
	s.mu.Lock()
	s.refuse = err
	s.mu.Unlock()
}

// FailNext completes the next injection with err.
func (s *SimStack) FailNext(err error) {
	s.mu.Lock()
	s.failNext = append(s.failNext, err)
	s.mu.Unlock()
}

// Inject records inj. Absorbed IP packets referenced by StackID are
// released from the held set. Stream and datagram injections complete the
// oldest packet held for their flow and direction, if any, one packet per
// injection.
func (s *SimStack) Inject(inj Injection, done func(error)) error {
	s.mu.Lock()
	if s.refuse != nil {
		err := s.refuse
		s.counters["inject_refused"]++
		s.mu.Unlock()
		return err
	}
	if inj.Layer == LayerIP && inj.StackID != 0 {
		if _, ok := s.held[inj.StackID]; !ok {
			s.mu.Unlock()
			return errors.Errorf(errors.KindNotFound, "no held packet %d", inj.StackID)
		}
		delete(s.held, inj.StackID)
	}
	if inj.Layer != LayerIP && inj.FlowHandle != 0 {
		// Data completes a segment with payload, a bare disconnect an
		// empty one.
		p, ok := s.flows.peek(inj.FlowHandle, inj.Direction)
		if ok && (p.info.Payload > 0) == (len(inj.Data) > 0) {
			s.flows.pop(inj.FlowHandle, inj.Direction)
			s.counters["held_completed"]++
		}
	}

	inj.Data = append([]byte(nil), inj.Data...)
	s.injected = append(s.injected, inj)
	s.counters["injected_"+inj.Layer.String()]++

	var result error
	if len(s.failNext) > 0 {
		result = s.failNext[0]
		s.failNext = s.failNext[1:]
		s.counters["inject_failed"]++
	}
	if s.async {
		s.parked = append(s.parked, func(error) { done(result) })
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	done(result)
	return nil
}

// Complete runs up to n parked completions in order and returns how many
// ran. A negative n runs all of them.
func (s *SimStack) Complete(n int) int {
	s.mu.Lock()
	if n < 0 || n > len(s.parked) {
		n = len(s.parked)
	}
	run := make([]func(error), n)
	copy(run, s.parked[:n])
	s.parked = s.parked[n:]
	s.mu.Unlock()

	for _, fn := range run {
		fn(nil)
	}
	return len(run)
}

// Parked returns the number of completions waiting for Complete.
func (s *SimStack) Parked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parked)
}

// AbortFlow records the abort.
func (s *SimStack) AbortFlow(handle uint64) error {
	if handle == 0 {
		return errors.New(errors.KindValidation, "flow handle is zero")
	}
	s.mu.Lock()
	s.aborted = append(s.aborted, handle)
	s.counters["aborted"]++
	s.mu.Unlock()
	return nil
}

// Feed reports a raw IP packet travelling in dir to the installed handler
// and returns its verdict. Absorbed packets are held until injected by
// StackID, held packets until the next injection for their flow. Pending
// verdicts are recorded by Settled once the handler resolves them.
func (s *SimStack) Feed(dir engine.Direction, data []byte) (Verdict, error) {
	info, err := ParsePacket(data)
	if err != nil {
		return VerdictAccept, err
	}

	s.mu.Lock()
	h := s.handler
	s.nextID++
	p := IPPacket{Direction: dir, Data: data, Info: info, InterfaceIndex: 1, StackID: s.nextID}
	if info.Protocol == engine.ProtoTCP || info.Protocol == engine.ProtoUDP {
		p.FlowHandle = TupleHandle(info.Protocol, info.Src, info.Dst)
	}
	s.mu.Unlock()

	v := VerdictAccept
	if h != nil {
		var once sync.Once
		v = h.ClassifyPacket(p, func(final Verdict) {
			once.Do(func() { s.settle(final) })
		})
	}

	s.mu.Lock()
	s.counters["verdict_"+v.String()]++
	switch v {
	case VerdictAbsorb:
		s.held[p.StackID] = p
	case VerdictHold:
		s.flows.push(p.FlowHandle, dir, heldPacket{id: p.StackID, data: data, info: info})
	case VerdictPending:
		s.pending++
	}
	s.mu.Unlock()
	return v, nil
}

func (s *SimStack) settle(v Verdict) {
	s.mu.Lock()
	s.pending--
	s.settled = append(s.settled, v)
	s.counters["settled_"+v.String()]++
	s.mu.Unlock()
}

// Settled returns the final verdicts of pending packets in the order they
// were resolved.
func (s *SimStack) Settled() []Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Verdict(nil), s.settled...)
}

// Pending returns the number of packets still waiting for a verdict.
func (s *SimStack) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Forget discards packets held for a torn down flow.
func (s *SimStack) Forget(handle uint64) {
	s.mu.Lock()
	s.counters["held_forgotten"] += uint64(len(s.flows.forget(handle)))
	s.mu.Unlock()
}

// Injected returns a copy of every recorded injection.
func (s *SimStack) Injected() []Injection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Injection(nil), s.injected...)
}

// Aborted returns the aborted flow handles.
func (s *SimStack) Aborted() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.aborted...)
}

// Held returns the number of absorbed and held packets not yet injected.
func (s *SimStack) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held) + s.flows.len()
}

// Counters returns named event counters.
func (s *SimStack) Counters() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Reset clears recorded state. Parked completions are discarded.
func (s *SimStack) Reset() {
	s.mu.Lock()
	s.injected = nil
	s.aborted = nil
	s.parked = nil
	s.failNext = nil
	s.held = make(map[uint64]IPPacket)
	s.flows = newHeldFlows()
	s.settled = nil
	s.pending = 0
	s.counters = make(map[string]uint64)
	s.mu.Unlock()
}
