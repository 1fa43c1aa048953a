// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import "grimm.is/flowguard/internal/engine"

// heldPacket is a packet the stack keeps for a flow until the engine
// injects its data.
type heldPacket struct {
	id   uint64
	data []byte
	info PacketInfo
}

type heldKey struct {
	handle uint64
	dir    engine.Direction
}

// heldFlows queues held packets per flow and direction, oldest first.
// Injections for a direction complete its packets in order. Callers
// synchronize access.
type heldFlows struct {
	m map[heldKey][]heldPacket
	n int
}

func newHeldFlows() heldFlows {
	return heldFlows{m: make(map[heldKey][]heldPacket)}
}

func (h *heldFlows) push(handle uint64, dir engine.Direction, p heldPacket) {
	k := heldKey{handle, dir}
	h.m[k] = append(h.m[k], p)
	h.n++
}

func (h *heldFlows) peek(handle uint64, dir engine.Direction) (heldPacket, bool) {
	q := h.m[heldKey{handle, dir}]
	if len(q) == 0 {
		return heldPacket{}, false
	}
	return q[0], true
}

func (h *heldFlows) pop(handle uint64, dir engine.Direction) (heldPacket, bool) {
	k := heldKey{handle, dir}
	q := h.m[k]
	if len(q) == 0 {
		return heldPacket{}, false
	}
	p := q[0]
	if len(q) == 1 {
		delete(h.m, k)
	} else {
		h.m[k] = q[1:]
	}
	h.n--
	return p, true
}

// forget removes every packet held for handle and returns them.
func (h *heldFlows) forget(handle uint64) []heldPacket {
	var out []heldPacket
	for _, dir := range []engine.Direction{engine.DirectionOut, engine.DirectionIn} {
		k := heldKey{handle, dir}
		out = append(out, h.m[k]...)
		delete(h.m, k)
	}
	h.n -= len(out)
	return out
}

func (h *heldFlows) len() int { return h.n }
