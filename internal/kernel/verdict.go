// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

// Verdict is the decision returned for an IP-layer event.
type Verdict int

const (
	// VerdictDrop drops the packet
	VerdictDrop Verdict = iota
	// VerdictAccept lets the packet continue
	VerdictAccept
	// VerdictAbsorb keeps the packet held by the stack until it is
	// injected or the flow is torn down
	VerdictAbsorb
	// VerdictHold keeps the packet held for its flow. The next stream or
	// datagram injection in the same direction completes it.
	VerdictHold
	// VerdictPending defers the decision; the handler settles it later
	VerdictPending
)

func (v Verdict) String() string {
	switch v {
	case VerdictDrop:
		return "drop"
	case VerdictAccept:
		return "accept"
	case VerdictAbsorb:
		return "absorb"
	case VerdictHold:
		return "hold"
	case VerdictPending:
		return "pending"
	}
	return "unknown"
}
