// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pend provides a one-shot completion handle for classifications
// that are parked while the inspector decides.
package pend

import (
	"context"
	"net/netip"
	"sync"
)

// Outcome is how a parked classification was resolved.
type Outcome uint8

const (
	// OutcomePermit lets the operation continue unchanged.
	OutcomePermit Outcome = iota
	OutcomeBlock
	// OutcomeRedirect continues with the addresses in Result.
	OutcomeRedirect
	// OutcomePurged means the handle was released without a verdict, for
	// example on inspector detach or flow teardown. The caller permits.
	OutcomePurged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBlock:
		return "block"
	case OutcomeRedirect:
		return "redirect"
	case OutcomePurged:
		return "purged"
	default:
		return "permit"
	}
}

// Result carries the final verdict.
type Result struct {
	Outcome Outcome
	Remote  netip.AddrPort
	Local   netip.AddrPort
	// ProcessID lets the inspector attribute a redirected connection to a
	// different local process.
	ProcessID uint32
}

// Handle is resolved exactly once. Every later Complete or Purge is a
// no-op that returns false.
type Handle struct {
	ID   uint64
	once sync.Once
	done chan struct{}
	res  Result
}

// New returns an unresolved handle.
func New(id uint64) *Handle {
	return &Handle{ID: id, done: make(chan struct{})}
}

// Complete resolves the handle with r. It reports whether this call was
// the one that resolved it.
func (h *Handle) Complete(r Result) bool {
	won := false
	h.once.Do(func() {
		h.res = r
		close(h.done)
		won = true
	})
	return won
}

// Purge resolves the handle with OutcomePurged if nothing else has.
func (h *Handle) Purge() bool {
	return h.Complete(Result{Outcome: OutcomePurged})
}

// Done is closed once the handle is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Resolved reports whether the handle has been completed.
func (h *Handle) Resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Result returns the verdict and whether it is available yet.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the handle resolves or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
