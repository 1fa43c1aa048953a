// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package kernel

import (
	"context"
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

var errNotLinux = errors.New(errors.KindUnavailable, "nfqueue is only supported on Linux")

// NFQueueStack is a stub for non-Linux systems.
type NFQueueStack struct {
	config NFQueueConfig
}

// NewNFQueueStack creates a stub stack.
func NewNFQueueStack(cfg NFQueueConfig, _ *logging.Logger) *NFQueueStack {
	cfg.applyDefaults()
	return &NFQueueStack{config: cfg}
}

func (s *NFQueueStack) SetHandler(PacketHandler)            {}
func (s *NFQueueStack) SetTeardown(FlowTeardown)            {}
func (s *NFQueueStack) Now() time.Time                      { return time.Now() }
func (s *NFQueueStack) Install() error                      { return errNotLinux }
func (s *NFQueueStack) Uninstall() error                    { return nil }
func (s *NFQueueStack) Run(context.Context) error           { return errNotLinux }
func (s *NFQueueStack) Inject(Injection, func(error)) error { return errNotLinux }
func (s *NFQueueStack) AbortFlow(uint64) error              { return errNotLinux }
func (s *NFQueueStack) Forget(uint64)                       {}
func (s *NFQueueStack) Sweep(time.Time) []uint64            { return nil }
func (s *NFQueueStack) Stats() NFQueueStats                 { return NFQueueStats{} }
