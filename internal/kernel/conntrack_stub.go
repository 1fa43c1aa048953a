// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package kernel

import (
	"context"

	"grimm.is/flowguard/internal/logging"
)

// ConntrackWatcher is a stub for non-Linux systems.
type ConntrackWatcher struct{}

// NewConntrackWatcher creates a stub watcher.
func NewConntrackWatcher(FlowTeardown, *logging.Logger) *ConntrackWatcher {
	return &ConntrackWatcher{}
}

// Run returns an error on non-Linux systems.
func (w *ConntrackWatcher) Run(context.Context) error { return errNotLinux }
