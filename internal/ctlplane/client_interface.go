// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"time"

	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/qos"
)

// ControlPlaneClient defines the interface for communicating with the control plane.
// This interface enables mocking in unit tests.
type ControlPlaneClient interface {
	Close() error

	// --- Status ---
	Status() (*Status, error)
	FlowStats() ([]flow.Stats, error)
	ProcessImagePath(pid uint32) (string, error)

	// --- Flows ---
	AbortFlow(id uint64) error

	// --- Flow control ---
	AddBucket(limits qos.Limits) (uint64, error)
	DeleteBucket(id uint64) error
	ModifyBucket(id uint64, limits qos.Limits) error
	BucketStats(id uint64) ([]qos.Stats, error)

	// --- Rules ---
	ReplaceRules(rules []engine.Rule) (int, error)
	AddBindRules(rules []engine.BindRule) (int, error)
	ReplaceBindRules(rules []engine.BindRule) (int, error)

	// --- Inspector session ---
	Attach(pid uint32) (*AttachReply, error)
	Detach(sessionID string) error
	ReadEvents(sessionID string, timeout time.Duration) ([]wire.Record, error)
	WriteCommands(sessionID string, records ...wire.Record) (int, error)
}

// Ensure Client implements ControlPlaneClient
var _ ControlPlaneClient = (*Client)(nil)
