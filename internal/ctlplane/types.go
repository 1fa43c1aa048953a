// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"os"

	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/qos"
)

// DefaultSocketPath is where the daemon listens unless FLOWGUARD_SOCKET
// overrides it.
const DefaultSocketPath = "/run/flowguard/ctl.sock"

// SocketPath resolves the control socket path.
func SocketPath() string {
	if p := os.Getenv("FLOWGUARD_SOCKET"); p != "" {
		return p
	}
	return DefaultSocketPath
}

// Empty is used for calls without arguments or results.
type Empty struct{}

type StatusReply struct {
	Status Status
}

type FlowArgs struct {
	ID uint64
}

type BucketArgs struct {
	ID     uint64
	Limits qos.Limits
}

type BucketReply struct {
	ID uint64
}

type BucketStatsReply struct {
	Buckets []qos.Stats
}

// RulesArgs carries wire-encoded rule records.
type RulesArgs struct {
	Records []byte
}

type RulesReply struct {
	Count int
}

type PIDArgs struct {
	PID uint32
}

type ImagePathReply struct {
	Path string
}

type FlowStatsReply struct {
	Flows []flow.Stats
}

type AttachArgs struct {
	PID uint32
}

// AttachReply describes the session's regions. Shared regions can be
// mapped from InboundPath and OutboundPath; otherwise record bytes travel
// inside ReadEvents and WriteCommands.
type AttachReply struct {
	SessionID    string
	Shared       bool
	InboundPath  string
	OutboundPath string
	RegionSize   int
}

type SessionArgs struct {
	SessionID string
}

type ReadArgs struct {
	SessionID string
	// TimeoutMs bounds the wait. Zero waits until events arrive.
	TimeoutMs int64
}

type ReadReply struct {
	N    int
	Data []byte
}

// WriteArgs submits inbound records. Data is copied into the inbound
// region; when it is empty, N bytes already written to a shared region
// are decoded.
type WriteArgs struct {
	SessionID string
	Data      []byte
	N         int
}

type WriteReply struct {
	Consumed int
}
