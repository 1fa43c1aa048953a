// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import "time"

// NFQueueConfig configures the Linux queue-backed stack.
type NFQueueConfig struct {
	Queue       uint16 `hcl:"queue,optional" json:"queue"`
	Table       string `hcl:"table,optional" json:"table"`
	MaxQueueLen uint32 `hcl:"max_queue_len,optional" json:"max_queue_len"`
	// Mark is set on packets the stack emits itself so the queue rules
	// skip them.
	Mark   uint32 `hcl:"mark,optional" json:"mark"`
	Bypass bool   `hcl:"bypass,optional" json:"bypass"`
	// IdleTimeout forgets flows that sent no packet for this long. Held
	// packets of a forgotten flow are released unchanged.
	IdleTimeout string `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty"`
}

// DefaultFlowIdleTimeout applies when IdleTimeout is empty or invalid.
const DefaultFlowIdleTimeout = 5 * time.Minute

func (c NFQueueConfig) idleTimeout() time.Duration {
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil || d <= 0 {
		return DefaultFlowIdleTimeout
	}
	return d
}

// DefaultNFQueueConfig returns queue 100 in table "flowguard".
func DefaultNFQueueConfig() NFQueueConfig {
	c := NFQueueConfig{Bypass: true}
	c.applyDefaults()
	return c
}

func (c *NFQueueConfig) applyDefaults() {
	if c.Queue == 0 {
		c.Queue = 100
	}
	if c.Table == "" {
		c.Table = "flowguard"
	}
	if c.MaxQueueLen == 0 {
		c.MaxQueueLen = 1024
	}
	if c.Mark == 0 {
		c.Mark = 0x464700
	}
}

// NFQueueStats holds statistics for the queue stack.
type NFQueueStats struct {
	Received uint64 `json:"received"`
	Absorbed uint64 `json:"absorbed"`
	Held     uint64 `json:"held"`
	Tracked  int    `json:"tracked"`
	Errors   uint64 `json:"errors"`
	Running  bool   `json:"running"`
}
