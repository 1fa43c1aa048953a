// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package metrics

// QueueCounters holds packet and byte counts for the queue rules of a chain.
type QueueCounters struct {
	Packets uint64
	Bytes   uint64
}

// collectQueueCounters is a no-op on non-Linux platforms.
func collectQueueCounters(tableName string) (map[string]QueueCounters, error) {
	return make(map[string]QueueCounters), nil
}
