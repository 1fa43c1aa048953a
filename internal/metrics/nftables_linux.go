// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package metrics

import (
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// QueueCounters holds packet and byte counts for the queue rules of a chain.
type QueueCounters struct {
	Packets uint64
	Bytes   uint64
}

// collectQueueCounters reads the counters attached to queue rules in
// tableName using native netlink.
func collectQueueCounters(tableName string) (map[string]QueueCounters, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, err
	}

	results := make(map[string]QueueCounters)
	tables, err := conn.ListTables()
	if err != nil {
		return results, nil // Return empty stats, non-fatal
	}

	var targetTable *nftables.Table
	for _, t := range tables {
		if t.Name == tableName && t.Family == nftables.TableFamilyINet {
			targetTable = t
			break
		}
	}
	if targetTable == nil {
		return results, nil
	}

	chains, err := conn.ListChains()
	if err != nil {
		return results, nil
	}
	for _, chain := range chains {
		if chain.Table.Name != tableName {
			continue
		}
		rules, err := conn.GetRules(targetTable, chain)
		if err != nil {
			continue
		}
		for _, rule := range rules {
			var counter *expr.Counter
			queued := false
			for _, e := range rule.Exprs {
				switch ex := e.(type) {
				case *expr.Counter:
					counter = ex
				case *expr.Queue:
					queued = true
				}
			}
			if counter == nil || !queued {
				continue
			}
			qc := results[chain.Name]
			qc.Packets += counter.Packets
			qc.Bytes += counter.Bytes
			results[chain.Name] = qc
		}
	}
	return results, nil
}
