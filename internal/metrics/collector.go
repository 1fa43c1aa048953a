// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/logging"
)

// BucketSample is the cumulative byte count of one flow-control bucket.
type BucketSample struct {
	ID       uint64
	InBytes  uint64
	OutBytes uint64
}

// Sample is a point-in-time view of engine state.
type Sample struct {
	TCPContexts int
	UDPContexts int
	IPPending   int
	EventQueue  int
	Buckets     []BucketSample
}

// Source provides samples to the collector.
type Source interface {
	Sample() Sample
}

// BucketRate is the observed rate of one bucket.
type BucketRate struct {
	ID         uint64  `json:"id"`
	InBytesPS  float64 `json:"in_bytes_per_sec"`
	OutBytesPS float64 `json:"out_bytes_per_sec"`
}

type bucketPrev struct {
	in, out uint64
	at      time.Time
}

// Collector periodically samples the engine and updates gauges.
type Collector struct {
	metrics  *Metrics
	source   Source
	logger   *logging.Logger
	clock    clock.Clock
	interval time.Duration
	table    string

	mu         sync.RWMutex
	prev       map[uint64]bucketPrev
	rates      map[uint64]BucketRate
	lastUpdate time.Time
}

// NewCollector creates a collector. table names the nftables table whose
// queue rule counters are exported; empty disables that.
func NewCollector(m *Metrics, src Source, logger *logging.Logger, interval time.Duration, table string) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:  m,
		source:   src,
		logger:   logger,
		clock:    clock.Real{},
		interval: interval,
		table:    table,
		prev:     make(map[uint64]bucketPrev),
		rates:    make(map[uint64]BucketRate),
	}
}

// Run collects every interval until ctx ends.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-ctx.Done():
			c.logger.Info("Stopping metrics collector")
			return nil
		}
	}
}

// Collect takes one sample.
func (c *Collector) Collect() {
	s := c.source.Sample()
	now := c.clock.Now()

	c.mu.Lock()
	seen := make(map[uint64]bool, len(s.Buckets))
	for _, b := range s.Buckets {
		seen[b.ID] = true
		rate := BucketRate{ID: b.ID}
		if p, ok := c.prev[b.ID]; ok {
			elapsed := now.Sub(p.at).Seconds()
			rate.InBytesPS = c.calculateRate(b.InBytes, p.in, elapsed)
			rate.OutBytesPS = c.calculateRate(b.OutBytes, p.out, elapsed)
		}
		c.prev[b.ID] = bucketPrev{in: b.InBytes, out: b.OutBytes, at: now}
		c.rates[b.ID] = rate
	}
	for id := range c.prev {
		if !seen[id] {
			delete(c.prev, id)
			delete(c.rates, id)
			if c.metrics != nil {
				c.metrics.BucketBytes.DeletePartialMatch(map[string]string{"bucket": bucketLabel(id)})
				c.metrics.BucketRate.DeletePartialMatch(map[string]string{"bucket": bucketLabel(id)})
			}
		}
	}
	c.lastUpdate = now
	rates := make([]BucketRate, 0, len(c.rates))
	for _, r := range c.rates {
		rates = append(rates, r)
	}
	c.mu.Unlock()

	if c.metrics == nil {
		return
	}
	m := c.metrics
	m.Contexts.WithLabelValues("tcp").Set(float64(s.TCPContexts))
	m.Contexts.WithLabelValues("udp").Set(float64(s.UDPContexts))
	m.IPQueue.Set(float64(s.IPPending))
	m.EventQueue.Set(float64(s.EventQueue))
	for _, b := range s.Buckets {
		m.BucketBytes.WithLabelValues(bucketLabel(b.ID), "in").Set(float64(b.InBytes))
		m.BucketBytes.WithLabelValues(bucketLabel(b.ID), "out").Set(float64(b.OutBytes))
	}
	for _, r := range rates {
		m.BucketRate.WithLabelValues(bucketLabel(r.ID), "in").Set(r.InBytesPS)
		m.BucketRate.WithLabelValues(bucketLabel(r.ID), "out").Set(r.OutBytesPS)
	}

	if c.table != "" {
		counters, err := collectQueueCounters(c.table)
		if err != nil {
			c.logger.Warn("Failed to collect queue rule counters", "error", err)
			return
		}
		for chain, qc := range counters {
			m.QueuePackets.WithLabelValues(chain).Set(float64(qc.Packets))
		}
	}
}

// Rates returns the last computed bucket rates.
func (c *Collector) Rates() map[uint64]BucketRate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[uint64]BucketRate, len(c.rates))
	for k, v := range c.rates {
		out[k] = v
	}
	return out
}

// LastUpdate returns the time of the last sample.
func (c *Collector) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// calculateRate computes the rate between two counter values, handling resets.
// If current < previous (counter reset), treats current as the delta from zero.
func (c *Collector) calculateRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}

	var delta uint64
	if current < previous {
		// Counter reset detected - use current value as delta
		delta = current
		c.logger.Debug("Counter reset detected", "current", current, "previous", previous)
	} else {
		delta = current - previous
	}

	return float64(delta) / elapsedSeconds
}
