// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package qos implements per-handle token-bucket flow control.
//
// A bucket accumulates bytes recorded against it and leaks them at its
// configured byte rate. Flows reference a bucket only by id; deleting a
// bucket notifies subscribers so they can clear their reference, and any
// lookup of an unknown id fails open.
package qos

import (
	"sync"
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/hashindex"
	"grimm.is/flowguard/internal/logging"
)

// DefaultIdleTimeout bounds how long an over-limit flow may stay
// suspended. A flow that has seen no I/O for this long is let through even
// if its bucket is still above the ceiling, so a stalled flow never starves.
const DefaultIdleTimeout = 10 * time.Second

// Direction selects one half of a bucket.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "out"
	}
	return "in"
}

// Limits are byte-per-second ceilings. Zero means unlimited.
type Limits struct {
	InBytesPerSec  uint64 `json:"in_bytes_per_sec"`
	OutBytesPerSec uint64 `json:"out_bytes_per_sec"`
}

// Stats is a snapshot of one bucket.
type Stats struct {
	ID         uint64    `json:"id"`
	Limits     Limits    `json:"limits"`
	InBytes    uint64    `json:"in_bytes"`
	OutBytes   uint64    `json:"out_bytes"`
	InLevel    uint64    `json:"in_level"`
	OutLevel   uint64    `json:"out_level"`
	LastUpdate time.Time `json:"last_update"`
}

type bucket struct {
	id         uint64
	limits     Limits
	inLevel    float64
	outLevel   float64
	inBytes    uint64
	outBytes   uint64
	lastUpdate time.Time
}

func (b *bucket) leak(now time.Time) {
	elapsed := now.Sub(b.lastUpdate)
	if elapsed <= 0 {
		return
	}
	secs := elapsed.Seconds()
	b.inLevel = drain(b.inLevel, secs*float64(b.limits.InBytesPerSec))
	b.outLevel = drain(b.outLevel, secs*float64(b.limits.OutBytesPerSec))
	b.lastUpdate = now
}

func drain(level, by float64) float64 {
	if level <= by {
		return 0
	}
	return level - by
}

func (b *bucket) snapshot() Stats {
	return Stats{
		ID:         b.id,
		Limits:     b.limits,
		InBytes:    b.inBytes,
		OutBytes:   b.outBytes,
		InLevel:    uint64(b.inLevel),
		OutLevel:   uint64(b.outLevel),
		LastUpdate: b.lastUpdate,
	}
}

// Config tunes a Manager.
type Config struct {
	IdleTimeout time.Duration
	TableSize   int
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout: DefaultIdleTimeout,
		TableSize:   256,
	}
}

// Manager owns the bucket table.
type Manager struct {
	mu       sync.Mutex
	buckets  *hashindex.Index[*bucket]
	nextID   uint64
	clock    clock.Clock
	idle     time.Duration
	logger   *logging.Logger
	onDelete []func(id uint64)
}

// NewManager creates a flow-control manager.
func NewManager(cfg Config, clk clock.Clock, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.WithComponent("qos")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		buckets: hashindex.New[*bucket](cfg.TableSize),
		clock:   clk,
		idle:    cfg.IdleTimeout,
		logger:  logger,
	}
}

// OnDelete registers fn to run after a bucket is deleted or reset. fn is
// invoked without the manager lock held.
func (m *Manager) OnDelete(fn func(id uint64)) {
	m.mu.Lock()
	m.onDelete = append(m.onDelete, fn)
	m.mu.Unlock()
}

// IdleTimeout returns the configured fail-open bound.
func (m *Manager) IdleTimeout() time.Duration { return m.idle }

// Add creates a bucket and returns its id. Ids start at 1.
func (m *Manager) Add(limits Limits) uint64 {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.buckets.Insert(id, &bucket{id: id, limits: limits, lastUpdate: m.clock.Now()})
	m.mu.Unlock()

	m.logger.Debug("bucket added", "id", id, "in", limits.InBytesPerSec, "out", limits.OutBytesPerSec)
	return id
}

// Modify replaces the ceilings of an existing bucket. Accumulated levels
// are leaked at the old rate first.
func (m *Manager) Modify(id uint64, limits Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets.Find(id)
	if !ok {
		return errors.Attr(errors.New(errors.KindNotFound, "flow control bucket not found"), "id", id)
	}
	b.leak(m.clock.Now())
	b.limits = limits
	return nil
}

// Delete removes a bucket and detaches every flow referencing it.
func (m *Manager) Delete(id uint64) error {
	m.mu.Lock()
	_, ok := m.buckets.Remove(id)
	subs := m.onDelete
	m.mu.Unlock()

	if !ok {
		return errors.Attr(errors.New(errors.KindNotFound, "flow control bucket not found"), "id", id)
	}
	for _, fn := range subs {
		fn(id)
	}
	m.logger.Debug("bucket deleted", "id", id)
	return nil
}

// Reset deletes every bucket.
func (m *Manager) Reset() {
	m.mu.Lock()
	var ids []uint64
	m.buckets.Range(func(id uint64, _ *bucket) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		m.buckets.Remove(id)
	}
	subs := m.onDelete
	m.mu.Unlock()

	for _, id := range ids {
		for _, fn := range subs {
			fn(id)
		}
	}
}

// Exists reports whether id names a live bucket.
func (m *Manager) Exists(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets.Find(id)
	return ok
}

// Count returns the number of buckets.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buckets.Len()
}

// Stats returns a snapshot of one bucket after leaking it to now.
func (m *Manager) Stats(id uint64) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets.Find(id)
	if !ok {
		return Stats{}, errors.Attr(errors.New(errors.KindNotFound, "flow control bucket not found"), "id", id)
	}
	b.leak(m.clock.Now())
	return b.snapshot(), nil
}

// List returns snapshots of every bucket.
func (m *Manager) List() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	out := make([]Stats, 0, m.buckets.Len())
	m.buckets.Range(func(_ uint64, b *bucket) bool {
		b.leak(now)
		out = append(out, b.snapshot())
		return true
	})
	return out
}

// Record charges n bytes to the bucket. Unknown ids are ignored.
func (m *Manager) Record(id uint64, dir Direction, n int) {
	if id == 0 || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets.Find(id)
	if !ok {
		return
	}
	b.leak(m.clock.Now())
	if dir == Outbound {
		b.outLevel += float64(n)
		b.outBytes += uint64(n)
	} else {
		b.inLevel += float64(n)
		b.inBytes += uint64(n)
	}
}

// MustSuspend reports whether a flow charged to id should stop moving
// data in dir. It is true only while the bucket is above its ceiling and
// the flow's last I/O is more recent than the idle timeout.
func (m *Manager) MustSuspend(id uint64, dir Direction, lastIO time.Time) bool {
	if id == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets.Find(id)
	if !ok {
		return false
	}
	now := m.clock.Now()
	b.leak(now)

	limit, level := b.limits.InBytesPerSec, b.inLevel
	if dir == Outbound {
		limit, level = b.limits.OutBytesPerSec, b.outLevel
	}
	if limit == 0 || level <= float64(limit) {
		return false
	}
	if lastIO.IsZero() || now.Sub(lastIO) >= m.idle {
		return false
	}
	return true
}
