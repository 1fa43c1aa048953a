// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"time"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/logging"
)

// Config sizes the flow tables.
type Config struct {
	HashBuckets     int           `json:"hash_buckets"`
	MaxTCP          int           `json:"max_tcp"`
	MaxUDP          int           `json:"max_udp"`
	MaxIPQueue      int           `json:"max_ip_queue"`
	UDPIdleTimeout  time.Duration `json:"udp_idle_timeout"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns default table sizing.
func DefaultConfig() Config {
	return Config{
		HashBuckets:     4096,
		MaxTCP:          65536,
		MaxUDP:          65536,
		MaxIPQueue:      4096,
		UDPIdleTimeout:  5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Manager owns the TCP and UDP tables and the IP queue, and runs the
// periodic UDP cleanup.
type Manager struct {
	TCP *TCPTable
	UDP *UDPTable
	IP  *IPContext

	config Config
	logger *logging.Logger
}

// NewManager builds every table from cfg.
func NewManager(cfg Config, clk clock.Clock, logger *logging.Logger, fatal FatalFunc) *Manager {
	if logger == nil {
		logger = logging.WithComponent("flow")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.UDPIdleTimeout <= 0 {
		cfg.UDPIdleTimeout = DefaultConfig().UDPIdleTimeout
	}
	return &Manager{
		TCP:    NewTCPTable(cfg, clk, logger.With("proto", "tcp"), fatal),
		UDP:    NewUDPTable(cfg, clk, logger.With("proto", "udp"), fatal),
		IP:     NewIPContext(clk, cfg.MaxIPQueue),
		config: cfg,
		logger: logger,
	}
}

// Config returns the table configuration.
func (m *Manager) Config() Config { return m.config }

// OnOwnedBucketClosed sets the function that deletes a bucket created for
// a single flow once that flow closes. It must be called before the
// tables are used.
func (m *Manager) OnOwnedBucketClosed(fn func(id uint64)) {
	m.TCP.dropBucket = fn
	m.UDP.dropBucket = fn
}

// DetachFlowControl clears a deleted bucket from every flow.
func (m *Manager) DetachFlowControl(id uint64) {
	n := m.TCP.DetachFlowControl(id) + m.UDP.DetachFlowControl(id)
	if n > 0 {
		m.logger.Info("flows detached from deleted bucket", "bucket", id, "flows", n)
	}
}

// RunCleanup reaps idle UDP endpoints every cleanup interval until stop
// is closed.
func (m *Manager) RunCleanup(stop <-chan struct{}) {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("flow cleanup started",
		"udp_idle_timeout", m.config.UDPIdleTimeout,
		"cleanup_interval", m.config.CleanupInterval)

	for {
		select {
		case <-ticker.C:
			m.UDP.Cleanup(m.config.UDPIdleTimeout)
		case <-stop:
			m.logger.Info("flow cleanup stopped")
			return
		}
	}
}

// CloseAll force-closes every context and drains the IP queue.
func (m *Manager) CloseAll() {
	m.TCP.CloseAll()
	m.UDP.CloseAll()
	m.IP.Drain()
}

// Snapshot returns stats for every live TCP and UDP context.
func (m *Manager) Snapshot() []Stats {
	var out []Stats
	m.TCP.Each(func(c *TCPContext) bool {
		out = append(out, c.Stats())
		return true
	})
	m.UDP.Each(func(c *UDPContext) bool {
		out = append(out, c.Stats())
		return true
	})
	return out
}
