// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"time"

	"grimm.is/flowguard/internal/kernel"
)

// Defaults applied to empty fields.
const (
	DefaultHashBuckets      = 4096
	DefaultMaxTCP           = 65536
	DefaultMaxUDP           = 65536
	DefaultMaxIPQueue       = 4096
	DefaultUDPIdleTimeout   = "5m"
	DefaultCleanupInterval  = "1m"
	DefaultMaxInjectBacklog = 1 << 20
	DefaultRetryInterval    = "50ms"
	DefaultResolverCacheTTL = "5s"
	DefaultRegionSize       = 2 << 20
	DefaultMaxEvents        = 1 << 16
	DefaultSocket           = "/run/flowguard/ctl.sock"
	DefaultFlowIdleTimeout  = "10s"
	DefaultStackType        = "sim"
	DefaultMetricsInterval  = "10s"
	DefaultAPIListen        = "127.0.0.1:9464"
)

// ApplyDefaults fills every missing block and empty field.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}

	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	e := c.Engine
	setInt(&e.HashBuckets, DefaultHashBuckets)
	setInt(&e.MaxTCP, DefaultMaxTCP)
	setInt(&e.MaxUDP, DefaultMaxUDP)
	setInt(&e.MaxIPQueue, DefaultMaxIPQueue)
	setString(&e.UDPIdleTimeout, DefaultUDPIdleTimeout)
	setString(&e.CleanupInterval, DefaultCleanupInterval)
	setInt(&e.MaxInjectBacklog, DefaultMaxInjectBacklog)
	setString(&e.RetryInterval, DefaultRetryInterval)
	setString(&e.ResolverCacheTTL, DefaultResolverCacheTTL)

	if c.IO == nil {
		c.IO = &IOConfig{}
	}
	setInt(&c.IO.RegionSize, DefaultRegionSize)
	setInt(&c.IO.MaxEvents, DefaultMaxEvents)
	setString(&c.IO.Socket, DefaultSocket)

	if c.FlowControl == nil {
		c.FlowControl = &FlowControlConfig{}
	}
	setString(&c.FlowControl.IdleTimeout, DefaultFlowIdleTimeout)

	if c.Stack == nil {
		c.Stack = &StackConfig{}
	}
	setString(&c.Stack.Type, DefaultStackType)
	if c.Stack.Type == "nfqueue" && c.Stack.NFQueue == nil {
		q := kernel.DefaultNFQueueConfig()
		c.Stack.NFQueue = &q
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")
	if s := c.Logging.Syslog; s != nil {
		setInt(&s.Port, 514)
		setString(&s.Protocol, "udp")
		setString(&s.Tag, "flowguard")
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	setString(&c.Metrics.Interval, DefaultMetricsInterval)

	if c.API == nil {
		c.API = &APIConfig{}
	}
	setString(&c.API.Listen, DefaultAPIListen)
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// Duration parses s, returning def when s is empty or invalid. Validate
// reports invalid values.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
