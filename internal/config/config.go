// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the flowguard daemon configuration and rule set
// files.
package config

import "grimm.is/flowguard/internal/kernel"

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the daemon configuration.
type Config struct {
	// Schema version for backward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Engine      *EngineConfig      `hcl:"engine,block" json:"engine,omitempty"`
	IO          *IOConfig          `hcl:"io,block" json:"io,omitempty"`
	FlowControl *FlowControlConfig `hcl:"flow_control,block" json:"flow_control,omitempty"`
	Rules       []RuleConfig       `hcl:"rule,block" json:"rule,omitempty"`
	BindRules   []BindRuleConfig   `hcl:"bind_rule,block" json:"bind_rule,omitempty"`
	Stack       *StackConfig       `hcl:"stack,block" json:"stack,omitempty"`
	Logging     *LoggingConfig     `hcl:"logging,block" json:"logging,omitempty"`
	Metrics     *MetricsConfig     `hcl:"metrics,block" json:"metrics,omitempty"`
	API         *APIConfig         `hcl:"api,block" json:"api,omitempty"`
}

// EngineConfig sizes the flow tables and tunes the workers. Durations use
// Go syntax ("90s", "5m").
type EngineConfig struct {
	HashBuckets int `hcl:"hash_buckets,optional" json:"hash_buckets,omitempty"`
	MaxTCP      int `hcl:"max_tcp,optional" json:"max_tcp,omitempty"`
	MaxUDP      int `hcl:"max_udp,optional" json:"max_udp,omitempty"`
	MaxIPQueue  int `hcl:"max_ip_queue,optional" json:"max_ip_queue,omitempty"`
	// Idle UDP endpoints are reaped after this long.
	// @default: "5m"
	UDPIdleTimeout  string `hcl:"udp_idle_timeout,optional" json:"udp_idle_timeout,omitempty"`
	CleanupInterval string `hcl:"cleanup_interval,optional" json:"cleanup_interval,omitempty"`
	// Bytes queued toward the stack per flow before inspector writes are
	// refused.
	MaxInjectBacklog int    `hcl:"max_inject_backlog,optional" json:"max_inject_backlog,omitempty"`
	RetryInterval    string `hcl:"retry_interval,optional" json:"retry_interval,omitempty"`
	// How long resolved process image paths are cached.
	ResolverCacheTTL string `hcl:"resolver_cache_ttl,optional" json:"resolver_cache_ttl,omitempty"`
}

// IOConfig configures the inspector device and the control socket.
type IOConfig struct {
	RegionSize int `hcl:"region_size,optional" json:"region_size,omitempty"`
	// When set, regions are files mapped from this directory.
	SharedDir string `hcl:"shared_dir,optional" json:"shared_dir,omitempty"`
	MaxEvents int    `hcl:"max_events,optional" json:"max_events,omitempty"`
	Socket    string `hcl:"socket,optional" json:"socket,omitempty"`
}

// FlowControlConfig holds named buckets created at startup.
type FlowControlConfig struct {
	// Over-limit flows fail open after being idle this long.
	// @default: "10s"
	IdleTimeout string         `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty"`
	Buckets     []BucketConfig `hcl:"bucket,block" json:"bucket,omitempty"`
}

// BucketConfig is a named flow-control bucket. Zero means unlimited.
type BucketConfig struct {
	Name           string `hcl:"name,label" json:"name" yaml:"name"`
	InBytesPerSec  uint64 `hcl:"in_bytes_per_sec,optional" json:"in_bytes_per_sec,omitempty" yaml:"in_bytes_per_sec,omitempty"`
	OutBytesPerSec uint64 `hcl:"out_bytes_per_sec,optional" json:"out_bytes_per_sec,omitempty" yaml:"out_bytes_per_sec,omitempty"`
}

// RuleConfig is one flow rule. Empty fields are wildcards.
type RuleConfig struct {
	Name      string `hcl:"name,label" json:"name" yaml:"name"`
	ProcessID uint32 `hcl:"process_id,optional" json:"process_id,omitempty" yaml:"process_id,omitempty"`
	// @enum: tcp, udp, any
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty" yaml:"protocol,omitempty"`
	// @enum: ipv4, ipv6, any
	Family string `hcl:"family,optional" json:"family,omitempty" yaml:"family,omitempty"`
	// @enum: in, out, any
	Direction string `hcl:"direction,optional" json:"direction,omitempty" yaml:"direction,omitempty"`
	// Address or CIDR prefix.
	LocalAddr  string `hcl:"local_addr,optional" json:"local_addr,omitempty" yaml:"local_addr,omitempty"`
	RemoteAddr string `hcl:"remote_addr,optional" json:"remote_addr,omitempty" yaml:"remote_addr,omitempty"`
	// Single port or an inclusive "from-to" range.
	LocalPort  string `hcl:"local_port,optional" json:"local_port,omitempty" yaml:"local_port,omitempty"`
	RemotePort string `hcl:"remote_port,optional" json:"remote_port,omitempty" yaml:"remote_port,omitempty"`
	// Case-insensitive wildcard matched against the end of the image path.
	ProcessName string `hcl:"process_name,optional" json:"process_name,omitempty" yaml:"process_name,omitempty"`
	// @example: ["filter", "indicate_connect"]
	Flags []string `hcl:"flags,optional" json:"flags,omitempty" yaml:"flags,omitempty"`
	// Name of a flow_control bucket.
	FlowControl string `hcl:"flow_control,optional" json:"flow_control,omitempty" yaml:"flow_control,omitempty"`
}

// BindRuleConfig rewrites the local address of matching binds.
type BindRuleConfig struct {
	Name        string   `hcl:"name,label" json:"name" yaml:"name"`
	ProcessID   uint32   `hcl:"process_id,optional" json:"process_id,omitempty" yaml:"process_id,omitempty"`
	Protocol    string   `hcl:"protocol,optional" json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Family      string   `hcl:"family,optional" json:"family,omitempty" yaml:"family,omitempty"`
	LocalAddr   string   `hcl:"local_addr,optional" json:"local_addr,omitempty" yaml:"local_addr,omitempty"`
	LocalPort   uint16   `hcl:"local_port,optional" json:"local_port,omitempty" yaml:"local_port,omitempty"`
	ProcessName string   `hcl:"process_name,optional" json:"process_name,omitempty" yaml:"process_name,omitempty"`
	Flags       []string `hcl:"flags,optional" json:"flags,omitempty" yaml:"flags,omitempty"`
	// "addr:port"; port 0 keeps the original port.
	NewLocal string `hcl:"new_local,optional" json:"new_local,omitempty" yaml:"new_local,omitempty"`
}

// StackConfig selects the network stack.
type StackConfig struct {
	// @enum: sim, nfqueue
	// @default: "sim"
	Type    string                `hcl:"type,optional" json:"type,omitempty"`
	NFQueue *kernel.NFQueueConfig `hcl:"nfqueue,block" json:"nfqueue,omitempty"`
	// Watch conntrack destroy events to tear flows down.
	Conntrack bool `hcl:"conntrack,optional" json:"conntrack,omitempty"`
}

// LoggingConfig configures the daemon logger.
type LoggingConfig struct {
	// @enum: debug, info, warn, error
	Level string `hcl:"level,optional" json:"level,omitempty"`
	// @enum: text, json
	Format string         `hcl:"format,optional" json:"format,omitempty"`
	File   *LogFileConfig `hcl:"file,block" json:"file,omitempty"`
	Syslog *SyslogConfig  `hcl:"syslog,block" json:"syslog,omitempty"`
}

// LogFileConfig configures a rotating log file.
type LogFileConfig struct {
	Path       string `hcl:"path" json:"path"`
	MaxSizeMB  int    `hcl:"max_size_mb,optional" json:"max_size_mb,omitempty"`
	MaxBackups int    `hcl:"max_backups,optional" json:"max_backups,omitempty"`
	MaxAgeDays int    `hcl:"max_age_days,optional" json:"max_age_days,omitempty"`
	Compress   bool   `hcl:"compress,optional" json:"compress,omitempty"`
}

// SyslogConfig configures remote syslog forwarding.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Host     string `hcl:"host,optional" json:"host,omitempty"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// MetricsConfig enables the periodic collector.
type MetricsConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
}

// APIConfig configures the HTTP status API.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty"`
}
