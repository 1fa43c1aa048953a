// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
)

const sampleHCL = `
schema_version = "1.0"

engine {
  max_tcp          = 1024
  udp_idle_timeout = "90s"
}

io {
  shared_dir = "/dev/shm"
  socket     = "/tmp/flowguard.sock"
}

flow_control {
  bucket "slow" {
    in_bytes_per_sec  = 1000
    out_bytes_per_sec = 2000
  }
}

rule "web" {
  protocol    = "tcp"
  direction   = "out"
  remote_addr = "93.184.216.0/24"
  remote_port = "443"
  flags       = ["filter", "indicate_connect"]
  flow_control = "slow"
}

rule "block-bad" {
  protocol     = "udp"
  process_name = "bad*.exe"
  flags        = ["block"]
}

bind_rule "pin" {
  protocol  = "tcp"
  new_local = "10.0.0.9:0"
}

stack {
  type = "nfqueue"
  nfqueue {
    queue = 7
  }
}

logging {
  level  = "debug"
  format = "json"
  syslog {
    enabled = true
    host    = "logs.example.com"
  }
}

api {
  enabled = true
  listen  = "127.0.0.1:8080"
}
`

func TestLoadHCL(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "flowguard.hcl")
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Engine.MaxTCP)
	assert.Equal(t, DefaultMaxUDP, cfg.Engine.MaxUDP)
	assert.Equal(t, 90*time.Second, Duration(cfg.Engine.UDPIdleTimeout, 0))
	assert.Equal(t, "/dev/shm", cfg.IO.SharedDir)
	assert.Equal(t, DefaultRegionSize, cfg.IO.RegionSize)

	require.Len(t, cfg.FlowControl.Buckets, 1)
	assert.Equal(t, "slow", cfg.FlowControl.Buckets[0].Name)
	assert.Equal(t, uint64(2000), cfg.FlowControl.Buckets[0].OutBytesPerSec)
	assert.Equal(t, DefaultFlowIdleTimeout, cfg.FlowControl.IdleTimeout)

	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "web", cfg.Rules[0].Name)
	require.Len(t, cfg.BindRules, 1)

	require.NotNil(t, cfg.Stack.NFQueue)
	assert.Equal(t, uint16(7), cfg.Stack.NFQueue.Queue)
	assert.Equal(t, 514, cfg.Logging.Syslog.Port)
	assert.Equal(t, "flowguard", cfg.Logging.Syslog.Tag)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadFileFallsBackToJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowguard.conf")
	require.NoError(t, os.WriteFile(path, []byte(`{"engine": {"max_udp": 12}, "rule": [{"name": "all", "flags": ["filter"]}]}`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Engine.MaxUDP)
	require.Len(t, cfg.Rules, 1)

	_, err = LoadFile(filepath.Join(dir, "missing.hcl"))
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())
	assert.Equal(t, DefaultStackType, cfg.Stack.Type)
	assert.Nil(t, cfg.Stack.NFQueue)
	assert.Equal(t, DefaultSocket, cfg.IO.Socket)
	assert.Equal(t, 10*time.Second, Duration(cfg.FlowControl.IdleTimeout, 0))
	assert.Equal(t, time.Minute, Duration(cfg.Engine.CleanupInterval, 0))
	assert.Equal(t, 3*time.Second, Duration("bogus", 3*time.Second))
}

func TestValidateNamesOffendingFields(t *testing.T) {
	tests := []struct {
		name  string
		hcl   string
		field string
	}{
		{"bad duration", `engine { retry_interval = "soon" }`, "engine.retry_interval"},
		{"small region", `io { region_size = 4096 }`, "io.region_size"},
		{"unknown bucket", `rule "r" { flow_control = "nope" }`, "rule[r]"},
		{"bad protocol", `rule "r" { protocol = "sctp" }`, "rule[r]"},
		{"bad flag", `rule "r" { flags = ["explode"] }`, "rule[r]"},
		{"inverted ports", `rule "r" { local_port = "90-80" }`, "rule[r]"},
		{"bad new local", `bind_rule "b" { new_local = "10.0.0.1" }`, "bind_rule[b]"},
		{"stack", `stack { type = "pcap" }`, "stack.type"},
		{"flow idle timeout", "stack {\n nfqueue {\n idle_timeout = \"never\"\n }\n}", "stack.nfqueue.idle_timeout"},
		{"socket traversal", `io { socket = "/run/../ctl.sock" }`, "io.socket"},
		{"relative shared dir", `io { shared_dir = "shm" }`, "io.shared_dir"},
		{"bucket name", "flow_control {\n bucket \"a b\" {}\n}", "flow_control.bucket[a b]"},
		{"log format", `logging { format = "xml" }`, "logging.format"},
		{"syslog host", `logging { syslog { enabled = true } }`, "logging.syslog.host"},
		{"duplicate bucket", "flow_control {\n bucket \"a\" {}\n bucket \"a\" {}\n}", "flow_control.bucket[a]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.hcl), "test.hcl")
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindValidation))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestUnknownFields(t *testing.T) {
	src := []byte(`engine { max_tcp = 5 }
frobnicate = true`)
	_, err := LoadHCL(src, "test.hcl")
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	cfg, err := LoadHCLWithOptions(src, "test.hcl", LoadOptions{AllowUnknownFields: true})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.MaxTCP)
}

func TestRuleCompile(t *testing.T) {
	r, err := RuleConfig{
		Name:        "web",
		Protocol:    "tcp",
		Family:      "ipv4",
		Direction:   "out",
		LocalAddr:   "10.0.0.5",
		RemoteAddr:  "93.184.216.0/24",
		RemotePort:  "8000-8080",
		ProcessName: "*.exe",
		Flags:       []string{"filter", "read_only"},
		FlowControl: "slow",
	}.Compile(map[string]uint64{"slow": 9})
	require.NoError(t, err)

	assert.Equal(t, engine.ProtoTCP, r.Protocol)
	assert.Equal(t, engine.FamilyV4, r.Family)
	assert.Equal(t, engine.DirectionOut, r.Direction)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), r.LocalAddr)
	assert.False(t, r.LocalMask.IsValid())
	assert.Equal(t, netip.MustParseAddr("93.184.216.0"), r.RemoteAddr)
	assert.Equal(t, netip.MustParseAddr("255.255.255.0"), r.RemoteMask)
	assert.Equal(t, engine.PortRange{From: 8000, To: 8080}, r.RemotePort)
	assert.Equal(t, engine.FlagFilter|engine.FlagReadOnly, r.Flags)
	assert.Equal(t, uint64(9), r.FlowControl)

	_, err = RuleConfig{Name: "x", FlowControl: "missing"}.Compile(nil)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestParsePrefixV6(t *testing.T) {
	addr, mask, err := ParsePrefix("2001:db8::1/32")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("2001:db8::"), addr)
	assert.Equal(t, netip.MustParseAddr("ffff:ffff::"), mask)

	_, _, err = ParsePrefix("not-an-ip")
	assert.Error(t, err)
}

func TestBindRuleCompileSetsRedirect(t *testing.T) {
	b, err := BindRuleConfig{Name: "pin", Protocol: "udp", NewLocal: "192.168.1.10:0"}.Compile()
	require.NoError(t, err)
	assert.True(t, b.Flags.Has(engine.FlagRedirect))
	assert.Equal(t, netip.MustParseAddrPort("192.168.1.10:0"), b.NewLocal)
}

const sampleRules = `
buckets:
  - name: capped
    out_bytes_per_sec: 4096
rules:
  - name: dns
    protocol: udp
    remote_port: "53"
    flags: [filter]
    flow_control: capped
  - name: default
    flags: [allow]
bind_rules:
  - name: pin
    protocol: tcp
    new_local: "10.1.1.1:0"
`

func TestLoadRuleSetYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))

	rs, err := LoadRuleSet(path)
	require.NoError(t, err)
	require.Len(t, rs.Buckets, 1)
	require.Len(t, rs.Rules, 2)

	rules, binds, err := rs.Compile(map[string]uint64{"capped": 3})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, engine.ProtoUDP, rules[0].Protocol)
	assert.Equal(t, engine.PortRange{From: 53}, rules[0].RemotePort)
	assert.Equal(t, uint64(3), rules[0].FlowControl)
	assert.Equal(t, engine.FlagAllow, rules[1].Flags)
	require.Len(t, binds, 1)

	_, err = ParseRuleSet([]byte("rules:\n  - nmae: typo\n"), ".yaml")
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	rs, err = ParseRuleSet([]byte(`{"rules": [{"name": "j", "flags": ["block"]}]}`), ".json")
	require.NoError(t, err)
	assert.Len(t, rs.Rules, 1)

	rs, err = ParseRuleSet(nil, ".yaml")
	require.NoError(t, err)
	assert.Empty(t, rs.Rules)
}
