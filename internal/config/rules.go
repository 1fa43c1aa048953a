// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
)

// RuleSet is a rule file applied at runtime with `flowguard rules apply`.
type RuleSet struct {
	Buckets   []BucketConfig   `json:"buckets,omitempty" yaml:"buckets,omitempty"`
	Rules     []RuleConfig     `json:"rules,omitempty" yaml:"rules,omitempty"`
	BindRules []BindRuleConfig `json:"bind_rules,omitempty" yaml:"bind_rules,omitempty"`
}

// LoadRuleSet reads a YAML or JSON rule file.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "failed to read rule file %s", path)
	}
	return ParseRuleSet(data, filepath.Ext(path))
}

// ParseRuleSet decodes data as JSON for a ".json" ext and YAML otherwise.
func ParseRuleSet(data []byte, ext string) (*RuleSet, error) {
	var rs RuleSet
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &rs); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "failed to parse JSON rule file")
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, errors.KindValidation, "failed to parse YAML rule file")
		}
	}
	return &rs, nil
}

// Compile converts the file to engine rules. buckets maps bucket names to
// ids, including those defined by the file itself once created.
func (rs *RuleSet) Compile(buckets map[string]uint64) ([]engine.Rule, []engine.BindRule, error) {
	rules := make([]engine.Rule, 0, len(rs.Rules))
	for i, rc := range rs.Rules {
		r, err := rc.Compile(buckets)
		if err != nil {
			return nil, nil, errors.Attr(err, "rule", i)
		}
		rules = append(rules, r)
	}
	binds := make([]engine.BindRule, 0, len(rs.BindRules))
	for i, bc := range rs.BindRules {
		b, err := bc.Compile()
		if err != nil {
			return nil, nil, errors.Attr(err, "bind_rule", i)
		}
		binds = append(binds, b)
	}
	return rules, binds, nil
}

// Compile converts the rule. FlowControl must name an entry of buckets.
func (r RuleConfig) Compile(buckets map[string]uint64) (engine.Rule, error) {
	out := engine.Rule{Name: r.Name, ProcessID: r.ProcessID, ProcessName: r.ProcessName}
	var err error
	if out.Protocol, err = ParseProtocol(r.Protocol); err != nil {
		return engine.Rule{}, ruleError(r.Name, "protocol", err)
	}
	if out.Family, err = ParseFamily(r.Family); err != nil {
		return engine.Rule{}, ruleError(r.Name, "family", err)
	}
	if out.Direction, err = engine.ParseDirection(r.Direction); err != nil {
		return engine.Rule{}, ruleError(r.Name, "direction", err)
	}
	if out.LocalAddr, out.LocalMask, err = ParsePrefix(r.LocalAddr); err != nil {
		return engine.Rule{}, ruleError(r.Name, "local_addr", err)
	}
	if out.RemoteAddr, out.RemoteMask, err = ParsePrefix(r.RemoteAddr); err != nil {
		return engine.Rule{}, ruleError(r.Name, "remote_addr", err)
	}
	if out.LocalPort, err = ParsePortRange(r.LocalPort); err != nil {
		return engine.Rule{}, ruleError(r.Name, "local_port", err)
	}
	if out.RemotePort, err = ParsePortRange(r.RemotePort); err != nil {
		return engine.Rule{}, ruleError(r.Name, "remote_port", err)
	}
	if out.Flags, err = engine.ParseFlags(strings.Join(r.Flags, "|")); err != nil {
		return engine.Rule{}, ruleError(r.Name, "flags", err)
	}
	if r.FlowControl != "" {
		id, ok := buckets[r.FlowControl]
		if !ok {
			return engine.Rule{}, ruleError(r.Name, "flow_control", fmt.Errorf("unknown bucket %q", r.FlowControl))
		}
		out.FlowControl = id
	}
	return out, nil
}

// Compile converts the binding rule.
func (b BindRuleConfig) Compile() (engine.BindRule, error) {
	out := engine.BindRule{Name: b.Name, ProcessID: b.ProcessID, LocalPort: b.LocalPort, ProcessName: b.ProcessName}
	var err error
	if out.Protocol, err = ParseProtocol(b.Protocol); err != nil {
		return engine.BindRule{}, ruleError(b.Name, "protocol", err)
	}
	if out.Family, err = ParseFamily(b.Family); err != nil {
		return engine.BindRule{}, ruleError(b.Name, "family", err)
	}
	if out.LocalAddr, out.LocalMask, err = ParsePrefix(b.LocalAddr); err != nil {
		return engine.BindRule{}, ruleError(b.Name, "local_addr", err)
	}
	if out.Flags, err = engine.ParseFlags(strings.Join(b.Flags, "|")); err != nil {
		return engine.BindRule{}, ruleError(b.Name, "flags", err)
	}
	if b.NewLocal != "" {
		ap, err := netip.ParseAddrPort(b.NewLocal)
		if err != nil {
			return engine.BindRule{}, ruleError(b.Name, "new_local", err)
		}
		out.NewLocal = ap
		out.Flags |= engine.FlagRedirect
	}
	return out, nil
}

func ruleError(name, field string, err error) error {
	return errors.Attr(errors.Wrapf(err, errors.KindValidation, "rule %q: invalid %s", name, field), "field", field)
}

// ParseProtocol accepts "tcp", "udp", "any" / "" or a protocol number.
func ParseProtocol(s string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "ip":
		return engine.ProtoAny, nil
	case "tcp":
		return engine.ProtoTCP, nil
	case "udp":
		return engine.ProtoUDP, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return uint8(n), nil
}

// ParseFamily accepts "ipv4", "ipv6" and "any" / "".
func ParseFamily(s string) (engine.Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return engine.FamilyAny, nil
	case "ipv4", "inet", "4":
		return engine.FamilyV4, nil
	case "ipv6", "inet6", "6":
		return engine.FamilyV6, nil
	}
	return 0, fmt.Errorf("unknown family %q", s)
}

// ParsePrefix parses an address or CIDR prefix into an address and mask.
// A bare address yields no mask, which matches it exactly.
func ParsePrefix(s string) (addr, mask netip.Addr, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, netip.Addr{}, nil
	}
	if !strings.Contains(s, "/") {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Addr{}, netip.Addr{}, err
		}
		return a.Unmap(), netip.Addr{}, nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	p = p.Masked()
	return p.Addr(), prefixMask(p), nil
}

func prefixMask(p netip.Prefix) netip.Addr {
	bits := p.Bits()
	if p.Addr().Is4() {
		var b [4]byte
		for i := range bits {
			b[i/8] |= 0x80 >> (i % 8)
		}
		return netip.AddrFrom4(b)
	}
	var b [16]byte
	for i := range bits {
		b[i/8] |= 0x80 >> (i % 8)
	}
	return netip.AddrFrom16(b)
}

// ParsePortRange accepts "", "443" or "1000-2000".
func ParsePortRange(s string) (engine.PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "any" {
		return engine.PortRange{}, nil
	}
	from, to, isRange := strings.Cut(s, "-")
	f, err := strconv.ParseUint(strings.TrimSpace(from), 10, 16)
	if err != nil {
		return engine.PortRange{}, fmt.Errorf("invalid port %q", from)
	}
	if !isRange {
		return engine.PortRange{From: uint16(f)}, nil
	}
	t, err := strconv.ParseUint(strings.TrimSpace(to), 10, 16)
	if err != nil {
		return engine.PortRange{}, fmt.Errorf("invalid port %q", to)
	}
	if t < f {
		return engine.PortRange{}, fmt.Errorf("port range %s is inverted", s)
	}
	return engine.PortRange{From: uint16(f), To: uint16(t)}, nil
}
