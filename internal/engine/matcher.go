// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
)

// compiledRule pairs a rule with its prepared process-name matcher.
type compiledRule struct {
	Rule
	name glob.Glob
}

type compiledBind struct {
	BindRule
	name glob.Glob
}

// compileName builds a suffix-anchored, case-insensitive matcher. The
// subject is compared from its end, so "app.exe" matches
// "C:\Tools\app.exe" and '*' may stand for any run of characters. Every
// other character, including backslashes and brackets, matches itself.
func compileName(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, nil
	}
	parts := strings.Split(strings.ToLower(pattern), "*")
	for i, part := range parts {
		parts[i] = glob.QuoteMeta(part)
	}
	p := strings.Join(parts, "*")
	if !strings.HasPrefix(p, "*") {
		p = "*" + p
	}
	g, err := glob.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("process name pattern %q: %w", pattern, err)
	}
	return g, nil
}

// MatchName reports whether subject ends with a string matching pattern.
func MatchName(pattern, subject string) bool {
	g, err := compileName(pattern)
	if err != nil || g == nil {
		return err == nil
	}
	return g.Match(strings.ToLower(subject))
}

// MatchProtocol treats a zero rule protocol as any.
func MatchProtocol(ruleProto, proto uint8) bool {
	return ruleProto == ProtoAny || ruleProto == proto
}

// MatchAddr compares addr with the rule address, applying mask when it is
// set and falling back to equality otherwise.
func MatchAddr(ruleAddr, mask, addr netip.Addr) bool {
	if !ruleAddr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	ruleAddr = ruleAddr.Unmap()
	if ruleAddr.Is4() != addr.Is4() {
		return false
	}
	if !mask.IsValid() {
		return ruleAddr == addr
	}
	mask = mask.Unmap()
	if mask.Is4() != addr.Is4() {
		return false
	}
	a, r, m := addr.AsSlice(), ruleAddr.AsSlice(), mask.AsSlice()
	for i := range a {
		if a[i]&m[i] != r[i]&m[i] {
			return false
		}
	}
	return true
}

// MatchPort reports whether port lies in the range.
func MatchPort(r PortRange, port uint16) bool {
	if r.Any() {
		return true
	}
	if r.To == 0 {
		return r.From == port
	}
	return port >= r.From && port <= r.To
}

func matchFamily(ruleFam, fam Family) bool {
	return ruleFam == FamilyAny || ruleFam == fam
}

func matchDirection(ruleDir, dir Direction) bool {
	return ruleDir == DirectionAny || ruleDir == dir
}

// targetsLocalV6 reports whether the rule names an IPv6 local address.
func (r *compiledRule) targetsLocalV6() bool {
	return r.LocalAddr.IsValid() && r.LocalAddr.Is6() && !r.LocalAddr.Is4In6()
}

// match evaluates every predicate except process name, which is checked
// last because it may need a lookup.
func (r *compiledRule) match(f *FlowInfo, name func() string) bool {
	if r.ProcessID != 0 && r.ProcessID != f.ProcessID {
		return false
	}
	if !MatchProtocol(r.Protocol, f.Protocol) {
		return false
	}
	if !matchFamily(r.Family, f.Family) {
		return false
	}
	if !matchDirection(r.Direction, f.Direction) {
		return false
	}
	if f.Family == FamilyV6 && f.Remote.Addr().IsLoopback() && !r.targetsLocalV6() {
		return false
	}
	if !MatchAddr(r.LocalAddr, r.LocalMask, f.Local.Addr()) {
		return false
	}
	if !MatchAddr(r.RemoteAddr, r.RemoteMask, f.Remote.Addr()) {
		return false
	}
	if !MatchPort(r.LocalPort, f.Local.Port()) {
		return false
	}
	if !MatchPort(r.RemotePort, f.Remote.Port()) {
		return false
	}
	if r.name != nil {
		subject := name()
		if subject == "" || !r.name.Match(strings.ToLower(subject)) {
			return false
		}
	}
	return true
}

func (r *compiledBind) match(b *BindInfo, name func() string) bool {
	if r.ProcessID != 0 && r.ProcessID != b.ProcessID {
		return false
	}
	if !MatchProtocol(r.Protocol, b.Protocol) {
		return false
	}
	if !matchFamily(r.Family, b.Family) {
		return false
	}
	if !MatchAddr(r.LocalAddr, r.LocalMask, b.Local.Addr()) {
		return false
	}
	if r.LocalPort != 0 && r.LocalPort != b.Local.Port() {
		return false
	}
	if r.name != nil {
		subject := name()
		if subject == "" || !r.name.Match(strings.ToLower(subject)) {
			return false
		}
	}
	return true
}

func validateMask(field string, addr, mask netip.Addr) error {
	if !mask.IsValid() {
		return nil
	}
	if !addr.IsValid() {
		return fmt.Errorf("%s mask set without address", field)
	}
	if addr.Unmap().Is4() != mask.Unmap().Is4() {
		return fmt.Errorf("%s mask family does not match address", field)
	}
	return nil
}

func compileRule(r Rule) (compiledRule, error) {
	if err := validateMask("local", r.LocalAddr, r.LocalMask); err != nil {
		return compiledRule{}, err
	}
	if err := validateMask("remote", r.RemoteAddr, r.RemoteMask); err != nil {
		return compiledRule{}, err
	}
	for _, pr := range []PortRange{r.LocalPort, r.RemotePort} {
		if pr.To != 0 && pr.To < pr.From {
			return compiledRule{}, fmt.Errorf("port range %d-%d is inverted", pr.From, pr.To)
		}
	}
	g, err := compileName(r.ProcessName)
	if err != nil {
		return compiledRule{}, err
	}
	return compiledRule{Rule: r, name: g}, nil
}

func compileBind(r BindRule) (compiledBind, error) {
	if err := validateMask("local", r.LocalAddr, r.LocalMask); err != nil {
		return compiledBind{}, err
	}
	g, err := compileName(r.ProcessName)
	if err != nil {
		return compiledBind{}, err
	}
	return compiledBind{BindRule: r, name: g}, nil
}
