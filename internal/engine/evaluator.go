// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

// ProcessResolver resolves a process id to its image path.
type ProcessResolver interface {
	ImagePath(pid uint32) (string, error)
}

// RuleSet holds the active flow and bind rule lists.
//
// Readers load the published slices without locking. Every mutation takes
// mu, builds a new slice and publishes it, so an in-progress match always
// sees a consistent list.
type RuleSet struct {
	mu        sync.Mutex
	active    atomic.Pointer[[]compiledRule]
	temp      []compiledRule
	bind      atomic.Pointer[[]compiledBind]
	bindTemp  []compiledBind
	caps      atomic.Uint32
	inspector atomic.Uint32

	resolver ProcessResolver
	logger   *logging.Logger
}

// NewRuleSet creates an empty rule set. resolver may be nil, in which
// case process-name predicates never match.
func NewRuleSet(resolver ProcessResolver, logger *logging.Logger) *RuleSet {
	if logger == nil {
		logger = logging.WithComponent("rules")
	}
	rs := &RuleSet{resolver: resolver, logger: logger}
	rs.active.Store(&[]compiledRule{})
	rs.bind.Store(&[]compiledBind{})
	return rs
}

// SetInspector records the pid of the attached inspector. Traffic from
// that process is always allowed. Zero clears it.
func (rs *RuleSet) SetInspector(pid uint32) { rs.inspector.Store(pid) }

// Inspector returns the attached inspector pid.
func (rs *RuleSet) Inspector() uint32 { return rs.inspector.Load() }

// Capabilities returns the layers that currently have rules.
func (rs *RuleSet) Capabilities() Caps { return Caps(rs.caps.Load()) }

// recompute must be called with mu held.
func (rs *RuleSet) recompute() {
	var c Caps
	for _, r := range *rs.active.Load() {
		if MatchProtocol(r.Protocol, ProtoTCP) {
			c |= CapTCP
		}
		if MatchProtocol(r.Protocol, ProtoUDP) {
			c |= CapUDP
		}
		if r.Flags&FlagFilterAsIP != 0 {
			c |= CapIP
		}
		if r.Flags&(FlagIndicateConnect|FlagPendConnect|FlagRedirect) != 0 {
			c |= CapConnectRedirect
		}
		if r.name != nil {
			c |= CapProcessName
		}
	}
	for _, r := range *rs.bind.Load() {
		c |= CapBind
		if r.name != nil {
			c |= CapProcessName
		}
	}
	rs.caps.Store(uint32(c))
}

// Add inserts a rule at the head or tail of the active list.
func (rs *RuleSet) Add(r Rule, toHead bool) error {
	cr, err := compileRule(r)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid rule")
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	cur := *rs.active.Load()
	next := make([]compiledRule, 0, len(cur)+1)
	if toHead {
		next = append(next, cr)
		next = append(next, cur...)
	} else {
		next = append(next, cur...)
		next = append(next, cr)
	}
	rs.active.Store(&next)
	rs.recompute()
	return nil
}

// AddTemp appends a rule to the staging list. It has no effect on
// matching until PromoteTemp.
func (rs *RuleSet) AddTemp(r Rule) error {
	cr, err := compileRule(r)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid rule")
	}
	rs.mu.Lock()
	rs.temp = append(rs.temp, cr)
	rs.mu.Unlock()
	return nil
}

// PromoteTemp atomically replaces the active list with the staging list
// and clears the staging list.
func (rs *RuleSet) PromoteTemp() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	next := rs.temp
	if next == nil {
		next = []compiledRule{}
	}
	rs.temp = nil
	rs.active.Store(&next)
	rs.recompute()
	rs.logger.Info("rules replaced", "count", len(next), "caps", rs.Capabilities().String())
	return len(next)
}

// Replace swaps in rules as one unit. On a validation error nothing
// changes.
func (rs *RuleSet) Replace(rules []Rule) error {
	next := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid rule"), "index", i)
		}
		next = append(next, cr)
	}
	rs.mu.Lock()
	rs.temp = nil
	rs.active.Store(&next)
	rs.recompute()
	rs.mu.Unlock()
	return nil
}

// RemoveAll clears the active and staging flow rules.
func (rs *RuleSet) RemoveAll() {
	rs.mu.Lock()
	rs.temp = nil
	rs.active.Store(&[]compiledRule{})
	rs.recompute()
	rs.mu.Unlock()
}

// Rules returns a copy of the active flow rules.
func (rs *RuleSet) Rules() []Rule {
	cur := *rs.active.Load()
	out := make([]Rule, len(cur))
	for i := range cur {
		out[i] = cur[i].Rule
	}
	return out
}

func (rs *RuleSet) nameFunc(pid uint32, known *string) func() string {
	return func() string {
		if *known != "" || rs.resolver == nil || pid == 0 {
			return *known
		}
		name, err := rs.resolver.ImagePath(pid)
		if err != nil {
			rs.logger.Debug("process lookup failed", "pid", pid, "error", err)
			return ""
		}
		*known = name
		return name
	}
}

// FindByFlow returns the disposition of the first rule matching f. When
// a process name is resolved it is stored in f.ProcessName so callers can
// cache it on the flow.
func (rs *RuleSet) FindByFlow(f *FlowInfo) Verdict {
	def := Verdict{Flags: FlagAllow, Rule: -1}
	if insp := rs.inspector.Load(); insp != 0 && f.ProcessID == insp {
		return def
	}
	rules := *rs.active.Load()
	name := rs.nameFunc(f.ProcessID, &f.ProcessName)
	for i := range rules {
		if rules[i].match(f, name) {
			return Verdict{
				Flags:       rules[i].Flags,
				FlowControl: rules[i].FlowControl,
				Rule:        i,
				Name:        rules[i].Name,
			}
		}
	}
	return def
}

// AddBind appends a binding rule to the active list.
func (rs *RuleSet) AddBind(r BindRule, toHead bool) error {
	cb, err := compileBind(r)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid bind rule")
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	cur := *rs.bind.Load()
	next := make([]compiledBind, 0, len(cur)+1)
	if toHead {
		next = append(append(next, cb), cur...)
	} else {
		next = append(append(next, cur...), cb)
	}
	rs.bind.Store(&next)
	rs.recompute()
	return nil
}

// AddBindTemp stages a binding rule.
func (rs *RuleSet) AddBindTemp(r BindRule) error {
	cb, err := compileBind(r)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid bind rule")
	}
	rs.mu.Lock()
	rs.bindTemp = append(rs.bindTemp, cb)
	rs.mu.Unlock()
	return nil
}

// PromoteBindTemp replaces the active binding rules with the staged ones.
func (rs *RuleSet) PromoteBindTemp() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	next := rs.bindTemp
	if next == nil {
		next = []compiledBind{}
	}
	rs.bindTemp = nil
	rs.bind.Store(&next)
	rs.recompute()
	return len(next)
}

// ReplaceBind swaps in binding rules as one unit. On a validation error
// nothing changes.
func (rs *RuleSet) ReplaceBind(rules []BindRule) error {
	next := make([]compiledBind, 0, len(rules))
	for i, r := range rules {
		cb, err := compileBind(r)
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid bind rule"), "index", i)
		}
		next = append(next, cb)
	}
	rs.mu.Lock()
	rs.bindTemp = nil
	rs.bind.Store(&next)
	rs.recompute()
	rs.mu.Unlock()
	return nil
}

// RemoveAllBind clears the binding rules.
func (rs *RuleSet) RemoveAllBind() {
	rs.mu.Lock()
	rs.bindTemp = nil
	rs.bind.Store(&[]compiledBind{})
	rs.recompute()
	rs.mu.Unlock()
}

// BindRules returns a copy of the active binding rules.
func (rs *RuleSet) BindRules() []BindRule {
	cur := *rs.bind.Load()
	out := make([]BindRule, len(cur))
	for i := range cur {
		out[i] = cur[i].BindRule
	}
	return out
}

// FindByBindInfo returns the disposition of the first binding rule that
// matches b. A non-allow disposition fills b.NewLocal with the rewritten
// address; parts the rule leaves unset keep their original value.
func (rs *RuleSet) FindByBindInfo(b *BindInfo) Flags {
	if insp := rs.inspector.Load(); insp != 0 && b.ProcessID == insp {
		return FlagAllow
	}
	rules := *rs.bind.Load()
	name := rs.nameFunc(b.ProcessID, &b.ProcessName)
	for i := range rules {
		r := &rules[i]
		if !r.match(b, name) {
			continue
		}
		if r.Flags != FlagAllow {
			addr, port := b.Local.Addr(), b.Local.Port()
			if r.NewLocal.Addr().IsValid() {
				addr = r.NewLocal.Addr()
			}
			if r.NewLocal.Port() != 0 {
				port = r.NewLocal.Port()
			}
			b.NewLocal = netip.AddrPortFrom(addr, port)
		}
		return r.Flags
	}
	return FlagAllow
}
