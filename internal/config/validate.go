// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/validation"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Err returns the collection as a validation error naming the first
// offending field, or nil.
func (e ValidationErrors) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return errors.Attr(errors.Wrap(e, errors.KindValidation, "invalid configuration"), "field", e[0].Field)
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationErrors) duration(field, s string) {
	if s == "" {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		e.add(field, "invalid duration %q", s)
		return
	}
	if d <= 0 {
		e.add(field, "must be positive")
	}
}

// Validate checks the config. ApplyDefaults should run first.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if e := c.Engine; e != nil {
		for field, v := range map[string]int{
			"engine.hash_buckets":       e.HashBuckets,
			"engine.max_tcp":            e.MaxTCP,
			"engine.max_udp":            e.MaxUDP,
			"engine.max_ip_queue":       e.MaxIPQueue,
			"engine.max_inject_backlog": e.MaxInjectBacklog,
		} {
			if v < 0 {
				errs.add(field, "must not be negative")
			}
		}
		errs.duration("engine.udp_idle_timeout", e.UDPIdleTimeout)
		errs.duration("engine.cleanup_interval", e.CleanupInterval)
		errs.duration("engine.retry_interval", e.RetryInterval)
		errs.duration("engine.resolver_cache_ttl", e.ResolverCacheTTL)
	}

	if io := c.IO; io != nil {
		if io.RegionSize != 0 && io.RegionSize < wire.HeaderSize+wire.MaxPayload {
			errs.add("io.region_size", "must hold the largest record (%d bytes)", wire.HeaderSize+wire.MaxPayload)
		}
		if io.MaxEvents < 0 {
			errs.add("io.max_events", "must not be negative")
		}
		if io.Socket != "" {
			if err := validation.ValidateSocketPath(io.Socket); err != nil {
				errs.add("io.socket", "%v", err)
			}
		}
		if io.SharedDir != "" {
			if err := validation.ValidateDirectory(io.SharedDir); err != nil {
				errs.add("io.shared_dir", "%v", err)
			}
		}
	}

	buckets := make(map[string]bool)
	if fc := c.FlowControl; fc != nil {
		errs.duration("flow_control.idle_timeout", fc.IdleTimeout)
		for _, b := range fc.Buckets {
			field := fmt.Sprintf("flow_control.bucket[%s]", b.Name)
			if err := validation.ValidateIdentifier(b.Name); err != nil {
				errs.add(field, "%v", err)
			}
			if buckets[b.Name] {
				errs.add(field, "duplicate bucket")
			}
			buckets[b.Name] = true
		}
	}

	ids := make(map[string]uint64, len(buckets))
	for name := range buckets {
		ids[name] = 1
	}
	seen := make(map[string]bool)
	for _, r := range c.Rules {
		field := fmt.Sprintf("rule[%s]", r.Name)
		if seen[r.Name] {
			errs.add(field, "duplicate rule name")
		}
		seen[r.Name] = true
		if r.Name != "" {
			if err := validation.ValidateIdentifier(r.Name); err != nil {
				errs.add(field, "%v", err)
			}
		}
		if _, err := r.Compile(ids); err != nil {
			errs.add(field, "%v", err)
		}
	}
	for _, b := range c.BindRules {
		if _, err := b.Compile(); err != nil {
			errs.add(fmt.Sprintf("bind_rule[%s]", b.Name), "%v", err)
		}
	}

	if s := c.Stack; s != nil {
		if s.Type != "" {
			if err := validation.ValidateAllowlist(s.Type, []string{"sim", "nfqueue"}); err != nil {
				errs.add("stack.type", "%v", err)
			}
		}
		if q := s.NFQueue; q != nil {
			errs.duration("stack.nfqueue.idle_timeout", q.IdleTimeout)
		}
	}

	if l := c.Logging; l != nil {
		if l.Level != "" {
			if err := validation.ValidateAllowlist(l.Level, []string{"debug", "info", "warn", "warning", "error"}); err != nil {
				errs.add("logging.level", "%v", err)
			}
		}
		if l.Format != "" {
			if err := validation.ValidateAllowlist(l.Format, []string{"text", "json"}); err != nil {
				errs.add("logging.format", "%v", err)
			}
		}
		if s := l.Syslog; s != nil && s.Enabled {
			if s.Host == "" {
				errs.add("logging.syslog.host", "required when syslog is enabled")
			}
			if s.Port != 0 {
				if err := validation.ValidatePortNumber(s.Port); err != nil {
					errs.add("logging.syslog.port", "%v", err)
				}
			}
			if s.Protocol != "" {
				if err := validation.ValidateAllowlist(s.Protocol, []string{"udp", "tcp"}); err != nil {
					errs.add("logging.syslog.protocol", "%v", err)
				}
			}
		}
	}

	if m := c.Metrics; m != nil {
		errs.duration("metrics.interval", m.Interval)
	}

	if a := c.API; a != nil && a.Enabled {
		if _, err := netip.ParseAddrPort(a.Listen); err != nil {
			if _, _, herr := net.SplitHostPort(a.Listen); herr != nil {
				errs.add("api.listen", "invalid listen address %q", a.Listen)
			}
		}
	}
	return errs
}
