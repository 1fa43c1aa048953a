// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/errors"
)

// ProcessResolver resolves a process id to its executable image.
type ProcessResolver interface {
	ImagePath(pid uint32) (string, error)
}

type cachedImage struct {
	name    string
	expires time.Time
}

// PSResolver looks processes up through the OS process table. Results are
// cached briefly because pids are resolved on the classification path.
type PSResolver struct {
	clock clock.Clock
	ttl   time.Duration

	mu    sync.Mutex
	cache map[uint32]cachedImage
}

// NewPSResolver creates a resolver caching results for ttl. A zero ttl
// disables caching.
func NewPSResolver(clk clock.Clock, ttl time.Duration) *PSResolver {
	if clk == nil {
		clk = clock.Real{}
	}
	return &PSResolver{clock: clk, ttl: ttl, cache: make(map[uint32]cachedImage)}
}

// ImagePath returns the executable name of pid.
func (r *PSResolver) ImagePath(pid uint32) (string, error) {
	if pid == 0 {
		return "", errors.New(errors.KindValidation, "pid 0 has no image")
	}
	now := r.clock.Now()
	if r.ttl > 0 {
		r.mu.Lock()
		c, ok := r.cache[pid]
		r.mu.Unlock()
		if ok && now.Before(c.expires) {
			return c.name, nil
		}
	}

	p, err := ps.FindProcess(int(pid))
	if err != nil {
		return "", errors.Wrapf(err, errors.KindUnavailable, "lookup pid %d", pid)
	}
	if p == nil {
		return "", errors.Errorf(errors.KindNotFound, "process %d not found", pid)
	}
	name := p.Executable()

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[pid] = cachedImage{name: name, expires: now.Add(r.ttl)}
		if len(r.cache) > 4096 {
			for k, v := range r.cache {
				if !now.Before(v.expires) {
					delete(r.cache, k)
				}
			}
		}
		r.mu.Unlock()
	}
	return name, nil
}

// StaticResolver maps pids to fixed names.
type StaticResolver map[uint32]string

// ImagePath returns the configured name for pid.
func (s StaticResolver) ImagePath(pid uint32) (string, error) {
	if name, ok := s[pid]; ok {
		return name, nil
	}
	return "", errors.Errorf(errors.KindNotFound, "process %d not found", pid)
}
