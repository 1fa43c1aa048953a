// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"
	"sync/atomic"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/hashindex"
	"grimm.is/flowguard/internal/slotlist"
)

// member is the table bookkeeping shared by every context kind.
type member struct {
	id      uint64
	refs    atomic.Int32
	handle  uint64
	indexed bool
	slot    slotlist.Handle
	// unlinked is set once the table's own reference has been dropped.
	unlinked atomic.Bool
}

// ID returns the logical id assigned at creation.
func (m *member) ID() uint64 { return m.id }

// Refs returns the current reference count.
func (m *member) Refs() int32 { return m.refs.Load() }

// Handle returns the endpoint handle the context is indexed under.
func (m *member) Handle() uint64 { return m.handle }

// AddRef takes an additional reference.
func (m *member) AddRef() { m.refs.Add(1) }

// tryRef takes a reference unless the count has already reached zero.
func (m *member) tryRef() bool {
	for {
		n := m.refs.Load()
		if n <= 0 {
			return false
		}
		if m.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (m *member) base() *member { return m }

type entry interface {
	comparable
	base() *member
}

// registry owns the live list and both hash indices. Its lock is never
// taken while a context lock is held.
type registry[C entry] struct {
	mu       sync.Mutex
	byID     *hashindex.Index[C]
	byHandle *hashindex.Index[C]
	live     *slotlist.List[C]
	nextID   uint64
	max      int
}

func newRegistry[C entry](buckets, max int) *registry[C] {
	return &registry[C]{
		byID:     hashindex.New[C](buckets),
		byHandle: hashindex.New[C](buckets),
		live:     slotlist.New[C](64),
		max:      max,
	}
}

// link assigns the next id and publishes c with one reference owned by
// the table.
func (r *registry[C]) link(c C) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && r.live.Len() >= r.max {
		return errors.Attr(errors.New(errors.KindExhausted, "flow context limit reached"), "max", r.max)
	}
	r.nextID++
	m := c.base()
	m.id = r.nextID
	m.refs.Store(1)
	m.unlinked.Store(false)
	m.slot = r.live.PushBack(c)
	r.byID.Insert(m.id, c)
	return nil
}

// index adds the endpoint-handle entry. It fails if the handle is already
// taken or c is already indexed.
func (r *registry[C]) index(c C, handle uint64) bool {
	if handle == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := c.base()
	if m.indexed || m.unlinked.Load() {
		return false
	}
	if !r.byHandle.Insert(handle, c) {
		return false
	}
	m.handle = handle
	m.indexed = true
	return true
}

func (r *registry[C]) unindexLocked(c C) {
	m := c.base()
	if !m.indexed {
		return
	}
	if cur, ok := r.byHandle.Find(m.handle); ok && cur == c {
		r.byHandle.Remove(m.handle)
	}
	m.indexed = false
}

// unindex drops the endpoint-handle entry so lookups by handle stop
// finding a closing context.
func (r *registry[C]) unindex(c C) {
	r.mu.Lock()
	r.unindexLocked(c)
	r.mu.Unlock()
}

// unlink removes c from the live list and every index.
func (r *registry[C]) unlink(c C) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := c.base()
	r.live.Remove(m.slot)
	if cur, ok := r.byID.Find(m.id); ok && cur == c {
		r.byID.Remove(m.id)
	}
	r.unindexLocked(c)
}

func (r *registry[C]) find(id uint64) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID.Find(id)
	if !ok || !c.base().tryRef() {
		var zero C
		return zero, false
	}
	return c, true
}

func (r *registry[C]) findHandle(handle uint64) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byHandle.Find(handle)
	if !ok || !c.base().tryRef() {
		var zero C
		return zero, false
	}
	return c, true
}

// snapshot returns every live context with a reference taken on each.
func (r *registry[C]) snapshot() []C {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]C, 0, r.live.Len())
	r.live.Each(func(_ slotlist.Handle, c C) bool {
		if c.base().tryRef() {
			out = append(out, c)
		}
		return true
	})
	return out
}

func (r *registry[C]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live.Len()
}
