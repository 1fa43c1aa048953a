// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package slotlist is a doubly linked list stored in a slot arena.
//
// Elements are addressed by Handle. A handle carries the generation of the
// slot it was issued for, so once an element is removed every handle to it
// goes stale and is rejected instead of touching a reused slot.
package slotlist

const nilIdx = -1

// Handle addresses one element of a List.
type Handle struct {
	idx int32
	gen uint32
}

// Valid reports whether h was ever issued. It says nothing about whether
// the element is still linked.
func (h Handle) Valid() bool { return h.gen != 0 }

type slot[T any] struct {
	value T
	prev  int32
	next  int32
	gen   uint32
	used  bool
}

// List is not safe for concurrent use.
type List[T any] struct {
	slots []slot[T]
	free  []int32
	head  int32
	tail  int32
	n     int
}

// New returns an empty list with room for capacity elements before the
// arena grows.
func New[T any](capacity int) *List[T] {
	return &List[T]{
		slots: make([]slot[T], 0, capacity),
		head:  nilIdx,
		tail:  nilIdx,
	}
}

func (l *List[T]) alloc(v T) int32 {
	var i int32
	if n := len(l.free); n > 0 {
		i = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.slots = append(l.slots, slot[T]{})
		i = int32(len(l.slots) - 1)
	}
	s := &l.slots[i]
	s.value = v
	s.used = true
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.prev, s.next = nilIdx, nilIdx
	l.n++
	return i
}

// PushBack appends v.
func (l *List[T]) PushBack(v T) Handle {
	i := l.alloc(v)
	s := &l.slots[i]
	s.prev = l.tail
	if l.tail != nilIdx {
		l.slots[l.tail].next = i
	} else {
		l.head = i
	}
	l.tail = i
	return Handle{idx: i, gen: s.gen}
}

// PushFront prepends v.
func (l *List[T]) PushFront(v T) Handle {
	i := l.alloc(v)
	s := &l.slots[i]
	s.next = l.head
	if l.head != nilIdx {
		l.slots[l.head].prev = i
	} else {
		l.tail = i
	}
	l.head = i
	return Handle{idx: i, gen: s.gen}
}

func (l *List[T]) live(h Handle) bool {
	if h.gen == 0 || h.idx < 0 || int(h.idx) >= len(l.slots) {
		return false
	}
	s := &l.slots[h.idx]
	return s.used && s.gen == h.gen
}

// Contains reports whether h still addresses a linked element.
func (l *List[T]) Contains(h Handle) bool { return l.live(h) }

// Get returns the element addressed by h.
func (l *List[T]) Get(h Handle) (T, bool) {
	if !l.live(h) {
		var zero T
		return zero, false
	}
	return l.slots[h.idx].value, true
}

// Remove unlinks the element addressed by h. Stale handles return false.
func (l *List[T]) Remove(h Handle) (T, bool) {
	var zero T
	if !l.live(h) {
		return zero, false
	}
	s := &l.slots[h.idx]
	if s.prev != nilIdx {
		l.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nilIdx {
		l.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	v := s.value
	s.value = zero
	s.used = false
	s.prev, s.next = nilIdx, nilIdx
	l.free = append(l.free, h.idx)
	l.n--
	return v, true
}

// Front returns the first element.
func (l *List[T]) Front() (Handle, T, bool) {
	if l.head == nilIdx {
		var zero T
		return Handle{}, zero, false
	}
	s := &l.slots[l.head]
	return Handle{idx: l.head, gen: s.gen}, s.value, true
}

// PopFront removes and returns the first element.
func (l *List[T]) PopFront() (T, bool) {
	h, _, ok := l.Front()
	if !ok {
		var zero T
		return zero, false
	}
	return l.Remove(h)
}

// Len returns the number of linked elements.
func (l *List[T]) Len() int { return l.n }

// Each visits elements front to back until fn returns false. fn must not
// mutate the list.
func (l *List[T]) Each(fn func(h Handle, v T) bool) {
	for i := l.head; i != nilIdx; i = l.slots[i].next {
		s := &l.slots[i]
		if !fn(Handle{idx: i, gen: s.gen}, s.value) {
			return
		}
	}
}

// Drain removes every element front to back and returns them.
func (l *List[T]) Drain() []T {
	out := make([]T, 0, l.n)
	for {
		v, ok := l.PopFront()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}
