// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hashindex implements a fixed-size chained hash table keyed by
// 64-bit identifiers.
//
// The table never resizes. It is not safe for concurrent use; owners
// guard it with their own table lock.
package hashindex

// DefaultSize is the bucket count used when New is given zero.
const DefaultSize = 1024

type node[T any] struct {
	id    uint64
	value T
	next  *node[T]
}

// Index maps ids to values.
type Index[T any] struct {
	buckets []*node[T]
	count   int
}

// New creates an index with size buckets.
func New[T any](size int) *Index[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Index[T]{buckets: make([]*node[T], size)}
}

func (x *Index[T]) slot(id uint64) int {
	return int(id % uint64(len(x.buckets)))
}

// Insert adds value under id. If id is already present nothing changes
// and false is returned.
func (x *Index[T]) Insert(id uint64, value T) bool {
	b := x.slot(id)
	for n := x.buckets[b]; n != nil; n = n.next {
		if n.id == id {
			return false
		}
	}
	x.buckets[b] = &node[T]{id: id, value: value, next: x.buckets[b]}
	x.count++
	return true
}

// Find returns the value stored under id.
func (x *Index[T]) Find(id uint64) (T, bool) {
	for n := x.buckets[x.slot(id)]; n != nil; n = n.next {
		if n.id == id {
			return n.value, true
		}
	}
	var zero T
	return zero, false
}

// Remove unlinks id and returns the value it held. The value itself is
// left to the caller.
func (x *Index[T]) Remove(id uint64) (T, bool) {
	b := x.slot(id)
	var prev *node[T]
	for n := x.buckets[b]; n != nil; prev, n = n, n.next {
		if n.id != id {
			continue
		}
		if prev == nil {
			x.buckets[b] = n.next
		} else {
			prev.next = n.next
		}
		x.count--
		return n.value, true
	}
	var zero T
	return zero, false
}

// Len returns the number of stored entries.
func (x *Index[T]) Len() int { return x.count }

// Size returns the bucket count.
func (x *Index[T]) Size() int { return len(x.buckets) }

// Range calls fn for every entry until fn returns false. fn must not
// mutate the index.
func (x *Index[T]) Range(fn func(id uint64, value T) bool) {
	for _, head := range x.buckets {
		for n := head; n != nil; n = n.next {
			if !fn(n.id, n.value) {
				return
			}
		}
	}
}
