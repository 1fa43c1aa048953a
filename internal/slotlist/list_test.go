// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package slotlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func values(l *List[int]) []int {
	var out []int
	l.Each(func(_ Handle, v int) bool {
		out = append(out, v)
		return true
	})
	return out
}

func TestPushAndOrder(t *testing.T) {
	l := New[int](4)
	l.PushBack(2)
	l.PushBack(3)
	l.PushFront(1)

	assert.Equal(t, []int{1, 2, 3}, values(l))
	assert.Equal(t, 3, l.Len())

	v, ok := l.PopFront()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []int{2, 3}, values(l))
}

func TestRemoveMiddleAndEnds(t *testing.T) {
	l := New[int](0)
	a := l.PushBack(1)
	b := l.PushBack(2)
	c := l.PushBack(3)

	_, ok := l.Remove(b)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 3}, values(l))

	_, ok = l.Remove(c)
	assert.True(t, ok)
	_, ok = l.Remove(a)
	assert.True(t, ok)
	assert.Equal(t, 0, l.Len())

	_, _, ok = l.Front()
	assert.False(t, ok)
}

func TestStaleHandleRejected(t *testing.T) {
	l := New[string](1)
	h := l.PushBack("old")
	_, ok := l.Remove(h)
	require.True(t, ok)

	// Slot is reused with a new generation.
	h2 := l.PushBack("new")
	assert.False(t, l.Contains(h))
	_, ok = l.Remove(h)
	assert.False(t, ok)

	v, ok := l.Get(h2)
	assert.True(t, ok)
	assert.Equal(t, "new", v)
	assert.False(t, Handle{}.Valid())
}

func TestDrain(t *testing.T) {
	l := New[int](2)
	for i := 0; i < 5; i++ {
		l.PushBack(i)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, l.Drain())
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Drain())
}
