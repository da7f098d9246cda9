//go:build linux
// +build linux

package uring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlabInsertRemove(t *testing.T) {
	s := NewSlab[string](2)
	require.Equal(t, 0, s.Len())
	require.Equal(t, 2, s.Cap())

	k1, ok := s.Insert("a")
	require.True(t, ok)
	k2, ok := s.Insert("b")
	require.True(t, ok)
	require.Equal(t, 2, s.Len())

	_, ok = s.Insert("c")
	require.False(t, ok, "insert into full slab must fail")

	require.Equal(t, "a", *s.Get(k1))
	require.Equal(t, "b", s.Remove(k2))
	require.Equal(t, 1, s.Len())

	// Freed slot is reusable.
	k3, ok := s.Insert("c")
	require.True(t, ok)
	require.Equal(t, "c", *s.Get(k3))
}

func TestSlabGetVacantPanics(t *testing.T) {
	s := NewSlab[int](1)
	k, _ := s.Insert(7)
	s.Remove(k)
	require.Panics(t, func() { s.Get(k) })
}

func TestSlabKeysAreStable(t *testing.T) {
	s := NewSlab[int](4)
	keys := make([]int, 4)
	for i := range keys {
		k, ok := s.Insert(i * 10)
		require.True(t, ok)
		keys[i] = k
	}
	s.Remove(keys[1])
	s.Remove(keys[2])
	for _, i := range []int{0, 3} {
		require.Equal(t, i*10, *s.Get(keys[i]))
	}
}
