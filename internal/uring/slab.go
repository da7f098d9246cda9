//go:build linux
// +build linux

package uring

// Slab is a fixed-capacity arena with stable integer keys.
//
// The Ring keeps its in-flight operations in one (keyed by SQE user_data)
// and the file creator keeps its pending files in another (bounding the
// number of concurrently open files).
type Slab[T any] struct {
	entries  []slabEntry[T]
	freeHead int
	length   int
}

type slabEntry[T any] struct {
	value    T
	next     int // next free slot, -1 terminates the free list
	occupied bool
}

// NewSlab creates a slab with room for capacity values.
func NewSlab[T any](capacity int) *Slab[T] {
	s := &Slab[T]{
		entries:  make([]slabEntry[T], capacity),
		freeHead: 0,
	}
	for i := range s.entries {
		s.entries[i].next = i + 1
	}
	s.entries[capacity-1].next = -1
	return s
}

// Insert stores v and returns its key. Returns false if the slab is full.
func (s *Slab[T]) Insert(v T) (int, bool) {
	if s.freeHead < 0 {
		return 0, false
	}
	key := s.freeHead
	e := &s.entries[key]
	s.freeHead = e.next
	e.value = v
	e.occupied = true
	s.length++
	return key, true
}

// Get returns a pointer to the value under key. Panics on a vacant key:
// that is always a bookkeeping bug, never a runtime condition.
func (s *Slab[T]) Get(key int) *T {
	e := &s.entries[key]
	if !e.occupied {
		panic("slab: get of vacant slot")
	}
	return &e.value
}

// Remove takes the value out of the slab and frees the slot.
func (s *Slab[T]) Remove(key int) T {
	e := &s.entries[key]
	if !e.occupied {
		panic("slab: remove of vacant slot")
	}
	v := e.value
	var zero T
	e.value = zero
	e.occupied = false
	e.next = s.freeHead
	s.freeHead = key
	s.length--
	return v
}

// Len returns the number of occupied slots.
func (s *Slab[T]) Len() int {
	return s.length
}

// Cap returns the slab capacity.
func (s *Slab[T]) Cap() int {
	return len(s.entries)
}
