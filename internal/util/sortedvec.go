package util

import (
	"cmp"
	"slices"
)

type entry[K cmp.Ordered, V any] struct {
	key K
	val V
}

// SortedVec is an ordered map backed by a slice kept sorted by key. Lookups
// are binary searches; iteration is always ascending. It suits small maps that
// are iterated far more often than they change, like the streams of one
// participant.
type SortedVec[K cmp.Ordered, V any] struct {
	data []entry[K, V]
}

func (s *SortedVec[K, V]) search(k K) (int, bool) {
	return slices.BinarySearchFunc(s.data, k, func(e entry[K, V], k K) int {
		return cmp.Compare(e.key, k)
	})
}

// Insert stores v under k, replacing and returning any previous value.
func (s *SortedVec[K, V]) Insert(k K, v V) (old V, replaced bool) {
	i, found := s.search(k)
	if found {
		old = s.data[i].val
		s.data[i].val = v
		return old, true
	}
	s.data = slices.Insert(s.data, i, entry[K, V]{key: k, val: v})
	return old, false
}

// Get returns the value stored under k.
func (s *SortedVec[K, V]) Get(k K) (V, bool) {
	if i, found := s.search(k); found {
		return s.data[i].val, true
	}
	var zero V
	return zero, false
}

// Delete removes k and returns the value it held.
func (s *SortedVec[K, V]) Delete(k K) (V, bool) {
	i, found := s.search(k)
	if !found {
		var zero V
		return zero, false
	}
	v := s.data[i].val
	s.data = slices.Delete(s.data, i, i+1)
	return v, true
}

func (s *SortedVec[K, V]) Len() int { return len(s.data) }

// Each calls fn for every entry in ascending key order until fn returns false.
// fn must not modify s.
func (s *SortedVec[K, V]) Each(fn func(K, V) bool) {
	for _, e := range s.data {
		if !fn(e.key, e.val) {
			return
		}
	}
}

// Keys returns the keys in ascending order.
func (s *SortedVec[K, V]) Keys() []K {
	keys := make([]K, len(s.data))
	for i, e := range s.data {
		keys[i] = e.key
	}
	return keys
}

// Clear removes every entry.
func (s *SortedVec[K, V]) Clear() {
	clear(s.data)
	s.data = s.data[:0]
}
