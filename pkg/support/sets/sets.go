// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implement a set type as a `map[T]struct{}` but with better ergonomics.
package sets

import (
	"cmp"
	"slices"
)

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// MakeWith creates a Set[T] with the given elements inserted.
func MakeWith[T comparable](elements ...T) Set[T] {
	s := Make[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Delete keys from the set. Keys not in the set are ignored.
func (s Set[T]) Delete(keys ...T) {
	for _, key := range keys {
		delete(s, key)
	}
}

// Clone returns a new set with the same elements.
func (s Set[T]) Clone() Set[T] {
	s2 := Make[T](len(s))
	for k := range s {
		s2.Insert(k)
	}
	return s2
}

// Sub returns `s - s2`, that is, all elements in `s` that are not in `s2`.
func (s Set[T]) Sub(s2 Set[T]) Set[T] {
	sub := Make[T]()
	for k := range s {
		if !s2.Has(k) {
			sub.Insert(k)
		}
	}
	return sub
}

// Union returns a new set with the elements of both s and s2.
func (s Set[T]) Union(s2 Set[T]) Set[T] {
	u := s.Clone()
	for k := range s2 {
		u.Insert(k)
	}
	return u
}

// Equal returns whether s and s2 have the exact same elements.
func (s Set[T]) Equal(s2 Set[T]) bool {
	if len(s) != len(s2) {
		return false
	}
	for k := range s {
		if !s2.Has(k) {
			return false
		}
	}
	return true
}

// SortedFunc returns the elements of the set sorted with the comparison function.
func (s Set[T]) SortedFunc(cmpFn func(a, b T) int) []T {
	keys := make([]T, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmpFn)
	return keys
}

// Sorted returns the elements of an ordered set, sorted.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	return s.SortedFunc(cmp.Compare[T])
}
