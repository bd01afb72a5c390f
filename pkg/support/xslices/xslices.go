// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"cmp"
	"math"
	"slices"

	"golang.org/x/exp/constraints"
)

// Last returns the last element of a slice.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Pop last element of the slice, and returns slice with one less element.
// If slice is empty it returns the zero value for `T` and returns slice unchanged.
func Pop[T any](slice []T) (T, []T) {
	var value T
	if len(slice) > 0 {
		value = slice[len(slice)-1]
		slice = slice[:len(slice)-1]
	}
	return value, slice
}

// PopFront takes the first element of the slice, and returns the slice with one less element.
// If slice is empty it returns the zero value for `T` and returns slice unchanged.
func PopFront[T any](slice []T) (T, []T) {
	var value T
	if len(slice) > 0 {
		value = slice[0]
		slice = slice[1:]
	}
	return value, slice
}

// Reversed returns a reversed copy of slice.
func Reversed[T any](slice []T) []T {
	out := slices.Clone(slice)
	slices.Reverse(out)
	return out
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns the sorted keys of a map in the form of a slice.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	slices.Sort(s)
	return s
}

// Max scans the slice and returns the maximum value.
func Max[T constraints.Ordered](slice []T) (max T) {
	if len(slice) == 0 {
		return
	}
	max = slice[0]
	for _, v := range slice {
		if max < v {
			max = v
		}
	}
	return
}

// MaxAbs returns the largest absolute value of the slice, or 0 for an empty slice.
func MaxAbs[T constraints.Float](slice []T) (max T) {
	for _, v := range slice {
		if a := T(math.Abs(float64(v))); a > max {
			max = a
		}
	}
	return
}

// InDelta returns whether s0 and s1 have the same length and all elements within delta of each other.
func InDelta[T constraints.Float](s0, s1 []T, delta float64) bool {
	if len(s0) != len(s1) {
		return false
	}
	for i := range s0 {
		if math.Abs(float64(s0[i])-float64(s1[i])) > delta {
			return false
		}
	}
	return true
}

// SliceWithValue creates a slice of given size filled with given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}
