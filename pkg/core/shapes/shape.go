// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape: the dtype and the dimensions of a tensor.
//
// Activations flowing through a compute pipeline are always handled as matrices: all leading axes are
// "rows" and the last axis holds the features. The helpers Rows, RowSplit and RowMerge reflect that,
// and are the ones used by the distributed variants of the operations.
//
// Shapes are values, and all methods return new shapes; Make panics for invalid dimensions,
// the way a nil-pointer dereference would.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape of a tensor: its dtype and dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store a tensor of the given shape.
func (s Shape) Memory() int {
	return s.DType.Size() * s.Size()
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithDType returns a copy of the shape with the dtype replaced.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// WithLastDim returns a copy of the shape with the last axis replaced by dim.
func (s Shape) WithLastDim(dim int) Shape {
	if s.Rank() == 0 {
		exceptions.Panicf("Shape.WithLastDim(%d) of scalar shape %s", dim, s)
	}
	s2 := s.Clone()
	s2.Dimensions[s.Rank()-1] = dim
	return s2
}

// Rows returns the product of all but the last axis: the number of rows when the shape is seen as a matrix.
func (s Shape) Rows() int {
	if s.Rank() == 0 {
		return 1
	}
	return s.Size() / s.Dimensions[s.Rank()-1]
}

// Features returns the dimension of the last axis, or 1 for a scalar.
func (s Shape) Features() int {
	if s.Rank() == 0 {
		return 1
	}
	return s.Dimensions[s.Rank()-1]
}

// TransposeLast2 returns the shape with the last two axes swapped. Shapes of rank 1 are taken
// as column vectors, so [n] becomes [n, 1].
func (s Shape) TransposeLast2() Shape {
	switch s.Rank() {
	case 0:
		exceptions.Panicf("Shape.TransposeLast2() of scalar shape %s", s)
	case 1:
		return Make(s.DType, s.Dimensions[0], 1)
	}
	s2 := s.Clone()
	r := s.Rank()
	s2.Dimensions[r-2], s2.Dimensions[r-1] = s2.Dimensions[r-1], s2.Dimensions[r-2]
	return s2
}

// Matrix returns the 2D view [Rows, Features] of the shape.
func (s Shape) Matrix() Shape {
	return Make(s.DType, s.Rows(), s.Features())
}

// RowSplit returns the shape of one of the n shards when the rows of s are split across n devices,
// on the first axis.
//
// It returns an error if the first axis is not divisible by n.
func RowSplit(s Shape, n int) (Shape, error) {
	if n <= 0 {
		return Shape{}, errors.Errorf("shapes.RowSplit(%s, %d): number of shards must be positive", s, n)
	}
	if s.Rank() < 2 {
		return Shape{}, errors.Errorf("shapes.RowSplit(%s, %d): shape must have rank >= 2", s, n)
	}
	if s.Dimensions[0]%n != 0 {
		return Shape{}, errors.Errorf("shapes.RowSplit(%s, %d): first axis is not divisible by the number of shards", s, n)
	}
	s2 := s.Clone()
	s2.Dimensions[0] /= n
	return s2, nil
}

// RowMerge is the reverse of RowSplit: the shape of the concatenation of n shards of s on their rows.
func RowMerge(s Shape, n int) Shape {
	if s.Rank() < 2 {
		exceptions.Panicf("shapes.RowMerge(%s, %d): shape must have rank >= 2", s, n)
	}
	s2 := s.Clone()
	s2.Dimensions[0] *= n
	return s2
}

// ColumnSplit returns the shape of one of the n shards when the last axis of s is split across n devices.
func ColumnSplit(s Shape, n int) (Shape, error) {
	if n <= 0 || s.Rank() == 0 || s.Features()%n != 0 {
		return Shape{}, errors.Errorf("shapes.ColumnSplit(%s, %d): last axis is not divisible by the number of shards", s, n)
	}
	return s.WithLastDim(s.Features() / n), nil
}

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout in memory,
// the one used everywhere here.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for dim := rank - 1; dim >= 0; dim-- {
		strides[dim] = currentStride
		currentStride *= s.Dimensions[dim]
	}
	return
}
