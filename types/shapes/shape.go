// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the description of a dense tensor: a DType plus
// its dimensions.
//
// Shapes describe the destination and auxiliary tensors an epilogue reads and
// writes, and the per-problem workspace vectors. The DType enumeration comes
// from github.com/gomlx/gopjrt/dtypes; float16 values use the
// github.com/x448/float16 representation.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the dtype and dimensions of a dense tensor.
//
// Use Make to create one. The zero value is invalid.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// It panics if any dimension is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a rank-0 shape of the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape: Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok returns whether this is a valid shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has no dimensions.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the
// end, so axis=-1 refers to the last axis.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape.
// It is the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the bytes needed to store an array of the given shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	if s.IsScalar() {
		return true
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// HasShape is implemented by anything that can report its own shape.
type HasShape interface {
	Shape() Shape
}
