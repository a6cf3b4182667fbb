// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/tilefuse/tilefuse/types/shapes"
)

// TensorRef is a non-owning reference to a dense tensor in device-visible
// memory: a shape plus the flat backing slice.
//
// Flat is always a slice of the shape's Go element type: []float32, []float64,
// []float16.Float16 or []int32.
type TensorRef struct {
	Shape shapes.Shape
	Flat  any
}

// NewTensorRef allocates a zeroed tensor of the given shape and returns a
// reference to it.
func NewTensorRef(shape shapes.Shape) TensorRef {
	var flat any
	switch shape.DType {
	case dtypes.Float32:
		flat = make([]float32, shape.Size())
	case dtypes.Float64:
		flat = make([]float64, shape.Size())
	case dtypes.Float16:
		flat = make([]float16.Float16, shape.Size())
	case dtypes.Int32:
		flat = make([]int32, shape.Size())
	default:
		exceptions.Panicf("layout.NewTensorRef: unsupported dtype %s", shape.DType)
	}
	return TensorRef{Shape: shape, Flat: flat}
}

// Ok reports whether the reference points at a tensor.
func (t TensorRef) Ok() bool { return t.Flat != nil && t.Shape.Ok() }

// Len returns the number of elements in the backing slice.
func (t TensorRef) Len() int {
	if t.Flat == nil {
		return 0
	}
	return reflect.ValueOf(t.Flat).Len()
}

// At reads the element at the flat offset, widened to float64.
func (t TensorRef) At(offset int) float64 {
	switch flat := t.Flat.(type) {
	case []float32:
		return float64(flat[offset])
	case []float64:
		return flat[offset]
	case []float16.Float16:
		return float64(flat[offset].Float32())
	case []int32:
		return float64(flat[offset])
	}
	exceptions.Panicf("layout.TensorRef.At: unsupported flat type %T", t.Flat)
	return 0
}

// Set writes the element at the flat offset, narrowing from float64.
func (t TensorRef) Set(offset int, value float64) {
	switch flat := t.Flat.(type) {
	case []float32:
		flat[offset] = float32(value)
	case []float64:
		flat[offset] = value
	case []float16.Float16:
		flat[offset] = float16.Fromfloat32(float32(value))
	case []int32:
		flat[offset] = int32(value)
	default:
		exceptions.Panicf("layout.TensorRef.Set: unsupported flat type %T", t.Flat)
	}
}
