// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Fragment is a fixed-length vector of values passed by value between fused
// operations along one edge of the dataflow. Its length equals the problem's
// per-step vector width and is identical for every edge within one Visit call.
//
// The flat slice is always of the dtype's Go element type: []float32,
// []float64, []float16.Float16 or []int32.
type Fragment struct {
	dtype dtypes.DType
	flat  any
}

// NewFragment returns a zeroed fragment of the given dtype and length.
func NewFragment(dtype dtypes.DType, length int) Fragment {
	var flat any
	switch dtype {
	case dtypes.Float32:
		flat = make([]float32, length)
	case dtypes.Float64:
		flat = make([]float64, length)
	case dtypes.Float16:
		flat = make([]float16.Float16, length)
	case dtypes.Int32:
		flat = make([]int32, length)
	default:
		exceptions.Panicf("fusion.NewFragment: unsupported dtype %s", dtype)
	}
	return Fragment{dtype: dtype, flat: flat}
}

// FragmentFromFloat32 wraps the given slice as a Float32 fragment.
// The slice is not copied.
func FragmentFromFloat32(values []float32) Fragment {
	return Fragment{dtype: dtypes.Float32, flat: values}
}

// WrapFragment wraps an existing flat slice as a fragment of the given dtype.
// The slice is not copied; it must be of the dtype's Go element type.
func WrapFragment(dtype dtypes.DType, flat any) Fragment {
	ok := false
	switch dtype {
	case dtypes.Float32:
		_, ok = flat.([]float32)
	case dtypes.Float64:
		_, ok = flat.([]float64)
	case dtypes.Float16:
		_, ok = flat.([]float16.Float16)
	case dtypes.Int32:
		_, ok = flat.([]int32)
	}
	if !ok {
		exceptions.Panicf("fusion.WrapFragment: flat type %T does not match dtype %s", flat, dtype)
	}
	return Fragment{dtype: dtype, flat: flat}
}

// DType returns the fragment element type.
func (f Fragment) DType() dtypes.DType { return f.dtype }

// Ok reports whether the fragment holds data.
func (f Fragment) Ok() bool { return f.flat != nil }

// Len returns the fragment length.
func (f Fragment) Len() int {
	switch flat := f.flat.(type) {
	case []float32:
		return len(flat)
	case []float64:
		return len(flat)
	case []float16.Float16:
		return len(flat)
	case []int32:
		return len(flat)
	case nil:
		return 0
	}
	exceptions.Panicf("fusion.Fragment.Len: unsupported flat type %T", f.flat)
	return 0
}

// At reads lane i, widened to float64.
func (f Fragment) At(i int) float64 {
	switch flat := f.flat.(type) {
	case []float32:
		return float64(flat[i])
	case []float64:
		return flat[i]
	case []float16.Float16:
		return float64(flat[i].Float32())
	case []int32:
		return float64(flat[i])
	}
	exceptions.Panicf("fusion.Fragment.At: unsupported flat type %T", f.flat)
	return 0
}

// Set writes lane i, narrowing from float64.
func (f Fragment) Set(i int, value float64) {
	switch flat := f.flat.(type) {
	case []float32:
		flat[i] = float32(value)
	case []float64:
		flat[i] = value
	case []float16.Float16:
		flat[i] = float16.Fromfloat32(float32(value))
	case []int32:
		flat[i] = int32(value)
	default:
		exceptions.Panicf("fusion.Fragment.Set: unsupported flat type %T", f.flat)
	}
}

// Float32 returns the backing slice of a Float32 fragment.
// It panics for any other dtype.
func (f Fragment) Float32() []float32 {
	flat, ok := f.flat.([]float32)
	if !ok {
		exceptions.Panicf("fusion.Fragment.Float32: fragment dtype is %s", f.dtype)
	}
	return flat
}

// Slice returns a fragment sharing the lanes [begin, end) of this fragment.
func (f Fragment) Slice(begin, end int) Fragment {
	switch flat := f.flat.(type) {
	case []float32:
		return Fragment{dtype: f.dtype, flat: flat[begin:end]}
	case []float64:
		return Fragment{dtype: f.dtype, flat: flat[begin:end]}
	case []float16.Float16:
		return Fragment{dtype: f.dtype, flat: flat[begin:end]}
	case []int32:
		return Fragment{dtype: f.dtype, flat: flat[begin:end]}
	}
	exceptions.Panicf("fusion.Fragment.Slice: unsupported flat type %T", f.flat)
	return Fragment{}
}

// ConvertTo returns the fragment converted to the given dtype.
// It returns the fragment unchanged if the dtype already matches.
func (f Fragment) ConvertTo(dtype dtypes.DType) Fragment {
	if f.dtype == dtype {
		return f
	}
	out := NewFragment(dtype, f.Len())
	for i := range f.Len() {
		out.Set(i, f.At(i))
	}
	return out
}

// Clone returns a deep copy of the fragment.
func (f Fragment) Clone() Fragment {
	out := NewFragment(f.dtype, f.Len())
	for i := range f.Len() {
		out.Set(i, f.At(i))
	}
	return out
}
