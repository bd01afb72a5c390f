// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
)

// Tensor is the value passed between operations: the data plus, for the 8-bit float dtypes, the
// scaling metadata needed to interpret it.
//
// For FP8 dtypes Data is stored with dtypes.Int8 (see DType.StorageDType) and its values are only
// meaningful together with DType and ScaleInv: value = decode(Data) * ScaleInv.
// Amax is a float32 buffer whose first element holds the absolute maximum of the last quantized values;
// further elements, if any, hold older values (the amax history).
//
// Wide precision tensors have nil Amax, Scale and ScaleInv.
//
// The dtype and shape are cached at construction, and the buffers may be shared with other tensors
// (no-copy views).
type Tensor struct {
	dtype dtypes.DType
	shape shapes.Shape

	Data                  *Buffer
	Amax, Scale, ScaleInv *Buffer
}

// New allocates a tensor of the given shape.
// FP8 tensors get their own metadata, with scale and scale_inv set to 1.
func New(shape shapes.Shape) *Tensor {
	t := &Tensor{
		dtype: shape.DType,
		shape: shape.Clone(),
		Data:  NewBuffer(shape.WithDType(shape.DType.StorageDType())),
	}
	if t.IsLowPrecision() {
		t.Amax = Scalar(0)
		t.Scale = Scalar(1)
		t.ScaleInv = Scalar(1)
	}
	return t
}

// Wrap creates a tensor of the given logical dtype over existing buffers, without copying.
// data must use the storage dtype of dtype; the metadata buffers are only used for FP8 dtypes.
func Wrap(dtype dtypes.DType, data, amax, scale, scaleInv *Buffer) *Tensor {
	if data.DType() != dtype.StorageDType() {
		exceptions.Panicf("tensors.Wrap(%s): data has dtype %s, wanted storage dtype %s", dtype, data.DType(), dtype.StorageDType())
	}
	t := &Tensor{
		dtype: dtype,
		shape: data.Shape().WithDType(dtype),
		Data:  data,
	}
	if t.IsLowPrecision() {
		if scale == nil || scaleInv == nil {
			exceptions.Panicf("tensors.Wrap(%s): scale and scale_inv are required for FP8 tensors", dtype)
		}
		t.Amax, t.Scale, t.ScaleInv = amax, scale, scaleInv
	}
	return t
}

// FromBuffer wraps a wide precision buffer as a tensor, without copying.
func FromBuffer(b *Buffer) *Tensor {
	if b.DType().IsFloat8() {
		return Wrap(b.DType(), b.View(b.Shape().WithDType(dtypes.Int8)), Scalar(0), Scalar(1), Scalar(1))
	}
	return Wrap(b.DType(), b, nil, nil, nil)
}

// DType returns the logical dtype of the tensor (not the storage dtype).
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Shape returns the logical shape of the tensor. It must not be modified.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// IsLowPrecision returns whether the tensor holds 8-bit float values.
func (t *Tensor) IsLowPrecision() bool { return t.dtype.IsFloat8() }

// Raw returns a view of the data with the logical dtype, so FP8 bytes decode to their unscaled values.
func (t *Tensor) Raw() *Buffer {
	if !t.IsLowPrecision() {
		return t.Data
	}
	return t.Data.View(t.shape)
}

// Float32s returns the dequantized values of the tensor.
func (t *Tensor) Float32s() []float32 {
	values := t.Raw().Float32s()
	if t.IsLowPrecision() {
		scaleInv := t.ScaleInv.Float32s()[0]
		for i := range values {
			values[i] *= scaleInv
		}
	}
	return values
}

// SetFloat32s stores values, quantizing them with Scale for FP8 tensors.
// For FP8 tensors the absolute maximum of values is stored in Amax[0], if there is an Amax.
func (t *Tensor) SetFloat32s(values []float32) {
	if !t.IsLowPrecision() {
		t.Data.SetFloat32s(values)
		return
	}
	scale := t.Scale.Float32s()[0]
	var amax float32
	scaled := make([]float32, len(values))
	for i, v := range values {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax = a
		}
		scaled[i] = v * scale
	}
	t.Raw().SetFloat32s(scaled)
	if t.Amax != nil {
		history := t.Amax.Float32s()
		history[0] = amax
		t.Amax.SetFloat32s(history)
	}
}

// View returns a tensor sharing data and metadata, with the same number of elements but new dimensions.
func (t *Tensor) View(dimensions ...int) *Tensor {
	shape := shapes.Make(t.dtype, dimensions...)
	if shape.Size() != t.shape.Size() {
		exceptions.Panicf("Tensor.View(%v) of %s: number of elements differ", dimensions, t)
	}
	return &Tensor{
		dtype:    t.dtype,
		shape:    shape,
		Data:     t.Data.View(shape.WithDType(t.dtype.StorageDType())),
		Amax:     t.Amax,
		Scale:    t.Scale,
		ScaleInv: t.ScaleInv,
	}
}

// Snapshot returns a tensor sharing the data but with a private copy of the scaling metadata,
// so that it stays interpretable after the metadata providers move on to the next iteration.
func (t *Tensor) Snapshot() *Tensor {
	t2 := *t
	if t.Amax != nil {
		t2.Amax = t.Amax.Clone()
	}
	if t.Scale != nil {
		t2.Scale = t.Scale.Clone()
	}
	if t.ScaleInv != nil {
		t2.ScaleInv = t.ScaleInv.Clone()
	}
	return &t2
}

// SetMeta replaces the scaling metadata buffers of an FP8 tensor.
func (t *Tensor) SetMeta(amax, scale, scaleInv *Buffer) {
	if !t.IsLowPrecision() {
		exceptions.Panicf("Tensor.SetMeta on wide precision tensor %s", t)
	}
	t.Amax, t.Scale, t.ScaleInv = amax, scale, scaleInv
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%s", t.shape)
}
