// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement the storage used by the compute pipelines.
//
// A Buffer is a flat, row-major byte storage with a shape. Buffers are allocated once, before the
// first use, and then mutated in place on every call; views share the same bytes.
//
// A Tensor is the low-precision aware value passed between operations: a data Buffer plus the
// FP8 scaling metadata (amax, scale and scale_inv) needed to interpret it.
package tensors

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/dtypes/float8"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Buffer holds the raw bytes of a tensor with the given shape.
type Buffer struct {
	shape shapes.Shape
	data  []byte
}

// NewBuffer allocates a zero-initialized buffer.
func NewBuffer(shape shapes.Shape) *Buffer {
	return &Buffer{shape: shape.Clone(), data: make([]byte, shape.Memory())}
}

// BufferFromBytes wraps data without copying. It panics if the length of data doesn't match the shape.
func BufferFromBytes(shape shapes.Shape, data []byte) *Buffer {
	if len(data) != shape.Memory() {
		exceptions.Panicf("tensors.BufferFromBytes(%s): got %d bytes, wanted %d", shape, len(data), shape.Memory())
	}
	return &Buffer{shape: shape.Clone(), data: data}
}

// FromFloat32s creates a new buffer of the given dtype and dimensions, converting values.
func FromFloat32s(dtype dtypes.DType, values []float32, dimensions ...int) *Buffer {
	b := NewBuffer(shapes.Make(dtype, dimensions...))
	b.SetFloat32s(values)
	return b
}

// Scalar creates a float32 buffer of shape [1] holding value.
func Scalar(value float32) *Buffer {
	return FromFloat32s(dtypes.Float32, []float32{value}, 1)
}

// Shape of the buffer. It must not be modified.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// DType of the buffer.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// Size is the number of elements.
func (b *Buffer) Size() int { return b.shape.Size() }

// Bytes returns the underlying storage, not a copy.
func (b *Buffer) Bytes() []byte { return b.data }

// View returns a buffer sharing the same bytes, reinterpreted with the given shape.
// The shape must use exactly the same number of bytes, otherwise it panics.
func (b *Buffer) View(shape shapes.Shape) *Buffer {
	if shape.Memory() != len(b.data) {
		exceptions.Panicf("Buffer.View(%s) of buffer %s: byte sizes differ (%d != %d)", shape, b.shape, shape.Memory(), len(b.data))
	}
	return &Buffer{shape: shape.Clone(), data: b.data}
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Buffer{shape: b.shape.Clone(), data: data}
}

// CopyFrom copies the contents of src, which must have the same shape.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if !src.shape.Equal(b.shape) {
		return errors.Errorf("Buffer.CopyFrom: source shape %s differs from %s", src.shape, b.shape)
	}
	copy(b.data, src.data)
	return nil
}

// Zero sets all bytes to 0.
func (b *Buffer) Zero() {
	clear(b.data)
}

// Float32s decodes all elements to float32.
//
// 8-bit float buffers are decoded as raw values, without any scaling: use Tensor.Float32s to dequantize.
func (b *Buffer) Float32s() []float32 {
	n := b.Size()
	out := make([]float32, n)
	b.ReadFloat32s(out)
	return out
}

// ReadFloat32s decodes all elements into out, which must have Size() elements.
func (b *Buffer) ReadFloat32s(out []float32) {
	n := b.Size()
	if len(out) != n {
		exceptions.Panicf("Buffer.ReadFloat32s: got %d elements to read to, buffer %s has %d", len(out), b.shape, n)
	}
	le := binary.LittleEndian
	switch b.DType() {
	case dtypes.Float32:
		for i := range out {
			out[i] = math.Float32frombits(le.Uint32(b.data[4*i:]))
		}
	case dtypes.Float64:
		for i := range out {
			out[i] = float32(math.Float64frombits(le.Uint64(b.data[8*i:])))
		}
	case dtypes.Float16:
		for i := range out {
			out[i] = float16.Frombits(le.Uint16(b.data[2*i:])).Float32()
		}
	case dtypes.BFloat16:
		for i := range out {
			out[i] = bfloat16.BFloat16(le.Uint16(b.data[2*i:])).Float32()
		}
	case dtypes.F8E4M3FN, dtypes.F8E5M2:
		for i := range out {
			out[i] = float8.Decode(b.DType(), b.data[i])
		}
	case dtypes.Int8:
		for i := range out {
			out[i] = float32(int8(b.data[i]))
		}
	case dtypes.Uint8, dtypes.Bool:
		for i := range out {
			out[i] = float32(b.data[i])
		}
	case dtypes.Int32:
		for i := range out {
			out[i] = float32(int32(le.Uint32(b.data[4*i:])))
		}
	default:
		exceptions.Panicf("Buffer.Float32s not supported for dtype %s", b.DType())
	}
}

// SetFloat32s encodes values (one per element) into the buffer, converting to the buffer's dtype.
//
// 8-bit float buffers are encoded without any scaling: use Tensor.SetFloat32s to quantize.
func (b *Buffer) SetFloat32s(values []float32) {
	n := b.Size()
	if len(values) != n {
		exceptions.Panicf("Buffer.SetFloat32s: got %d values, buffer %s has %d elements", len(values), b.shape, n)
	}
	le := binary.LittleEndian
	switch b.DType() {
	case dtypes.Float32:
		for i, v := range values {
			le.PutUint32(b.data[4*i:], math.Float32bits(v))
		}
	case dtypes.Float64:
		for i, v := range values {
			le.PutUint64(b.data[8*i:], math.Float64bits(float64(v)))
		}
	case dtypes.Float16:
		for i, v := range values {
			le.PutUint16(b.data[2*i:], float16.Fromfloat32(v).Bits())
		}
	case dtypes.BFloat16:
		for i, v := range values {
			le.PutUint16(b.data[2*i:], uint16(bfloat16.FromFloat32(v)))
		}
	case dtypes.F8E4M3FN, dtypes.F8E5M2:
		for i, v := range values {
			b.data[i] = float8.Encode(b.DType(), v)
		}
	case dtypes.Int8:
		for i, v := range values {
			b.data[i] = byte(int8(v))
		}
	case dtypes.Uint8, dtypes.Bool:
		for i, v := range values {
			b.data[i] = byte(v)
		}
	case dtypes.Int32:
		for i, v := range values {
			le.PutUint32(b.data[4*i:], uint32(int32(v)))
		}
	default:
		exceptions.Panicf("Buffer.SetFloat32s not supported for dtype %s", b.DType())
	}
}

// Fill sets every element to value.
func (b *Buffer) Fill(value float32) {
	values := make([]float32, b.Size())
	for i := range values {
		values[i] = value
	}
	b.SetFloat32s(values)
}
