package tensors

import (
	"bytes"
	"testing"

	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferCodecs(t *testing.T) {
	values := []float32{0, 1, -2.5, 0.5, 3, -4}
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16} {
		t.Run(dtype.String(), func(t *testing.T) {
			b := FromFloat32s(dtype, values, 2, 3)
			assert.Equal(t, 6*dtype.Size(), len(b.Bytes()))
			assert.Equal(t, values, b.Float32s())
		})
	}
	b := FromFloat32s(dtypes.Int8, []float32{-3, 7}, 2)
	assert.Equal(t, []byte{0xFD, 7}, b.Bytes())
	assert.Equal(t, []float32{-3, 7}, b.Float32s())
}

func TestBufferViewsShareBytes(t *testing.T) {
	b := FromFloat32s(dtypes.Float32, []float32{1, 2, 3, 4}, 2, 2)
	v := b.View(shapes.Make(dtypes.Float32, 4))
	v.SetFloat32s([]float32{5, 6, 7, 8})
	assert.Equal(t, []float32{5, 6, 7, 8}, b.Float32s())
	require.Panics(t, func() { _ = b.View(shapes.Make(dtypes.Float32, 3)) })

	c := b.Clone()
	c.Zero()
	assert.Equal(t, []float32{5, 6, 7, 8}, b.Float32s())
	require.NoError(t, c.CopyFrom(b))
	assert.Equal(t, b.Float32s(), c.Float32s())
	require.Error(t, c.CopyFrom(FromFloat32s(dtypes.Float32, []float32{1}, 1)))
}

func TestTensorFP8(t *testing.T) {
	x := New(shapes.Make(dtypes.F8E4M3FN, 2, 2))
	assert.Equal(t, dtypes.Int8, x.Data.DType())
	assert.True(t, x.IsLowPrecision())

	x.Scale.SetFloat32s([]float32{2})
	x.ScaleInv.SetFloat32s([]float32{0.5})
	x.SetFloat32s([]float32{1, -0.5, 100, 0})
	assert.Equal(t, []float32{100}, x.Amax.Float32s())
	// 100*2=200 is halfway between 192 and 208 in E4M3FN: it rounds to the even encoding, 192.
	assert.Equal(t, []float32{1, -0.5, 96, 0}, x.Float32s())

	snap := x.Snapshot()
	x.ScaleInv.SetFloat32s([]float32{1})
	assert.Equal(t, []float32{1, -0.5, 96, 0}, snap.Float32s())
	assert.Same(t, x.Data, snap.Data)

	v := x.View(4)
	assert.Equal(t, []int{4}, v.Shape().Dimensions)
	assert.Equal(t, dtypes.F8E4M3FN, v.DType())
	assert.Same(t, x.Scale, v.Scale)

	w := New(shapes.Make(dtypes.Float32, 3))
	assert.Nil(t, w.Scale)
	require.Panics(t, func() { w.SetMeta(nil, nil, nil) })
	require.Panics(t, func() { _ = Wrap(dtypes.F8E5M2, NewBuffer(shapes.Make(dtypes.Float32, 2)), nil, nil, nil) })
}

func TestSquish(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Int8, dtypes.BFloat16, dtypes.Float32} {
		t.Run(dtype.String(), func(t *testing.T) {
			b := NewBuffer(shapes.Make(dtype, 3, 4))
			for i := range b.Bytes() {
				b.Bytes()[i] = byte(i*37 + 11)
			}
			original := bytes.Clone(b.Bytes())

			squished := Squish(b)
			to, _ := SquishedDType(dtype)
			assert.Equal(t, to, squished.DType())
			assert.Equal(t, []int{3, 2}, squished.Shape().Dimensions)
			assert.Equal(t, b.Size()*dtype.Size(), squished.Size()*squished.DType().Size())

			restored := Unsquish(squished, dtype)
			assert.True(t, restored.Shape().Equal(b.Shape()))
			assert.Equal(t, original, restored.Bytes())
		})
	}
	require.Panics(t, func() { _ = Squish(NewBuffer(shapes.Make(dtypes.Float64, 2))) })
	require.Panics(t, func() { _ = Squish(NewBuffer(shapes.Make(dtypes.Int8, 3))) })
	require.Panics(t, func() { _ = Unsquish(NewBuffer(shapes.Make(dtypes.Float32, 2)), dtypes.Int8) })
}
