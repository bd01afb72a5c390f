package initializer

import (
	"math"
	"testing"

	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
)

func TestConstants(t *testing.T) {
	x := tensors.New(shapes.Make(dtypes.BFloat16, 2, 3))
	One(x)
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, x.Float32s())
	Zero(x)
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, x.Float32s())
}

func TestXavierUniform(t *testing.T) {
	w := tensors.New(shapes.Make(dtypes.Float32, 16, 32))
	XavierUniform(42)(w)
	limit := float32(math.Sqrt(6.0 / 48.0))
	var nonZero int
	for _, v := range w.Float32s() {
		assert.LessOrEqual(t, v, limit)
		assert.GreaterOrEqual(t, v, -limit)
		if v != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 500)

	// Same seed, same values.
	w2 := tensors.New(shapes.Make(dtypes.Float32, 16, 32))
	XavierUniform(42)(w2)
	assert.Equal(t, w.Float32s(), w2.Float32s())

	// Biases are zero.
	b := tensors.New(shapes.Make(dtypes.Float32, 4))
	One(b)
	XavierUniform(42)(b)
	assert.Equal(t, []float32{0, 0, 0, 0}, b.Float32s())
}

func TestNormal(t *testing.T) {
	x := tensors.New(shapes.Make(dtypes.Float32, 100, 100))
	Normal(1, 0.5)(x)
	var sum, sum2 float64
	for _, v := range x.Float32s() {
		sum += float64(v)
		sum2 += float64(v * v)
	}
	n := float64(x.Shape().Size())
	assert.InDelta(t, 0, sum/n, 0.02)
	assert.InDelta(t, 0.25, sum2/n, 0.02)

	mask := tensors.New(shapes.Make(dtypes.Uint8, 3))
	Normal(1, 0.5)(mask)
	assert.Equal(t, []float32{0, 0, 0}, mask.Float32s())
}
