// Package initializer provides the functions used to set the initial values of the tensors
// allocated for a pipeline's parameters.
//
// Initializers draw their random numbers from a PCG generator created from the given seed, so
// the same seed always yields the same values.
package initializer

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
)

// Initializer sets the values of a freshly allocated tensor.
type Initializer func(t *tensors.Tensor)

// stream of the PCG generator, combined with the user's seed.
const stream = 0x9e3779b97f4a7c15

var (
	// Zero initializes tensors with zero.
	Zero Initializer = func(t *tensors.Tensor) {
		t.SetFloat32s(make([]float32, t.Shape().Size()))
	}

	// One initializes tensors with one.
	One Initializer = func(t *tensors.Tensor) {
		values := make([]float32, t.Shape().Size())
		for i := range values {
			values[i] = 1
		}
		t.SetFloat32s(values)
	}
)

// fill sets the tensor with values generated by fn.
func fill(t *tensors.Tensor, seed uint64, fn func(rng *rand.Rand) float64) {
	rng := rand.New(rand.NewPCG(seed, stream))
	values := make([]float32, t.Shape().Size())
	for i := range values {
		values[i] = float32(fn(rng))
	}
	t.SetFloat32s(values)
}

// Normal returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
//
// Non-float tensors are initialized to 0 instead.
func Normal(seed uint64, stddev float64) Initializer {
	return func(t *tensors.Tensor) {
		if !t.DType().IsFloat() {
			Zero(t)
			return
		}
		fill(t, seed, func(rng *rand.Rand) float64 { return rng.NormFloat64() * stddev })
	}
}

// Uniform returns an initializer that generates random uniform values from [min, max).
//
// Non-float tensors are initialized with zero instead.
func Uniform(seed uint64, minValue, maxValue float64) Initializer {
	return func(t *tensors.Tensor) {
		if !t.DType().IsFloat() {
			Zero(t)
			return
		}
		fill(t, seed, func(rng *rand.Rand) float64 { return minValue + rng.Float64()*(maxValue-minValue) })
	}
}

// computeFanInFanOut of a weight tensor of a matrix multiplication.
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	switch shape.Rank() {
	case 0:
		return 1, 1
	case 1:
		return 0, 0
	default:
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[:shape.Rank()-2] {
			receptiveFieldSize *= dim
		}
		fanIn = shape.Dimensions[shape.Rank()-2] * receptiveFieldSize
		fanOut = shape.Dimensions[shape.Rank()-1] * receptiveFieldSize
	}
	return
}

// XavierUniform returns an initializer that generates random values with a uniform distribution with a range
// defined by +/- sqrt(6 / (fanIn+fanOut)).
// See paper and reasoning in https://paperswithcode.com/method/xavier-initialization
//
// It initializes biases (anything with rank <= 1) to zeros.
//
// Non-float tensors are initialized with zero instead.
func XavierUniform(seed uint64) Initializer {
	return func(t *tensors.Tensor) {
		if !t.DType().IsFloat() || t.Shape().Rank() <= 1 {
			Zero(t)
			return
		}
		fanIn, fanOut := computeFanInFanOut(t.Shape())
		scale := max(1.0, float64(fanIn+fanOut))
		limit := math.Sqrt(6.0 / scale)
		fill(t, seed, func(rng *rand.Rand) float64 { return (2*rng.Float64() - 1) * limit })
	}
}

// He returns the initializer that tries to preserve the variance of 1, calculated for the Relu activation functions.
//
// It initializes biases (anything with rank <= 1) to zeros.
//
// [1] https://arxiv.org/pdf/1502.01852
func He(seed uint64) Initializer {
	return func(t *tensors.Tensor) {
		if !t.DType().IsFloat() || t.Shape().Rank() <= 1 {
			Zero(t)
			return
		}
		fanIn, _ := computeFanInFanOut(t.Shape())
		stddev := math.Sqrt(2.0 / max(1.0, float64(fanIn)))
		fill(t, seed, func(rng *rand.Rand) float64 { return rng.NormFloat64() * stddev })
	}
}
