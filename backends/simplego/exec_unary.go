package simplego

import (
	"math"

	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Activation implements backends.Primitives.
func (b *Backend) Activation(activation backends.ActivationType, x, out *tensors.Tensor) error {
	if err := checkSameSize("Activation", x, out); err != nil {
		return err
	}
	values := x.Float32s()
	if err := b.applyActivation(values, activation); err != nil {
		return err
	}
	out.SetFloat32s(values)
	return nil
}

// applyActivation in place.
func (b *Backend) applyActivation(values []float32, activation backends.ActivationType) error {
	var fn func([]float32)
	switch activation {
	case backends.ActivationNone:
		return nil
	case backends.ActivationGelu:
		fn = geluChunk[float32]
	case backends.ActivationRelu:
		fn = reluChunk[float32]
	case backends.ActivationSilu:
		fn = siluChunk[float32]
	case backends.ActivationTanh:
		fn = tanhChunk[float32]
	default:
		return errors.Wrapf(backends.ErrNotImplemented, "simplego.Activation: activation %s", activation)
	}
	b.workers.ParallelFor(len(values), minParallelizeChunk, func(start, end int) {
		fn(values[start:end])
	})
	return nil
}

func geluChunk[T constraints.Float](values []T) {
	sqrt2Inv := 1.0 / math.Sqrt(2.0)
	for i, x := range values {
		values[i] = x * 0.5 * (1.0 + T(math.Erf(float64(x)*sqrt2Inv)))
	}
}

func reluChunk[T constraints.Float](values []T) {
	for i, x := range values {
		if x < 0 {
			values[i] = 0
		}
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func siluChunk[T constraints.Float](values []T) {
	for i, x := range values {
		values[i] = x * T(sigmoid(float64(x)))
	}
}

func tanhChunk[T constraints.Float](values []T) {
	for i, x := range values {
		values[i] = T(math.Tanh(float64(x)))
	}
}

// activationDerivative returns d activation(x) / dx.
func activationDerivative(activation backends.ActivationType, x float64) float64 {
	switch activation {
	case backends.ActivationGelu:
		cdf := 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
		pdf := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
		return cdf + x*pdf
	case backends.ActivationRelu:
		if x > 0 {
			return 1
		}
		return 0
	case backends.ActivationSilu:
		s := sigmoid(x)
		return s + x*s*(1-s)
	case backends.ActivationTanh:
		t := math.Tanh(x)
		return 1 - t*t
	}
	return 1
}

// DActivation implements backends.Primitives.
func (b *Backend) DActivation(activation backends.ActivationType, dy, x, dx *tensors.Tensor) error {
	if err := checkSameSize("DActivation", x, dy, dx); err != nil {
		return err
	}
	if activation < backends.ActivationNone || activation > backends.ActivationTanh {
		return errors.Wrapf(backends.ErrNotImplemented, "simplego.DActivation: activation %s", activation)
	}
	dyValues, xValues := dy.Float32s(), x.Float32s()
	for i, v := range xValues {
		dyValues[i] *= float32(activationDerivative(activation, float64(v)))
	}
	dx.SetFloat32s(dyValues)
	return nil
}

// Copy implements backends.Primitives.
func (b *Backend) Copy(src, dst *tensors.Tensor) error {
	if err := checkSameSize("Copy", src, dst); err != nil {
		return err
	}
	if src.DType() == dst.DType() && !src.IsLowPrecision() {
		copy(dst.Data.Bytes(), src.Data.Bytes())
		return nil
	}
	dst.SetFloat32s(src.Float32s())
	return nil
}

// Cast implements backends.Primitives.
func (b *Backend) Cast(x, out *tensors.Tensor) error {
	if err := checkSameSize("Cast", x, out); err != nil {
		return err
	}
	out.SetFloat32s(x.Float32s())
	return nil
}
