// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

func checkLayerNormParams(kernel string, x, weight, bias *tensors.Tensor) error {
	features := x.Shape().Features()
	if weight.Shape().Size() != features || bias.Shape().Size() != features {
		return errors.Errorf("simplego.%s: weight %s and bias %s must have %d elements", kernel, weight, bias, features)
	}
	return nil
}

// LayerNorm implements backends.Primitives.
// For each row: y = (x - mean) / sqrt(var + epsilon) * weight + bias
func (b *Backend) LayerNorm(x, weight, bias *tensors.Tensor, epsilon float32, out, mu, rsigma *tensors.Tensor) error {
	if err := checkLayerNormParams("LayerNorm", x, weight, bias); err != nil {
		return err
	}
	if err := checkSameSize("LayerNorm", x, out); err != nil {
		return err
	}
	rows := x.Shape().Rows()
	if mu.Shape().Size() != rows || rsigma.Shape().Size() != rows {
		return errors.Errorf("simplego.LayerNorm: mu %s and rsigma %s must have %d elements", mu, rsigma, rows)
	}
	muValues, rsigmaValues := make([]float32, rows), make([]float32, rows)
	b.layerNorm(x, weight, bias, epsilon, out, muValues, rsigmaValues)
	mu.SetFloat32s(muValues)
	rsigma.SetFloat32s(rsigmaValues)
	return nil
}

// LayerNormInference implements backends.Primitives.
func (b *Backend) LayerNormInference(x, weight, bias *tensors.Tensor, epsilon float32, out *tensors.Tensor) error {
	if err := checkLayerNormParams("LayerNormInference", x, weight, bias); err != nil {
		return err
	}
	if err := checkSameSize("LayerNormInference", x, out); err != nil {
		return err
	}
	rows := x.Shape().Rows()
	b.layerNorm(x, weight, bias, epsilon, out, make([]float32, rows), make([]float32, rows))
	return nil
}

func (b *Backend) layerNorm(x, weight, bias *tensors.Tensor, epsilon float32, out *tensors.Tensor, mu, rsigma []float32) {
	features := x.Shape().Features()
	values, w, bs := x.Float32s(), weight.Float32s(), bias.Float32s()
	result := make([]float32, len(values))
	b.workers.ParallelFor(len(mu), max(1, minParallelizeChunk/features), func(start, end int) {
		for row := start; row < end; row++ {
			base := row * features
			mu[row], rsigma[row] = rowStatistics(values[base:base+features], epsilon)
			for i := range features {
				xHat := (values[base+i] - mu[row]) * rsigma[row]
				result[base+i] = xHat*w[i] + bs[i]
			}
		}
	})
	out.SetFloat32s(result)
}

// rowStatistics returns the mean and the inverse of the standard deviation of the row.
func rowStatistics[T constraints.Float](row []T, epsilon T) (mean, rsigma T) {
	n := T(len(row))
	var sum T
	for _, v := range row {
		sum += v
	}
	mean = sum / n
	var sumSq T
	for _, v := range row {
		d := v - mean
		sumSq += d * d
	}
	variance := sumSq / n
	rsigma = T(1.0 / math.Sqrt(float64(variance+epsilon)))
	return
}

// DLayerNorm implements backends.Primitives.
//
// With xHat = (x - mu) * rsigma and g = dy * weight:
//
//	dx = rsigma * (g - mean(g) - xHat * mean(g * xHat))
//	dWeight = sum_rows(dy * xHat)
//	dBias = sum_rows(dy)
func (b *Backend) DLayerNorm(dy, x, mu, rsigma, weight *tensors.Tensor, dx, dWeight, dBias *tensors.Tensor) error {
	if err := checkSameSize("DLayerNorm", x, dy, dx); err != nil {
		return err
	}
	features, rows := x.Shape().Features(), x.Shape().Rows()
	if weight.Shape().Size() != features || dWeight.Shape().Size() != features || dBias.Shape().Size() != features {
		return errors.Errorf("simplego.DLayerNorm: weight %s and its gradients must have %d elements", weight, features)
	}
	if mu.Shape().Size() != rows || rsigma.Shape().Size() != rows {
		return errors.Errorf("simplego.DLayerNorm: mu %s and rsigma %s must have %d elements", mu, rsigma, rows)
	}
	dyValues, xValues, w := dy.Float32s(), x.Float32s(), weight.Float32s()
	muValues, rsigmaValues := mu.Float32s(), rsigma.Float32s()
	dxValues := make([]float32, len(xValues))
	dwValues, dbValues := make([]float32, features), make([]float32, features)
	xHat := make([]float32, features)
	for row := range rows {
		base := row * features
		var meanG, meanGXHat float32
		for i := range features {
			xHat[i] = (xValues[base+i] - muValues[row]) * rsigmaValues[row]
			g := dyValues[base+i] * w[i]
			meanG += g
			meanGXHat += g * xHat[i]
			dwValues[i] += dyValues[base+i] * xHat[i]
			dbValues[i] += dyValues[base+i]
		}
		meanG /= float32(features)
		meanGXHat /= float32(features)
		for i := range features {
			g := dyValues[base+i] * w[i]
			dxValues[base+i] = rsigmaValues[row] * (g - meanG - xHat[i]*meanGXHat)
		}
	}
	dx.SetFloat32s(dxValues)
	dWeight.SetFloat32s(dwValues)
	dBias.SetFloat32s(dbValues)
	return nil
}
