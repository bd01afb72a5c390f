// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// FusedDense implements backends.FusedOps: out = activation(x @ weight + bias), with a
// single quantization of the output.
func (b *Backend) FusedDense(x, weight, bias *tensors.Tensor, activation backends.ActivationType, out *tensors.Tensor) error {
	if weight.Shape().Rank() != 2 || weight.Shape().Dim(0) != x.Shape().Features() {
		return errors.Errorf("simplego.FusedDense: cannot contract %s with %s", x, weight)
	}
	rows, k, n := x.Shape().Rows(), x.Shape().Features(), weight.Shape().Dim(1)
	if out.Shape().Rows() != rows || out.Shape().Features() != n {
		return errors.Errorf("simplego.FusedDense: output %s doesn't match [%d, %d]", out, rows, n)
	}
	lhs, rhs := x.Float32s(), weight.Float32s()
	result := make([]float32, rows*n)
	var biasValues []float32
	if bias != nil {
		if bias.Shape().Size() != n {
			return errors.Errorf("simplego.FusedDense: bias %s must have %d elements", bias, n)
		}
		biasValues = bias.Float32s()
	}
	b.workers.ParallelFor(rows, max(1, minParallelizeChunk/max(1, k*n)), func(start, end int) {
		matMulRows(lhs, rhs, result, start, end, k, n)
		if biasValues != nil {
			for row := start; row < end; row++ {
				resultRow := result[row*n : (row+1)*n]
				for i, v := range biasValues {
					resultRow[i] += v
				}
			}
		}
	})
	if err := b.applyActivation(result, activation); err != nil {
		return err
	}
	out.SetFloat32s(result)
	return nil
}
