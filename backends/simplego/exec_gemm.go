package simplego

import (
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Gemm implements backends.Primitives.
func (b *Backend) Gemm(x, w, out *tensors.Tensor) error {
	if w.Shape().Rank() != 2 {
		return errors.Errorf("simplego.Gemm: weights %s must be 2D", w)
	}
	rows, k := x.Shape().Rows(), x.Shape().Features()
	if w.Shape().Dim(0) != k {
		return errors.Errorf("simplego.Gemm: cannot contract %s with %s", x, w)
	}
	n := w.Shape().Dim(1)
	if out.Shape().Rows() != rows || out.Shape().Features() != n {
		return errors.Errorf("simplego.Gemm: output %s doesn't match [%d, %d]", out, rows, n)
	}
	lhs, rhs := x.Float32s(), w.Float32s()
	result := make([]float32, rows*n)
	b.workers.ParallelFor(rows, max(1, minParallelizeChunk/max(1, k*n)), func(start, end int) {
		matMulRows(lhs, rhs, result, start, end, k, n)
	})
	out.SetFloat32s(result)
	return nil
}

// matMulRows computes rows [start, end) of result = lhs[rows, k] @ rhs[k, n], accumulating in float32.
func matMulRows(lhs, rhs, result []float32, start, end, k, n int) {
	for row := start; row < end; row++ {
		resultRow := result[row*n : (row+1)*n]
		lhsRow := lhs[row*k : (row+1)*k]
		for kk, a := range lhsRow {
			if a == 0 {
				continue
			}
			rhsRow := rhs[kk*n : (kk+1)*n]
			for col, v := range rhsRow {
				resultRow[col] += a * v
			}
		}
	}
}

// Transpose implements backends.Primitives.
func (b *Backend) Transpose(x, out *tensors.Tensor) error {
	if err := checkSameSize("Transpose", x, out); err != nil {
		return err
	}
	rows, cols := x.Shape().Rows(), x.Shape().Features()
	if out.Shape().Features() != rows {
		return errors.Errorf("simplego.Transpose: output %s must have %d features", out, rows)
	}
	values := x.Float32s()
	result := make([]float32, len(values))
	for r := range rows {
		for c := range cols {
			result[c*rows+r] = values[r*cols+c]
		}
	}
	out.SetFloat32s(result)
	return nil
}
