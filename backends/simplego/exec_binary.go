package simplego

import (
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Add implements backends.Primitives.
func (b *Backend) Add(x, y, out *tensors.Tensor) error {
	if err := checkSameSize("Add", x, out); err != nil {
		return err
	}
	xValues, yValues := x.Float32s(), y.Float32s()
	switch len(yValues) {
	case len(xValues):
		for i, v := range yValues {
			xValues[i] += v
		}
	case x.Shape().Features():
		features := len(yValues)
		for i := range xValues {
			xValues[i] += yValues[i%features]
		}
	default:
		return errors.Errorf("simplego.Add: cannot broadcast %s to %s", y, x)
	}
	out.SetFloat32s(xValues)
	return nil
}

// SumRows implements backends.Primitives.
func (b *Backend) SumRows(x, out *tensors.Tensor) error {
	features := x.Shape().Features()
	if out.Shape().Size() != features {
		return errors.Errorf("simplego.SumRows: output %s must have %d elements", out, features)
	}
	values := x.Float32s()
	sums := make([]float32, features)
	for i, v := range values {
		sums[i%features] += v
	}
	out.SetFloat32s(sums)
	return nil
}
