package simplego

import (
	"math/rand/v2"

	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

func checkDropout(p float32, x, mask *tensors.Tensor) error {
	if p < 0 || p >= 1 {
		return errors.Errorf("simplego.Dropout: probability %g must be in [0, 1)", p)
	}
	if mask.DType() != dtypes.Uint8 {
		return errors.Errorf("simplego.Dropout: mask %s must be Uint8", mask)
	}
	return checkSameSize("Dropout", x, mask)
}

// Dropout implements backends.Primitives.
func (b *Backend) Dropout(x *tensors.Tensor, p float32, seed uint64, out, mask *tensors.Tensor) error {
	if err := checkDropout(p, x, mask); err != nil {
		return err
	}
	if err := checkSameSize("Dropout", x, out); err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	values := x.Float32s()
	keep := mask.Data.Bytes()
	scale := 1 / (1 - p)
	for i := range values {
		if rng.Float32() < p {
			keep[i] = 0
			values[i] = 0
		} else {
			keep[i] = 1
			values[i] *= scale
		}
	}
	out.SetFloat32s(values)
	return nil
}

// DDropout implements backends.Primitives.
func (b *Backend) DDropout(dy, mask *tensors.Tensor, p float32, dx *tensors.Tensor) error {
	if err := checkDropout(p, dy, mask); err != nil {
		return err
	}
	if err := checkSameSize("DDropout", dy, dx); err != nil {
		return err
	}
	values := dy.Float32s()
	keep := mask.Data.Bytes()
	scale := 1 / (1 - p)
	for i := range values {
		values[i] *= float32(keep[i]) * scale
	}
	dx.SetFloat32s(values)
	return nil
}
