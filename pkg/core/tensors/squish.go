package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/core/dtypes"
)

// squishTo maps a dtype to the float dtype of twice its size, used to hide it from
// differentiation boundaries that only accept float tensors.
var squishTo = map[dtypes.DType]dtypes.DType{
	dtypes.Int8:     dtypes.Float16,
	dtypes.BFloat16: dtypes.Float32,
	dtypes.Float32:  dtypes.Float64,
}

// SquishedDType returns the dtype a buffer of the given dtype is squished into, and whether there is one.
func SquishedDType(dtype dtypes.DType) (dtypes.DType, bool) {
	to, found := squishTo[dtype]
	return to, found
}

// Squish reinterprets the bytes of b as the float dtype of twice the element size: the last axis
// is halved, the bytes are untouched (it's a view).
//
// It panics if the dtype has no squish mapping or if the last axis is odd.
func Squish(b *Buffer) *Buffer {
	to, found := squishTo[b.DType()]
	if !found {
		exceptions.Panicf("tensors.Squish(%s): dtype %s cannot be squished", b.Shape(), b.DType())
	}
	shape := b.Shape()
	if shape.Rank() == 0 || shape.Features()%2 != 0 {
		exceptions.Panicf("tensors.Squish(%s): last axis must be even", shape)
	}
	return b.View(shape.WithLastDim(shape.Features() / 2).WithDType(to))
}

// Unsquish reverses Squish: it reinterprets b, a squished buffer, back to the original dtype.
//
// It panics if original is not squished into b's dtype.
func Unsquish(b *Buffer, original dtypes.DType) *Buffer {
	to, found := squishTo[original]
	if !found || to != b.DType() {
		exceptions.Panicf("tensors.Unsquish(%s): dtype %s is not the squished form of %s", b.Shape(), b.DType(), original)
	}
	shape := b.Shape()
	return b.View(shape.WithLastDim(shape.Features() * 2).WithDType(original))
}
