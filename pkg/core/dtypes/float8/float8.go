// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package float8 implements the two 8-bit floating point formats used for FP8 training:
// E4M3FN (finite only, used for activations and weights) and E5M2 (IEEE-like, used for gradients).
//
// Conversion from float32 rounds to the nearest representable value (ties to even) and
// saturates at the largest finite value.
package float8

import (
	"math"
	"sort"
	"strconv"

	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// E4M3FN is an 8-bit float with 1 sign bit, 4 exponent bits (bias 7) and 3 mantissa bits.
// There are no infinities, and only 0x7F/0xFF encode NaN.
type E4M3FN uint8

// E5M2 is an 8-bit float with 1 sign bit, 5 exponent bits (bias 15) and 2 mantissa bits.
type E5M2 uint8

const (
	// MaxE4M3FN is the largest finite E4M3FN value.
	MaxE4M3FN = 448.0

	// MaxE5M2 is the largest finite E5M2 value.
	MaxE5M2 = 57344.0

	nanE4M3FN = 0x7F
	nanE5M2   = 0x7F
	infE5M2   = 0x7C
)

// format describes one encoding, with the table of its non-negative finite values in increasing order.
type format struct {
	exponentBits, mantissaBits, bias int
	finiteOnly                       bool
	positives                        []float32 // indexed by code, from 0x00 to the largest finite code.
}

var (
	e4m3fn = newFormat(4, 3, 7, true)
	e5m2   = newFormat(5, 2, 15, false)
)

func newFormat(exponentBits, mantissaBits, bias int, finiteOnly bool) *format {
	f := &format{exponentBits: exponentBits, mantissaBits: mantissaBits, bias: bias, finiteOnly: finiteOnly}
	for code := 0; code < 0x80; code++ {
		v := f.decode(uint8(code))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			break
		}
		f.positives = append(f.positives, v)
	}
	return f
}

func (f *format) decode(b uint8) float32 {
	mantissaMask := uint8(1)<<f.mantissaBits - 1
	exponentMask := uint8(1)<<f.exponentBits - 1
	negative := b&0x80 != 0
	e := int((b >> f.mantissaBits) & exponentMask)
	m := int(b & mantissaMask)
	var v float64
	switch {
	case f.finiteOnly && e == int(exponentMask) && m == int(mantissaMask):
		return float32(math.NaN())
	case !f.finiteOnly && e == int(exponentMask):
		if m != 0 {
			return float32(math.NaN())
		}
		v = math.Inf(1)
	case e == 0:
		v = math.Ldexp(float64(m), 1-f.bias-f.mantissaBits)
	default:
		v = math.Ldexp(float64(m|1<<f.mantissaBits), e-f.bias-f.mantissaBits)
	}
	if negative {
		v = -v
	}
	return float32(v)
}

func (f *format) encode(x float32) uint8 {
	if math.IsNaN(float64(x)) {
		if f.finiteOnly {
			return nanE4M3FN
		}
		return nanE5M2
	}
	var sign uint8
	if math.Signbit(float64(x)) {
		sign = 0x80
		x = -x
	}
	largest := len(f.positives) - 1
	if math.IsInf(float64(x), 1) && !f.finiteOnly {
		return sign | infE5M2
	}
	if x >= f.positives[largest] {
		return sign | uint8(largest)
	}
	// Index of the first value >= x: x lies in (positives[hi-1], positives[hi]].
	hi := sort.Search(len(f.positives), func(i int) bool { return f.positives[i] >= x })
	if hi == 0 || f.positives[hi] == x {
		return sign | uint8(hi)
	}
	lo := hi - 1
	dLo, dHi := x-f.positives[lo], f.positives[hi]-x
	switch {
	case dLo < dHi:
		return sign | uint8(lo)
	case dHi < dLo:
		return sign | uint8(hi)
	}
	if lo%2 == 0 {
		return sign | uint8(lo)
	}
	return sign | uint8(hi)
}

// Float32 converts the value to float32, exactly.
func (f E4M3FN) Float32() float32 { return e4m3fn.decode(uint8(f)) }

// Bits returns the raw byte.
func (f E4M3FN) Bits() uint8 { return uint8(f) }

// String implements fmt.Stringer.
func (f E4M3FN) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'g', -1, 32)
}

// E4M3FNFromFloat32 converts with round-to-nearest-even, saturating to ±MaxE4M3FN.
func E4M3FNFromFloat32(x float32) E4M3FN { return E4M3FN(e4m3fn.encode(x)) }

// Float32 converts the value to float32, exactly.
func (f E5M2) Float32() float32 { return e5m2.decode(uint8(f)) }

// Bits returns the raw byte.
func (f E5M2) Bits() uint8 { return uint8(f) }

// String implements fmt.Stringer.
func (f E5M2) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'g', -1, 32)
}

// E5M2FromFloat32 converts with round-to-nearest-even. Finite values saturate to ±MaxE5M2,
// infinities are preserved.
func E5M2FromFloat32(x float32) E5M2 { return E5M2(e5m2.encode(x)) }

func formatFor(dtype dtypes.DType) *format {
	switch dtype {
	case dtypes.F8E4M3FN:
		return e4m3fn
	case dtypes.F8E5M2:
		return e5m2
	}
	panic(errors.Errorf("float8: dtype %s is not an 8-bit float format", dtype))
}

// Decode the raw byte b of the given 8-bit float dtype. It panics if dtype is not F8E4M3FN or F8E5M2.
func Decode(dtype dtypes.DType, b uint8) float32 {
	return formatFor(dtype).decode(b)
}

// Encode x into the given 8-bit float dtype. It panics if dtype is not F8E4M3FN or F8E5M2.
func Encode(dtype dtypes.DType, x float32) uint8 {
	return formatFor(dtype).encode(x)
}

// MaxValue returns the largest finite value of the 8-bit float dtype.
func MaxValue(dtype dtypes.DType) float32 {
	f := formatFor(dtype)
	return f.positives[len(f.positives)-1]
}

// Values returns the non-negative finite values of the dtype, indexed by their encoding.
// The returned slice must not be modified.
func Values(dtype dtypes.DType) []float32 {
	return formatFor(dtype).positives
}
