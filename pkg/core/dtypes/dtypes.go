// Package dtypes includes the DType enum for the data types handled by the compute pipelines.
//
// The numeric values follow the PJRT buffer type enum (pjrt_c_api.h), so a DType can be
// handed to an accelerator runtime unchanged. Only the subset used by transformer layers is
// listed: the wide float types, the 8-bit float formats and the integer types that back them.
package dtypes

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters are out of the documented range.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

// DType is an enum represents the data type of a buffer or a scalar.
type DType int32

const (
	// InvalidDType also works as the "unresolved" marker: an operation whose type is still to be inferred.
	InvalidDType DType = 0

	Bool   DType = 1
	Int8   DType = 2
	Int16  DType = 3
	Int32  DType = 4
	Int64  DType = 5
	Uint8  DType = 6
	Uint16 DType = 7
	Uint32 DType = 8
	Uint64 DType = 9

	Float16 DType = 10
	Float32 DType = 11
	Float64 DType = 12

	// BFloat16 uses 1 bit for the sign, 8 bits for the exponent and 7 bits for the mantissa.
	BFloat16 DType = 13

	// F8E5M2 is the 8-bit float with 5 exponent bits and 2 mantissa bits, usually used for gradients.
	F8E5M2 DType = 16

	// F8E4M3FN is the 8-bit float with 4 exponent bits and 3 mantissa bits, finite only (no infinities).
	// Usually used for activations and weights.
	F8E4M3FN DType = 17
)

// Aliases.
const (
	Float8E4M3FN = F8E4M3FN
	Float8E5M2   = F8E5M2
	F16          = Float16
	F32          = Float32
	F64          = Float64
	BF16         = BFloat16
)

var names = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
	F8E5M2:       "F8E5M2",
	F8E4M3FN:     "F8E4M3FN",
}

// MapOfNames to their dtypes. It includes also aliases to the various dtypes, and lower-case versions.
var MapOfNames = map[string]DType{
	"F16":  Float16,
	"F32":  Float32,
	"F64":  Float64,
	"BF16": BFloat16,
	"E4M3": F8E4M3FN,
	"E5M2": F8E5M2,
	"FP8":  F8E4M3FN,
}

func init() {
	for dtype, name := range names {
		MapOfNames[name] = dtype
	}
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; !found {
			MapOfNames[lowerKey] = MapOfNames[key]
		}
	}
}

// Parse a dtype name, case-insensitive, including aliases like "bf16" or "e4m3".
func Parse(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := names[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// IsValid returns whether the dtype is a known one. InvalidDType is not valid.
func (dtype DType) IsValid() bool {
	_, found := names[dtype]
	return found && dtype != InvalidDType
}

// Size returns the number of bytes for the given DType.
// It panics for InvalidDType or unknown values.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8, F8E4M3FN, F8E5M2:
		return 1
	case Int16, Uint16, Float16, BFloat16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	panicf("dtypes.Size() for invalid dtype %s", dtype)
	return 0
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// IsFloat returns whether dtype is a floating point type, including the 8-bit and 16-bit ones.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float64 || dtype == Float16 || dtype == BFloat16 || dtype.IsFloat8()
}

// IsFloat8 returns whether dtype is one of the 8-bit floating point formats.
func (dtype DType) IsFloat8() bool {
	return dtype == F8E4M3FN || dtype == F8E5M2
}

// IsHalf returns whether dtype is one of the 16-bit floating point formats.
func (dtype DType) IsHalf() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsInt returns whether dtype is an integer type.
func (dtype DType) IsInt() bool {
	return dtype == Int64 || dtype == Int32 || dtype == Int16 || dtype == Int8 ||
		dtype == Uint8 || dtype == Uint16 || dtype == Uint32 || dtype == Uint64
}

// IsUnsigned returns whether dtype is one of the unsigned integer types.
func (dtype DType) IsUnsigned() bool {
	return dtype == Uint8 || dtype == Uint16 || dtype == Uint32 || dtype == Uint64
}

// StorageDType is the dtype used to hold the raw bytes of a tensor of the given dtype.
//
// The 8-bit float formats are stored as Int8, the way frameworks without native FP8 tensors
// carry them; every other dtype is its own storage.
func (dtype DType) StorageDType() DType {
	if dtype.IsFloat8() {
		return Int8
	}
	return dtype
}
