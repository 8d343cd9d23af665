// Package dtypes defines the closed set of element precisions supported by the compute kernels, and
// their mapping to Go and device types.
package dtypes

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType is the precision tag of the elements of a vector.
// The zero value is InvalidDType.
type DType int

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota

	// F16 is IEEE 754 half precision, float16.Float16 in Go and "half" on the device.
	F16

	// F32 is IEEE 754 single precision, float32 in Go and "float" on the device.
	F32

	// F64 is IEEE 754 double precision, float64 in Go and "double" on the device.
	F64
)

// Aliases.
const (
	Half   = F16
	Float  = F32
	Double = F64
)

// Supported lists the Go types that can be used as vector elements.
// The list is closed: each type maps to exactly one DType, see FromGenericsType.
type Supported interface {
	float16.Float16 | float32 | float64
}

// FromGenericsType returns the DType for the generic parameter T.
func FromGenericsType[T Supported]() DType {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return F16
	case float32:
		return F32
	case float64:
		return F64
	}
	return InvalidDType
}

// All lists the valid dtypes, in order of increasing precision.
var All = []DType{F16, F32, F64}

// MapOfNames maps the various names of a dtype (case-insensitive) to the DType.
var MapOfNames = map[string]DType{
	"f16":     F16,
	"float16": F16,
	"half":    F16,
	"f32":     F32,
	"float32": F32,
	"float":   F32,
	"single":  F32,
	"f64":     F64,
	"float64": F64,
	"double":  F64,
}

// FromName returns the DType for the given name (see MapOfNames), or InvalidDType if unknown.
func FromName(name string) DType {
	return MapOfNames[strings.ToLower(name)]
}

// IsValid returns whether the dtype is one of the supported precisions.
func (dtype DType) IsValid() bool {
	return dtype >= F16 && dtype <= F64
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case F16:
		return "F16"
	case F32:
		return "F32"
	case F64:
		return "F64"
	case InvalidDType:
		return "InvalidDType"
	}
	return fmt.Sprintf("DType(%d)", int(dtype))
}

// CTypeName returns the name of the scalar type on the device, used to specialize the kernels.
// It returns "" for an invalid dtype.
func (dtype DType) CTypeName() string {
	switch dtype {
	case F16:
		return "half"
	case F32:
		return "float"
	case F64:
		return "double"
	}
	return ""
}

// Size returns the number of bytes used by one element, or 0 for an invalid dtype.
func (dtype DType) Size() int {
	switch dtype {
	case F16:
		return 2
	case F32:
		return 4
	case F64:
		return 8
	}
	return 0
}

// MantissaBits returns the number of explicitly stored mantissa bits.
func (dtype DType) MantissaBits() int {
	switch dtype {
	case F16:
		return 10
	case F32:
		return 23
	case F64:
		return 52
	}
	return 0
}

// FPConfig is the set of floating-point capabilities a device reports for one precision.
// The flags mirror the OpenCL cl_device_fp_config bit field, and a zero FPConfig means the device
// doesn't support the precision at all.
type FPConfig uint64

const (
	FPDenorm FPConfig = 1 << iota
	FPInfNaN
	FPRoundToNearest
	FPRoundToZero
	FPRoundToInf
	FPFMA
	FPSoftFloat
	FPCorrectlyRoundedDivideSqrt
)

var fpConfigNames = []string{
	"Denorm", "InfNaN", "RoundToNearest", "RoundToZero", "RoundToInf", "FMA", "SoftFloat",
	"CorrectlyRoundedDivideSqrt",
}

// Has returns whether all the flags in other are set.
func (c FPConfig) Has(other FPConfig) bool {
	return c&other == other
}

// IsSupported returns whether the device reported any capability, which means the precision is supported.
func (c FPConfig) IsSupported() bool {
	return c != 0
}

// IEEECorrectDivision returns whether division is correctly rounded (to nearest) as in IEEE 754.
func (c FPConfig) IEEECorrectDivision() bool {
	return c.Has(FPRoundToNearest | FPCorrectlyRoundedDivideSqrt)
}

// String implements fmt.Stringer, listing the flags set.
func (c FPConfig) String() string {
	if c == 0 {
		return "FPConfig()"
	}
	var parts []string
	for ii, name := range fpConfigNames {
		if c&(1<<ii) != 0 {
			parts = append(parts, name)
		}
	}
	return "FPConfig(" + strings.Join(parts, "|") + ")"
}

// IEEEDefault is the FPConfig of a device implementing IEEE 754 arithmetic with round-to-nearest, plus
// correctly rounded division.
const IEEEDefault = FPDenorm | FPInfNaN | FPRoundToNearest | FPRoundToZero | FPRoundToInf | FPCorrectlyRoundedDivideSqrt
