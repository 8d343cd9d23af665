package dtypes

import (
	"math"
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/x448/float16"
)

// ToFloat64 converts a value of a supported type to float64. The conversion is exact.
func ToFloat64[T Supported](value T) float64 {
	switch v := any(value).(type) {
	case float16.Float16:
		return float64(v.Float32())
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// FromFloat64 converts a float64 to T, rounding to the nearest representable value.
// For F16 the value is rounded to float32 first.
func FromFloat64[T Supported](value float64) T {
	var out T
	switch p := any(&out).(type) {
	case *float16.Float16:
		*p = float16.Fromfloat32(float32(value))
	case *float32:
		*p = float32(value)
	case *float64:
		*p = value
	}
	return out
}

// ToFloat64Slice converts a slice of a supported type to []float64.
func ToFloat64Slice[T Supported](values []T) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = ToFloat64(v)
	}
	return out
}

// FromFloat64Slice converts a []float64 to a slice of T, see FromFloat64.
func FromFloat64Slice[T Supported](values []float64) []T {
	out := make([]T, len(values))
	for ii, v := range values {
		out[ii] = FromFloat64[T](v)
	}
	return out
}

// SliceToBytes returns a view of the slice's memory as bytes, without copying.
// It returns nil for an empty slice.
func SliceToBytes[T Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(zero)))
}

// ulpOrdered* map the bits of a float to an integer whose order matches the order of the floats.
func ulpOrdered16(bits uint16) int64 {
	if bits&(1<<15) != 0 {
		return -int64(bits & 0x7FFF)
	}
	return int64(bits)
}

func ulpOrdered32(f float32) int64 {
	bits := int64(math32.Float32bits(f))
	if bits&(1<<31) != 0 {
		bits = -(bits & 0x7FFFFFFF)
	}
	return bits
}

func ulpOrdered64(f float64) int64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return -int64(bits & 0x7FFFFFFFFFFFFFFF)
	}
	return int64(bits)
}

// ULPDistance returns the number of representable values of type T between a and b (0 if they are equal).
// It returns math.MaxInt64 if any of them is NaN.
func ULPDistance[T Supported](a, b T) int64 {
	var distance int64
	switch av := any(a).(type) {
	case float16.Float16:
		bv := any(b).(float16.Float16)
		if av.IsNaN() || bv.IsNaN() {
			return math.MaxInt64
		}
		distance = ulpOrdered16(av.Bits()) - ulpOrdered16(bv.Bits())
	case float32:
		bv := any(b).(float32)
		if math32.IsNaN(av) || math32.IsNaN(bv) {
			return math.MaxInt64
		}
		distance = ulpOrdered32(av) - ulpOrdered32(bv)
	case float64:
		bv := any(b).(float64)
		if math.IsNaN(av) || math.IsNaN(bv) {
			return math.MaxInt64
		}
		distance = ulpOrdered64(av) - ulpOrdered64(bv)
	}
	if distance < 0 {
		distance = -distance
	}
	return distance
}

// WithinULPs returns whether a and b are at most maxULPs representable values apart.
func WithinULPs[T Supported](a, b T, maxULPs int64) bool {
	return ULPDistance(a, b) <= maxULPs
}

// Epsilon returns the difference between 1 and the next representable value for the dtype:
// 2^-MantissaBits. It returns 0 for an invalid dtype.
func (dtype DType) Epsilon() float64 {
	if !dtype.IsValid() {
		return 0
	}
	return math.Ldexp(1, -dtype.MantissaBits())
}

// SumTolerance returns an absolute error bound for summing n values whose absolute values add up to absSum,
// in any order, in the given precision: n * epsilon * absSum.
func (dtype DType) SumTolerance(n int, absSum float64) float64 {
	return float64(n) * dtype.Epsilon() * absSum
}
