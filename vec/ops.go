package vec

import (
	"slices"

	"github.com/gomlx/clvec/kernels"
)

// Add returns a new Vector with v[i] + rhs[i].
// v and rhs must have the same non-zero length, and v must be bound to a Context.
func (v *Vector[T]) Add(rhs *Vector[T]) (*Vector[T], error) {
	return basicOp(v, rhs.values, kernels.KernelAdd)
}

// Sub returns a new Vector with v[i] - rhs[i].
func (v *Vector[T]) Sub(rhs *Vector[T]) (*Vector[T], error) {
	return basicOp(v, rhs.values, kernels.KernelSub)
}

// Mul returns a new Vector with v[i] * rhs[i].
func (v *Vector[T]) Mul(rhs *Vector[T]) (*Vector[T], error) {
	return basicOp(v, rhs.values, kernels.KernelMul)
}

// Div returns a new Vector with v[i] / rhs[i].
// Division is only correctly rounded if the device reports it, see dtypes.FPConfig.IEEECorrectDivision.
func (v *Vector[T]) Div(rhs *Vector[T]) (*Vector[T], error) {
	return basicOp(v, rhs.values, kernels.KernelDiv)
}

// BinaryOp runs a custom elementwise kernel with the signature of the arithmetic kernels:
// (rhs, rhs_len, lhs, lhs_len, out).
func (v *Vector[T]) BinaryOp(kernelName string, rhs *Vector[T]) (*Vector[T], error) {
	return basicOp(v, rhs.values, kernelName)
}

// broadcast returns a slice with value repeated v.Len() times.
func (v *Vector[T]) broadcast(value T) []T {
	return slices.Repeat([]T{value}, len(v.values))
}

// AddScalar returns a new Vector with v[i] + value.
func (v *Vector[T]) AddScalar(value T) (*Vector[T], error) {
	return basicOp(v, v.broadcast(value), kernels.KernelAdd)
}

// SubScalar returns a new Vector with v[i] - value.
func (v *Vector[T]) SubScalar(value T) (*Vector[T], error) {
	return basicOp(v, v.broadcast(value), kernels.KernelSub)
}

// MulScalar returns a new Vector with v[i] * value.
func (v *Vector[T]) MulScalar(value T) (*Vector[T], error) {
	return basicOp(v, v.broadcast(value), kernels.KernelMul)
}

// DivScalar returns a new Vector with v[i] / value.
func (v *Vector[T]) DivScalar(value T) (*Vector[T], error) {
	return basicOp(v, v.broadcast(value), kernels.KernelDiv)
}

// Sum returns the sum of the elements, as a Scalar bound to the same Context.
// The summation order is the one of the device reduction, so the result may differ from a sequential sum
// by rounding.
func (v *Vector[T]) Sum() (*Scalar[T], error) {
	return v.reduce(kernels.KernelAddDown)
}

// Product returns the product of the elements, as a Scalar bound to the same Context.
func (v *Vector[T]) Product() (*Scalar[T], error) {
	return v.reduce(kernels.KernelMulDown)
}

func (v *Vector[T]) reduce(kernelName string) (*Scalar[T], error) {
	ctx, err := v.h.context(kernelName)
	if err != nil {
		return nil, err
	}
	value, err := downOp(ctx, v.values, kernelName)
	if err != nil {
		return nil, err
	}
	return NewScalar(ctx, value)
}
