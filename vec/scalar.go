package vec

import (
	"fmt"

	"github.com/gomlx/clvec/compute"
	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/kernels"
)

// Scalar holds one value of type T, bound to a compute.Context[T]. It is used as the accumulator of
// reductions.
type Scalar[T dtypes.Supported] struct {
	value T
	h     *handle[T]
}

// NewScalar creates a Scalar bound to ctx. If ctx is nil, the Scalar is unbound.
func NewScalar[T dtypes.Supported](ctx *compute.Context[T], value T) (*Scalar[T], error) {
	h, err := newHandle(ctx)
	if err != nil {
		return nil, err
	}
	s := &Scalar[T]{value: value, h: h}
	releaseOnCleanup(s, h)
	return s, nil
}

// Value of the Scalar.
func (s *Scalar[T]) Value() T {
	return s.value
}

// Set the value of the Scalar.
func (s *Scalar[T]) Set(value T) {
	s.value = value
}

// Context the Scalar is bound to, or nil if unbound.
func (s *Scalar[T]) Context() *compute.Context[T] {
	if s.h == nil || s.h.released.Load() {
		return nil
	}
	return s.h.ctx
}

// AddAssign replaces the value of the Scalar with the sum of the elements of v, computed on the
// Scalar's Context. The previous value is not added.
func (s *Scalar[T]) AddAssign(v *Vector[T]) error {
	return s.assign(v, kernels.KernelAddDown)
}

// MulAssign replaces the value of the Scalar with the product of the elements of v, computed on the
// Scalar's Context. The previous value is not multiplied.
func (s *Scalar[T]) MulAssign(v *Vector[T]) error {
	return s.assign(v, kernels.KernelMulDown)
}

func (s *Scalar[T]) assign(v *Vector[T], kernelName string) error {
	ctx, err := s.h.context(kernelName)
	if err != nil {
		return err
	}
	value, err := downOp(ctx, v.values, kernelName)
	if err != nil {
		return err
	}
	s.value = value
	return nil
}

// Release the Scalar's reference to its Context. It is a no-op if the Scalar is unbound.
func (s *Scalar[T]) Release() error {
	return s.h.release()
}

// String implements fmt.Stringer.
func (s *Scalar[T]) String() string {
	return fmt.Sprintf("Scalar[%s](%v)", dtypes.FromGenericsType[T](), s.value)
}
