// Package vec implements vectors, scalars and (elementwise) matrices whose arithmetic runs on a
// compute.Context.
//
// Every container holds one reference to its Context, released with Release, or when the container is
// garbage collected. A container without a Context (created with a nil Context, or released) keeps its
// values, but operations on it fail with a NoContext error.
//
// Example:
//
//	ctx, err := compute.New[float32]().Done()
//	if err != nil { ... }
//	defer ctx.Release()
//	a := must.M1(vec.New(ctx, []float32{1, 2, 3, 4, 5}))
//	b := must.M1(vec.New(ctx, []float32{5, 4, 3, 2, 1}))
//	sum := must.M1(a.Add(b)) // [6, 6, 6, 6, 6]
package vec

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/compute"
	"github.com/gomlx/clvec/dtypes"
	"k8s.io/klog/v2"
)

// handle is the reference a container holds to its Context.
type handle[T dtypes.Supported] struct {
	ctx      *compute.Context[T]
	released atomic.Bool
}

// newHandle acquires a reference to ctx. A nil ctx yields a nil handle, for unbound containers.
func newHandle[T dtypes.Supported](ctx *compute.Context[T]) (*handle[T], error) {
	if ctx == nil {
		return nil, nil
	}
	if err := ctx.Acquire(); err != nil {
		return nil, err
	}
	return &handle[T]{ctx: ctx}, nil
}

func (h *handle[T]) release() error {
	if h == nil || h.released.Swap(true) {
		return nil
	}
	return h.ctx.Release()
}

// context returns the bound Context, or a NoContext error.
func (h *handle[T]) context(stage string) (*compute.Context[T], error) {
	if h == nil || h.released.Load() {
		return nil, clvec.Errorf(clvec.NoContext, stage, "container not bound to a compute context")
	}
	if !h.ctx.IsValid() {
		return nil, clvec.Errorf(clvec.NoContext, stage, "compute context already destroyed")
	}
	return h.ctx, nil
}

// releaseOnCleanup releases the handle when owner is garbage collected.
func releaseOnCleanup[T dtypes.Supported, O any](owner *O, h *handle[T]) {
	if h == nil {
		return
	}
	runtime.AddCleanup(owner, func(h *handle[T]) {
		if err := h.release(); err != nil {
			klog.Errorf("vec: failed to release compute context reference: %v", err)
		}
	}, h)
}

// Vector is a sequence of values of type T, bound to a compute.Context[T].
type Vector[T dtypes.Supported] struct {
	values []T
	h      *handle[T]
}

// New creates a Vector with a copy of values, bound to ctx.
// If ctx is nil, the Vector is unbound.
func New[T dtypes.Supported](ctx *compute.Context[T], values []T) (*Vector[T], error) {
	return newVector(ctx, append([]T(nil), values...))
}

// Make creates a Vector of n zeros, bound to ctx.
func Make[T dtypes.Supported](ctx *compute.Context[T], n int) (*Vector[T], error) {
	if n < 0 {
		return nil, clvec.Errorf(clvec.InvalidArgument, "make", "negative vector length %d", n)
	}
	return newVector(ctx, make([]T, n))
}

// newVector takes ownership of values.
func newVector[T dtypes.Supported](ctx *compute.Context[T], values []T) (*Vector[T], error) {
	h, err := newHandle(ctx)
	if err != nil {
		return nil, err
	}
	v := &Vector[T]{values: values, h: h}
	releaseOnCleanup(v, h)
	return v, nil
}

// Len returns the number of elements.
func (v *Vector[T]) Len() int {
	return len(v.values)
}

// At returns the element at index i. It panics if i is out of range.
func (v *Vector[T]) At(i int) T {
	return v.values[i]
}

// Values returns a copy of the elements.
func (v *Vector[T]) Values() []T {
	return append([]T(nil), v.values...)
}

// DType of the elements.
func (v *Vector[T]) DType() dtypes.DType {
	return dtypes.FromGenericsType[T]()
}

// Context the Vector is bound to, or nil if unbound.
func (v *Vector[T]) Context() *compute.Context[T] {
	if v.h == nil || v.h.released.Load() {
		return nil
	}
	return v.h.ctx
}

// Release the Vector's reference to its Context. The values are kept, but the Vector becomes unbound.
// It is a no-op if the Vector is unbound.
func (v *Vector[T]) Release() error {
	return v.h.release()
}

// String implements fmt.Stringer.
func (v *Vector[T]) String() string {
	return fmt.Sprintf("Vector[%s](%d)%v", v.DType(), len(v.values), v.values)
}
