package vec

import (
	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/compute"
	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/ocl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// destroyBuffer is deferred to release the buffers of an operation, whatever its outcome.
func destroyBuffer(b *ocl.Buffer) {
	if err := b.Destroy(); err != nil {
		klog.Errorf("vec: failed to release device buffer: %v", err)
	}
}

func releaseKernel(k ocl.Kernel) {
	if err := k.Release(); err != nil {
		klog.Errorf("vec: failed to release kernel %q: %v", k.Name(), err)
	}
}

// newKernel creates the kernel and sets its arguments. Failures are KernelBuild errors.
func newKernel[T dtypes.Supported](ctx *compute.Context[T], name string, args ...any) (ocl.Kernel, error) {
	k, err := ctx.Program().NewKernel(name)
	if err != nil {
		return nil, clvec.Wrap(clvec.KernelBuild, "kernel-build", err)
	}
	for ii, arg := range args {
		if err = k.SetArg(ii, arg); err != nil {
			releaseKernel(k)
			return nil, clvec.Wrap(clvec.KernelBuild, "kernel-build", err)
		}
	}
	return k, nil
}

// run enqueues the kernel and waits for its completion. Failures are Enqueue errors.
func run(queue ocl.Queue, k ocl.Kernel, global, local int) error {
	if err := queue.Enqueue(k, global, local); err != nil {
		return clvec.Wrap(clvec.Enqueue, "enqueue", errors.WithMessagef(err, "kernel %q", k.Name()))
	}
	if err := queue.Finish(); err != nil {
		return clvec.Wrap(clvec.Enqueue, "enqueue", errors.WithMessagef(err, "waiting for kernel %q", k.Name()))
	}
	return nil
}

// basicOp runs the elementwise binary kernel with lhs and rhs, and returns a new Vector bound to lhs's
// Context with the result.
//
// The preconditions (bound Context, equal and non-zero lengths) are checked before any device resource
// is allocated. The three device buffers are released before returning, also on failure.
func basicOp[T dtypes.Supported](lhs *Vector[T], rhs []T, kernelName string) (*Vector[T], error) {
	ctx, err := lhs.h.context(kernelName)
	if err != nil {
		return nil, err
	}
	n := len(lhs.values)
	if n == 0 || len(rhs) == 0 {
		return nil, clvec.Errorf(clvec.EmptyOperand, kernelName, "empty operand (lengths %d and %d)", n, len(rhs))
	}
	if len(rhs) != n {
		return nil, clvec.Errorf(clvec.SizeMismatch, kernelName, "operands have different lengths: %d and %d", n, len(rhs))
	}

	dctx, queue, dtype := ctx.DriverContext(), ctx.Queue(), ctx.DType()
	lhsBuf, err := ocl.NewBuffer(dctx, dtype, n)
	if err != nil {
		return nil, err
	}
	defer destroyBuffer(lhsBuf)
	rhsBuf, err := ocl.NewBuffer(dctx, dtype, n)
	if err != nil {
		return nil, err
	}
	defer destroyBuffer(rhsBuf)
	outBuf, err := ocl.NewBuffer(dctx, dtype, n)
	if err != nil {
		return nil, err
	}
	defer destroyBuffer(outBuf)

	if err = ocl.WriteArray(queue, lhsBuf, lhs.values); err != nil {
		return nil, err
	}
	if err = ocl.WriteArray(queue, rhsBuf, rhs); err != nil {
		return nil, err
	}

	k, err := newKernel(ctx, kernelName, rhsBuf.Memory(), uint64(n), lhsBuf.Memory(), uint64(n), outBuf.Memory())
	if err != nil {
		return nil, err
	}
	defer releaseKernel(k)
	global, local := ctx.WorkSizes()
	if err = run(queue, k, global, local); err != nil {
		return nil, err
	}

	out, err := ocl.BufferToArray[T](queue, outBuf)
	if err != nil {
		return nil, err
	}
	return newVector(ctx, out)
}

// downOp folds values with the reduction kernel, and returns the result.
// Reductions run as one work-group of the Context's local work size.
func downOp[T dtypes.Supported](ctx *compute.Context[T], values []T, kernelName string) (result T, err error) {
	n := len(values)
	if n == 0 {
		return result, clvec.Errorf(clvec.EmptyOperand, kernelName, "empty operand")
	}
	queue := ctx.Queue()
	buf, err := ocl.NewBuffer(ctx.DriverContext(), ctx.DType(), n)
	if err != nil {
		return
	}
	defer destroyBuffer(buf)
	if err = ocl.WriteArray(queue, buf, values); err != nil {
		return
	}
	k, err := newKernel(ctx, kernelName, buf.Memory(), uint64(n))
	if err != nil {
		return
	}
	defer releaseKernel(k)
	_, local := ctx.WorkSizes()
	if err = run(queue, k, local, local); err != nil {
		return
	}
	first := make([]T, 1)
	if err = ocl.ReadArray(queue, buf, first); err != nil {
		return
	}
	return first[0], nil
}
