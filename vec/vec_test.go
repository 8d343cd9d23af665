package vec

import (
	"flag"
	"math"
	"math/bits"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/compute"
	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/kernels"
	"github.com/gomlx/clvec/ocl"
	"github.com/gomlx/clvec/ocl/host"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

var (
	flagDriver    = flag.String("driver", host.DriverName, "name of the driver to run tests on")
	flagKernelDir = flag.String("kernels", "../kernels/cl", "directory with the kernel files")
)

func init() {
	klog.InitFlags(nil)
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

// newContext builds a context on the test driver, released at the end of the test.
func newContext[T dtypes.Supported](t *testing.T) *compute.Context[T] {
	ctx := capture(compute.New[T]().WithDriverName(*flagDriver).WithKernelDir(*flagKernelDir).Done()).Test(t)
	t.Cleanup(func() { require.NoError(t, ctx.Destroy()) })
	return ctx
}

// faultyContext builds a context on a host device with the given faults, and without the self-test.
func faultyContext(t *testing.T, faults host.Faults) (*compute.Context[float32], *host.Driver) {
	driver := host.New("faulty", host.PlatformSpec{
		Name: "faulty",
		Devices: []host.DeviceSpec{{
			Info: ocl.DeviceInfo{
				Name:              "faulty-gpu",
				Type:              ocl.DeviceTypeGPU,
				MaxComputeUnits:   1,
				MaxClockFrequency: 1,
				MaxWorkGroupSize:  16,
				Available:         true,
			},
			FPConfigs: host.AllPrecisions(dtypes.IEEEDefault),
			Faults:    faults,
		}},
	})
	ctx := capture(compute.New[float32]().WithDriver(driver).WithKernelDir(*flagKernelDir).WithSelfTest(false).Done()).Test(t)
	t.Cleanup(func() { require.NoError(t, ctx.Destroy()) })
	return ctx, driver
}

func TestScenario(t *testing.T) {
	ctx := newContext[float32](t)
	a := capture(New(ctx, []float32{1, 2, 3, 4, 5})).Test(t)
	b := capture(New(ctx, []float32{5, 4, 3, 2, 1})).Test(t)

	sum := capture(a.Add(b)).Test(t)
	require.Equal(t, []float32{6, 6, 6, 6, 6}, sum.Values())
	require.Equal(t, ctx, sum.Context())
	require.Equal(t, []float32{-4, -2, 0, 2, 4}, capture(a.Sub(b)).Test(t).Values())
	require.Equal(t, []float32{5, 8, 9, 8, 5}, capture(a.Mul(b)).Test(t).Values())
	require.Equal(t, []float32{1.0 / 5, 2.0 / 4, 1, 4.0 / 2, 5}, capture(a.Div(b)).Test(t).Values())

	// Operands are not modified.
	require.Equal(t, []float32{1, 2, 3, 4, 5}, a.Values())
	require.Equal(t, float32(3), a.At(2))
	require.Equal(t, 5, a.Len())
	require.Equal(t, "Vector[F32](5)[1 2 3 4 5]", a.String())

	require.Equal(t, float32(15), capture(a.Sum()).Test(t).Value())
	require.Equal(t, float32(120), capture(a.Product()).Test(t).Value())

	acc := capture(NewScalar(ctx, float32(100))).Test(t)
	require.NoError(t, acc.AddAssign(a))
	require.Equal(t, float32(15), acc.Value())
	require.NoError(t, acc.MulAssign(b))
	require.Equal(t, float32(120), acc.Value())
	require.Equal(t, "Scalar[F32](120)", acc.String())

	require.Equal(t, []float32{2, 3, 4, 5, 6}, capture(a.AddScalar(1)).Test(t).Values())
	require.Equal(t, []float32{0, 1, 2, 3, 4}, capture(a.SubScalar(1)).Test(t).Values())
	require.Equal(t, []float32{3, 6, 9, 12, 15}, capture(a.MulScalar(3)).Test(t).Values())
	require.Equal(t, []float32{0.5, 1, 1.5, 2, 2.5}, capture(a.DivScalar(2)).Test(t).Values())
	require.Equal(t, []float32{6, 6, 6, 6, 6}, capture(a.BinaryOp("add", b)).Test(t).Values())
}

// randomValues returns n values of T in [-scale, scale], away from zero by at least minAbs.
func randomValues[T dtypes.Supported](rng *rand.Rand, n int, scale, minAbs float64) []T {
	values := make([]T, n)
	for ii := range values {
		v := (rng.Float64()*2 - 1) * scale
		if math.Abs(v) < minAbs {
			v = math.Copysign(minAbs, v)
		}
		values[ii] = dtypes.FromFloat64[T](v)
	}
	return values
}

// reference computes the operation on the host, correctly rounded to T.
func reference[T dtypes.Supported](lhs, rhs []T, op func(a, b float64) float64) []T {
	out := make([]T, len(lhs))
	for ii := range lhs {
		out[ii] = dtypes.FromFloat64[T](op(dtypes.ToFloat64(lhs[ii]), dtypes.ToFloat64(rhs[ii])))
	}
	return out
}

func testBitExact[T dtypes.Supported](t *testing.T) {
	ctx := newContext[T](t)
	rng := rand.New(rand.NewPCG(42, uint64(ctx.DType())))
	n := 1000
	lhsValues := randomValues[T](rng, n, 100, 0)
	rhsValues := randomValues[T](rng, n, 100, 0.5)
	lhs := capture(New(ctx, lhsValues)).Test(t)
	rhs := capture(New(ctx, rhsValues)).Test(t)

	add := func(a, b float64) float64 { return a + b }
	sub := func(a, b float64) float64 { return a - b }
	mul := func(a, b float64) float64 { return a * b }
	div := func(a, b float64) float64 { return a / b }
	require.Equal(t, reference(lhsValues, rhsValues, add), capture(lhs.Add(rhs)).Test(t).Values())
	require.Equal(t, reference(lhsValues, rhsValues, sub), capture(lhs.Sub(rhs)).Test(t).Values())
	require.Equal(t, reference(lhsValues, rhsValues, mul), capture(lhs.Mul(rhs)).Test(t).Values())

	got := capture(lhs.Div(rhs)).Test(t).Values()
	want := reference(lhsValues, rhsValues, div)
	if ctx.Binding().FPConfig.IEEECorrectDivision() {
		require.Equal(t, want, got)
		return
	}
	var mismatches int
	for ii := range want {
		if want[ii] != got[ii] {
			mismatches++
		}
	}
	klog.Warningf("%s division is not correctly rounded on %s: %d of %d results differ from the host",
		ctx.DType(), ctx.Device(), mismatches, n)
}

func TestBitExact(t *testing.T) {
	t.Run("F16", testBitExact[float16.Float16])
	t.Run("F32", testBitExact[float32])
	t.Run("F64", testBitExact[float64])
}

func testSumTolerance[T dtypes.Supported](t *testing.T) {
	ctx := newContext[T](t)
	rng := rand.New(rand.NewPCG(7, uint64(ctx.DType())))
	for _, n := range []int{1, 2, 17, 256, 1000} {
		values := randomValues[T](rng, n, 1, 0)
		v := capture(New(ctx, values)).Test(t)
		got := dtypes.ToFloat64(capture(v.Sum()).Test(t).Value())

		asFloat64 := dtypes.ToFloat64Slice(values)
		want := floats.Sum(asFloat64)
		absValues := make([]float64, n)
		for ii, x := range asFloat64 {
			absValues[ii] = math.Abs(x)
		}
		tolerance := ctx.DType().SumTolerance(n, floats.Sum(absValues))
		require.InDelta(t, want, got, tolerance, "sum of %d %s values", n, ctx.DType())
		require.NoError(t, v.Release())
	}
}

func TestSumTolerance(t *testing.T) {
	t.Run("F16", testSumTolerance[float16.Float16])
	t.Run("F32", testSumTolerance[float32])
	t.Run("F64", testSumTolerance[float64])
}

func TestReduce_WorkSizes(t *testing.T) {
	ctx := newContext[float64](t)
	values := make([]float64, 100)
	for ii := range values {
		values[ii] = float64(ii + 1)
	}
	v := capture(New(ctx, values)).Test(t)
	for _, local := range []int{1, 2, 3, 7, 64} {
		require.NoError(t, ctx.SetWorkSizes(local, local))
		require.Equal(t, 5050.0, capture(v.Sum()).Test(t).Value(), "local work size %d", local)
		require.Equal(t, []float64{2, 4, 6}, capture(capture(New(ctx, values[:3])).Test(t).MulScalar(2)).Test(t).Values())
	}
}

func TestPreconditions(t *testing.T) {
	ctx, driver := faultyContext(t, host.Faults{})
	alive := ocl.BuffersAlive()
	allocated := driver.Stats().BuffersAllocated

	a := capture(New(ctx, []float32{1, 2, 3, 4, 5})).Test(t)
	b := capture(New(ctx, []float32{1, 2, 3, 4})).Test(t)
	empty := capture(Make(ctx, 0)).Test(t)

	_, err := a.Add(b)
	require.Equal(t, clvec.SizeMismatch, clvec.KindOf(err))
	require.True(t, clvec.IsInputError(err))
	_, err = b.Mul(a)
	require.Equal(t, clvec.SizeMismatch, clvec.KindOf(err))
	_, err = empty.Add(empty)
	require.Equal(t, clvec.EmptyOperand, clvec.KindOf(err))
	_, err = a.Sub(empty)
	require.Equal(t, clvec.EmptyOperand, clvec.KindOf(err))
	_, err = empty.Sum()
	require.Equal(t, clvec.EmptyOperand, clvec.KindOf(err))

	unbound := capture(New(nil, []float32{1, 2, 3, 4, 5})).Test(t)
	require.Nil(t, unbound.Context())
	_, err = unbound.Add(a)
	require.Equal(t, clvec.NoContext, clvec.KindOf(err))
	_, err = unbound.Sum()
	require.Equal(t, clvec.NoContext, clvec.KindOf(err))
	require.NoError(t, unbound.Release())

	// Right operand may be unbound.
	require.Equal(t, []float32{2, 4, 6, 8, 10}, capture(a.Add(unbound)).Test(t).Values())
	allocated += 3

	_, err = Make(ctx, -1)
	require.Equal(t, clvec.InvalidArgument, clvec.KindOf(err))

	// No buffers allocated by the failed operations, and none left behind by the successful one.
	require.Equal(t, alive, ocl.BuffersAlive())
	require.Equal(t, allocated, driver.Stats().BuffersAllocated)
	require.Zero(t, driver.Stats().BuffersAlive)
}

func TestFailureStages(t *testing.T) {
	testCases := []struct {
		name   string
		faults host.Faults
		kind   clvec.ErrorKind
		stage  string
	}{
		{"alloc", host.Faults{NewMemory: errors.New("out of device memory")}, clvec.BufferAlloc, "buffer-build"},
		{"write", host.Faults{Write: errors.New("write failed")}, clvec.Transfer, "write"},
		{"enqueue", host.Faults{Enqueue: errors.New("device lost")}, clvec.Enqueue, "enqueue"},
		{"read", host.Faults{Read: errors.New("read failed")}, clvec.Transfer, "read"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, driver := faultyContext(t, tc.faults)
			alive := ocl.BuffersAlive()
			a := capture(New(ctx, []float32{1, 2, 3})).Test(t)
			_, err := a.Add(a)
			require.Error(t, err)
			require.Equal(t, tc.kind, clvec.KindOf(err))
			var clErr *clvec.Error
			require.True(t, errors.As(err, &clErr))
			require.Equal(t, tc.stage, clErr.Stage)
			require.False(t, clvec.IsInputError(err))

			_, err = a.Sum()
			require.Equal(t, tc.kind, clvec.KindOf(err))

			require.Equal(t, alive, ocl.BuffersAlive())
			require.Zero(t, driver.Stats().BuffersAlive)
		})
	}

	// A kernel build failure leaves the context usable.
	ctx, _ := faultyContext(t, host.Faults{})
	a := capture(New(ctx, []float32{1, 2, 3})).Test(t)
	_, err := a.BinaryOp("not_a_kernel", a)
	require.Equal(t, clvec.KernelBuild, clvec.KindOf(err))
	_, err = a.BinaryOp("add_down", a) // Wrong signature.
	require.Equal(t, clvec.KernelBuild, clvec.KindOf(err))
	require.Equal(t, []float32{2, 4, 6}, capture(a.Add(a)).Test(t).Values())
}

// TestBinaryOp_Custom adds a kernel with the signature of the arithmetic kernels after the generated ones.
// The host driver has no implementation for it, so it must fail instead of running the last operator.
func TestBinaryOp_Custom(t *testing.T) {
	if *flagDriver != host.DriverName {
		t.Skipf("custom kernel has no implementation only in the %q driver", host.DriverName)
	}
	dir := t.TempDir()
	require.NoError(t, kernels.ExtractTo(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "z_max.cl"), []byte(`#include "helpers.h"

__kernel void vmax(__global const TYPE_T *rhs, const SIZE_T rhs_len,
                   __global const TYPE_T *lhs, const SIZE_T lhs_len,
                   __global TYPE_T *out) {
  const SIZE_T n = min(lhs_len, rhs_len);
  for (SIZE_T i = get_global_id(0); i < n; i += get_global_size(0)) {
    out[i] = max(lhs[i], rhs[i]);
  }
}
`), 0o644))
	ctx := capture(compute.New[float32]().WithDriverName(*flagDriver).WithKernelDir(dir).Done()).Test(t)
	t.Cleanup(func() { require.NoError(t, ctx.Destroy()) })
	require.True(t, ctx.HasKernel("vmax"))

	a := capture(New(ctx, []float32{1, 5, 3})).Test(t)
	b := capture(New(ctx, []float32{4, 2, 6})).Test(t)
	_, err := a.BinaryOp("vmax", b)
	require.Equal(t, clvec.KernelBuild, clvec.KindOf(err))
	require.Equal(t, []float32{4, 10, 18}, capture(a.BinaryOp("mul", b)).Test(t).Values())
}

func TestRefCount(t *testing.T) {
	ctx := capture(compute.New[float32]().WithDriverName(*flagDriver).WithKernelDir(*flagKernelDir).Done()).Test(t)
	a := capture(New(ctx, []float32{1, 2})).Test(t)
	require.Equal(t, int64(2), ctx.RefCount())
	sum := capture(a.Add(a)).Test(t)
	require.Equal(t, int64(3), ctx.RefCount())
	s := capture(sum.Sum()).Test(t)
	require.Equal(t, int64(4), ctx.RefCount())

	// The owner releases its reference: the context lives on with the containers.
	require.NoError(t, ctx.Release())
	require.True(t, ctx.IsValid())
	require.Equal(t, float32(6), s.Value())
	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	require.NoError(t, sum.Release())
	require.Nil(t, sum.Context())
	_, err := sum.Add(sum)
	require.Equal(t, clvec.NoContext, clvec.KindOf(err))
	require.True(t, ctx.IsValid())
	require.NoError(t, a.Release())
	require.False(t, ctx.IsValid())

	// Containers can't be bound to a released context.
	_, err = New(ctx, []float32{1})
	require.Equal(t, clvec.NoContext, clvec.KindOf(err))
	_, err = NewScalar(ctx, float32(1))
	require.Equal(t, clvec.NoContext, clvec.KindOf(err))
}

func TestRefCount_Destroy(t *testing.T) {
	ctx := capture(compute.New[float32]().WithDriverName(*flagDriver).WithKernelDir(*flagKernelDir).Done()).Test(t)
	a := capture(New(ctx, []float32{1, 2})).Test(t)
	s := capture(NewScalar(ctx, float32(0))).Test(t)
	require.NoError(t, ctx.Destroy())
	_, err := a.Add(a)
	require.Equal(t, clvec.NoContext, clvec.KindOf(err))
	require.Equal(t, clvec.NoContext, clvec.KindOf(s.AddAssign(a)))
	require.NoError(t, a.Release())
	require.NoError(t, s.Release())

	unbound := capture(NewScalar[float32](nil, 1)).Test(t)
	require.Nil(t, unbound.Context())
	require.Equal(t, clvec.NoContext, clvec.KindOf(unbound.MulAssign(a)))
}

func TestRefCount_GarbageCollected(t *testing.T) {
	ctx := newContext[float32](t)
	func() {
		for range 10 {
			_ = capture(New(ctx, []float32{1, 2, 3})).Test(t)
		}
	}()
	require.Eventually(t, func() bool {
		runtime.GC()
		return ctx.RefCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMatrix(t *testing.T) {
	ctx := newContext[float64](t)
	m := capture(NewMatrix(ctx, 2, 3, []float64{1, 2, 3, 4, 5, 6})).Test(t)
	n := capture(NewMatrix(ctx, 2, 3, []float64{6, 5, 4, 3, 2, 1})).Test(t)
	require.Equal(t, 2, m.Rows())
	require.Equal(t, 3, m.Cols())
	require.Equal(t, 6.0, m.AtRC(1, 2))

	sum := capture(m.Add(n)).Test(t)
	require.Equal(t, []float64{7, 7, 7, 7, 7, 7}, sum.Values())
	require.Equal(t, 2, sum.Rows())
	require.Equal(t, []float64{6, 10, 12, 12, 10, 6}, capture(m.Mul(n)).Test(t).Values())
	require.Equal(t, []float64{-5, -3, -1, 1, 3, 5}, capture(m.Sub(n)).Test(t).Values())
	require.Equal(t, []float64{1.0 / 6, 2.0 / 5, 3.0 / 4, 4.0 / 3, 5.0 / 2, 6}, capture(m.Div(n)).Test(t).Values())
	require.Equal(t, "Matrix[F64](2x3)[1 2 3 4 5 6]", m.String())

	transposed := capture(NewMatrix(ctx, 3, 2, []float64{1, 2, 3, 4, 5, 6})).Test(t)
	_, err := m.Add(transposed)
	require.Equal(t, clvec.SizeMismatch, clvec.KindOf(err))
	_, err = NewMatrix(ctx, 2, 2, []float64{1, 2, 3})
	require.Equal(t, clvec.SizeMismatch, clvec.KindOf(err))
	_, err = NewMatrix(ctx, -1, 2, nil)
	require.Equal(t, clvec.InvalidArgument, clvec.KindOf(err))
	half := 1 << (bits.UintSize / 2)
	_, err = NewMatrix(ctx, half, half, nil) // Product wraps around to 0.
	require.Equal(t, clvec.InvalidArgument, clvec.KindOf(err))
	_, err = NewMatrix(ctx, math.MaxInt, 2, nil)
	require.Equal(t, clvec.InvalidArgument, clvec.KindOf(err))
	empty := capture(NewMatrix(ctx, 0, 3, nil)).Test(t)
	require.Equal(t, 0, empty.Len())

	total := capture(sum.Sum()).Test(t)
	require.Equal(t, 42.0, total.Value())
}

func runConcurrent[T dtypes.Supported](n int) error {
	ctx, err := compute.New[T]().WithDriverName(*flagDriver).WithKernelDir(*flagKernelDir).WithConcurrency(4).Done()
	if err != nil {
		return err
	}
	defer func() { _ = ctx.Destroy() }()
	values := make([]T, n)
	for ii := range values {
		values[ii] = dtypes.FromFloat64[T](float64(ii % 7))
	}
	v, err := New(ctx, values)
	if err != nil {
		return err
	}
	for range 20 {
		doubled, err := v.Add(v)
		if err != nil {
			return err
		}
		for ii, x := range doubled.Values() {
			if want := dtypes.FromFloat64[T](float64(2 * (ii % 7))); x != want {
				return errors.Errorf("%s: element %d is %v, wanted %v", ctx.DType(), ii, x, want)
			}
		}
		if err = doubled.Release(); err != nil {
			return err
		}
	}
	return nil
}

func TestConcurrentContexts(t *testing.T) {
	var g errgroup.Group
	for range 2 {
		g.Go(func() error { return runConcurrent[float16.Float16](100) })
		g.Go(func() error { return runConcurrent[float32](1000) })
		g.Go(func() error { return runConcurrent[float64](1000) })
	}
	require.NoError(t, g.Wait())
}
