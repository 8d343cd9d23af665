package compute

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/ocl"
	"github.com/gomlx/clvec/ocl/host"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
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

// mockDriver returns a host driver with one GPU, configured by the optional function.
func mockDriver(configure func(spec *host.DeviceSpec)) *host.Driver {
	spec := host.DeviceSpec{
		Info: ocl.DeviceInfo{
			Name:              "mock-gpu",
			Type:              ocl.DeviceTypeGPU,
			MaxComputeUnits:   8,
			MaxClockFrequency: 1000,
			MaxWorkGroupSize:  64,
			Available:         true,
		},
		FPConfigs: host.AllPrecisions(dtypes.IEEEDefault),
	}
	if configure != nil {
		configure(&spec)
	}
	return host.New("mock", host.PlatformSpec{Name: "mock", Devices: []host.DeviceSpec{spec}})
}

func TestBuild(t *testing.T) {
	alive := ContextsAlive()
	c := capture(New[float32]().
		WithDriverName(*flagDriver).
		WithKernelDir(*flagKernelDir).
		WithConcurrency(2).
		WithFastMath(true).
		WithDebug(true).
		Done()).Test(t)
	require.Equal(t, alive+1, ContextsAlive())
	require.Equal(t, dtypes.F32, c.DType())
	require.Equal(t, dtypes.F32, c.Binding().DType)
	require.True(t, c.Binding().FPConfig.IsSupported())
	require.Equal(t, int64(1), c.RefCount())
	for _, name := range []string{"test_capabilities", "add", "sub", "mul", "div", "add_down", "mul_down"} {
		require.True(t, c.HasKernel(name), "kernel %q missing", name)
	}
	require.False(t, c.HasKernel("fancy"))
	global, local := c.WorkSizes()
	require.Equal(t, c.Device().Info.MaxWorkGroupSize/2, local)
	require.Equal(t, local, global)
	require.NotNil(t, c.Queue())
	require.NotNil(t, c.Program())
	require.NotNil(t, c.DriverContext())
	require.Len(t, c.Assembly().Units, 7)
	require.Contains(t, c.String(), "F32")

	require.NoError(t, c.Release())
	require.False(t, c.IsValid())
	require.Equal(t, alive, ContextsAlive())
	require.Nil(t, c.Queue())
	require.Contains(t, c.String(), "destroyed")
}

func TestBuild_Shorthand(t *testing.T) {
	t.Setenv(ocl.DriverEnv, *flagDriver)
	c := capture(Build[float16.Float16](*flagKernelDir, false, false, 1)).Test(t)
	require.Equal(t, dtypes.F16, c.DType())
	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy())

	_, err := Build[float64](*flagKernelDir, false, false, 0)
	require.Equal(t, clvec.InvalidArgument, clvec.KindOf(err))
	require.True(t, clvec.IsInputError(err))

	// Embedded kernels are used by default.
	c64 := capture(New[float64]().Done()).Test(t)
	require.Equal(t, dtypes.F64, c64.DType())
	require.NoError(t, c64.Release())
}

func TestBuild_Geometry(t *testing.T) {
	c := capture(New[float32]().WithDriver(mockDriver(nil)).WithKernelDir(*flagKernelDir).WithConcurrency(1000).Done()).Test(t)
	defer func() { require.NoError(t, c.Release()) }()
	global, local := c.WorkSizes()
	require.Equal(t, 1, global)
	require.Equal(t, 1, local)

	require.NoError(t, c.SetWorkSizes(128, 32))
	global, local = c.WorkSizes()
	require.Equal(t, 128, global)
	require.Equal(t, 32, local)
	require.Equal(t, clvec.InvalidArgument, clvec.KindOf(c.SetWorkSizes(128, 0)))
	require.Equal(t, clvec.InvalidArgument, clvec.KindOf(c.SetWorkSizes(128, 65)))
	require.Equal(t, clvec.InvalidArgument, clvec.KindOf(c.SetWorkSizes(100, 32)))
	require.Equal(t, clvec.InvalidArgument, clvec.KindOf(c.SetWorkSizes(16, 32)))
}

func TestBuild_UnsupportedType(t *testing.T) {
	driver := mockDriver(func(spec *host.DeviceSpec) {
		delete(spec.FPConfigs, dtypes.F64)
	})
	alive := ContextsAlive()
	_, err := New[float64]().WithDriver(driver).WithKernelDir(*flagKernelDir).Done()
	require.Error(t, err)
	require.Equal(t, clvec.UnsupportedType, clvec.KindOf(err))
	// Detected before any resource is created.
	require.Equal(t, host.Stats{}, driver.Stats())
	require.Equal(t, alive, ContextsAlive())

	// Other precisions still work on the same device.
	c := capture(New[float32]().WithDriver(driver).WithKernelDir(*flagKernelDir).Done()).Test(t)
	require.NoError(t, c.Release())
}

func TestBuild_KernelDirErrors(t *testing.T) {
	driver := mockDriver(nil)
	_, err := New[float32]().WithDriver(driver).WithKernelDir(filepath.Join(t.TempDir(), "missing")).Done()
	require.Equal(t, clvec.DirectoryRead, clvec.KindOf(err))

	_, err = New[float32]().WithDriver(driver).WithKernelDir(t.TempDir()).Done()
	require.Equal(t, clvec.EmptyDirectory, clvec.KindOf(err))

	// Compilation failure includes the diagnostics.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.cl"), []byte("#error this kernel is broken\n"), 0o644))
	alive := ContextsAlive()
	_, err = New[float32]().WithDriver(driver).WithKernelDir(dir).Done()
	require.Equal(t, clvec.Compile, clvec.KindOf(err))
	require.ErrorContains(t, err, "this kernel is broken")
	require.False(t, clvec.IsInputError(err))
	require.Equal(t, alive, ContextsAlive())
	require.Zero(t, driver.Stats().ContextsAlive)
}

func TestBuild_DriverFaults(t *testing.T) {
	alive := ContextsAlive()
	driver := mockDriver(func(spec *host.DeviceSpec) {
		spec.Faults.NewContext = errors.New("no more contexts")
	})
	_, err := New[float32]().WithDriver(driver).WithKernelDir(*flagKernelDir).Done()
	require.Equal(t, clvec.Context, clvec.KindOf(err))
	require.ErrorContains(t, err, "no more contexts")

	driver = mockDriver(func(spec *host.DeviceSpec) {
		spec.Faults.NewQueue = errors.New("no more queues")
	})
	_, err = New[float32]().WithDriver(driver).WithKernelDir(*flagKernelDir).Done()
	require.Equal(t, clvec.Context, clvec.KindOf(err))
	require.Zero(t, driver.Stats().ContextsAlive)

	driver = mockDriver(func(spec *host.DeviceSpec) {
		spec.Faults.SelfTest = true
	})
	_, err = New[float32]().WithDriver(driver).WithKernelDir(*flagKernelDir).Done()
	require.Equal(t, clvec.SelfTest, clvec.KindOf(err))
	require.Zero(t, driver.Stats().ContextsAlive)
	require.Zero(t, driver.Stats().BuffersAlive)
	require.Equal(t, alive, ContextsAlive())

	// Without the self-test the faulty device is accepted.
	c := capture(New[float32]().WithDriver(driver).WithKernelDir(*flagKernelDir).WithSelfTest(false).Done()).Test(t)
	require.Equal(t, clvec.SelfTest, clvec.KindOf(c.SelfTest()))
	require.NoError(t, c.Release())

	_, err = New[float32]().WithDriver(nil).Done()
	require.Equal(t, clvec.InvalidArgument, clvec.KindOf(err))
	_, err = New[float32]().WithDriverName("not-a-driver").Done()
	require.Equal(t, clvec.NoDevice, clvec.KindOf(err))
	_, err = New[float32]().WithDriver(mockDriver(nil)).WithDeviceType(ocl.DeviceTypeCPU).Done()
	require.Equal(t, clvec.NoDevice, clvec.KindOf(err))
}

func TestContext_RefCount(t *testing.T) {
	c := capture(New[float32]().WithDriver(mockDriver(nil)).WithKernelDir(*flagKernelDir).Done()).Test(t)
	require.NoError(t, c.Acquire())
	require.NoError(t, c.Acquire())
	require.Equal(t, int64(3), c.RefCount())
	require.NoError(t, c.Release())
	require.NoError(t, c.Release())
	require.True(t, c.IsValid())
	require.NoError(t, c.Release())
	require.False(t, c.IsValid())
	require.Equal(t, clvec.NoContext, clvec.KindOf(c.Acquire()))
	require.NoError(t, c.Release()) // Extra releases are ignored.
	require.Zero(t, c.RefCount())

	c = capture(New[float32]().WithDriver(mockDriver(nil)).WithKernelDir(*flagKernelDir).Done()).Test(t)
	require.NoError(t, c.Acquire())
	require.NoError(t, c.Destroy())
	require.False(t, c.IsValid())
	require.Equal(t, clvec.NoContext, clvec.KindOf(c.Acquire()))
	require.Equal(t, clvec.NoContext, clvec.KindOf(c.SelfTest()))
}

func TestContext_ConcurrentDestroy(t *testing.T) {
	alive := ContextsAlive()
	for range 20 {
		driver := mockDriver(nil)
		c := capture(New[float32]().WithDriver(driver).WithKernelDir(*flagKernelDir).WithSelfTest(false).Done()).Test(t)
		for range 3 {
			require.NoError(t, c.Acquire())
		}
		var g errgroup.Group
		for range 4 {
			g.Go(c.Release)
			g.Go(c.Destroy)
		}
		require.NoError(t, g.Wait())
		require.False(t, c.IsValid())
		require.Zero(t, driver.Stats().ContextsAlive)
		require.Equal(t, alive, ContextsAlive())
	}
}
