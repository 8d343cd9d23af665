package compute

import (
	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/ocl"
)

// Config is created with New, and is a "builder pattern" to configure the construction of a Context.
//
// Once configured, call Config.Done to build the Context. The first invalid configuration value is recorded
// and returned by Done.
type Config[T dtypes.Supported] struct {
	kernelDir   string
	fastMath    bool
	debug       bool
	concurrency int
	driverName  string
	driver      ocl.Driver
	deviceType  ocl.DeviceType
	selfTest    bool

	// err is the first configuration error.
	err error
}

// New returns a configuration to build a Context for elements of type T.
//
// Defaults: kernel directory from kernels.DefaultDir, no fast-math, no debug, concurrency 1, the default
// driver (see ocl.DefaultDriver), GPU devices and the self-test enabled.
func New[T dtypes.Supported]() *Config[T] {
	return &Config[T]{
		concurrency: 1,
		deviceType:  ocl.DeviceTypeGPU,
		selfTest:    true,
	}
}

// Build is a shortcut for New[T]().WithKernelDir(dir).WithFastMath(fastMath).WithDebug(debug).WithConcurrency(concurrency).Done().
func Build[T dtypes.Supported](dir string, fastMath, debug bool, concurrency int) (*Context[T], error) {
	return New[T]().WithKernelDir(dir).WithFastMath(fastMath).WithDebug(debug).WithConcurrency(concurrency).Done()
}

func (cfg *Config[T]) setErr(err error) {
	if cfg.err == nil {
		cfg.err = err
	}
}

// WithKernelDir sets the directory with the kernel files. If empty, kernels.DefaultDir is used.
func (cfg *Config[T]) WithKernelDir(dir string) *Config[T] {
	cfg.kernelDir = dir
	return cfg
}

// WithFastMath enables the fast-math compiler options, see kernels.FastMathOptions.
func (cfg *Config[T]) WithFastMath(fastMath bool) *Config[T] {
	cfg.fastMath = fastMath
	return cfg
}

// WithDebug defines the DEBUG macro in the kernels.
func (cfg *Config[T]) WithDebug(debug bool) *Config[T] {
	cfg.debug = debug
	return cfg
}

// WithConcurrency sets the number of independent streams expected to share the device: the work-group size
// is the device's maximum divided by concurrency. It must be at least 1.
func (cfg *Config[T]) WithConcurrency(concurrency int) *Config[T] {
	if concurrency < 1 {
		cfg.setErr(clvec.Errorf(clvec.InvalidArgument, "config", "concurrency must be at least 1, got %d", concurrency))
		return cfg
	}
	cfg.concurrency = concurrency
	return cfg
}

// WithDriverName selects the registered driver by name, see ocl.GetDriver.
func (cfg *Config[T]) WithDriverName(name string) *Config[T] {
	cfg.driverName = name
	cfg.driver = nil
	return cfg
}

// WithDriver sets the driver to use, it doesn't need to be registered.
func (cfg *Config[T]) WithDriver(driver ocl.Driver) *Config[T] {
	if driver == nil {
		cfg.setErr(clvec.Errorf(clvec.InvalidArgument, "config", "nil driver"))
		return cfg
	}
	cfg.driver = driver
	cfg.driverName = ""
	return cfg
}

// WithDeviceType sets the type of devices to select from. Default is ocl.DeviceTypeGPU.
func (cfg *Config[T]) WithDeviceType(deviceType ocl.DeviceType) *Config[T] {
	cfg.deviceType = deviceType
	return cfg
}

// WithSelfTest enables or disables the capabilities test run after the program is built. Default is true.
func (cfg *Config[T]) WithSelfTest(selfTest bool) *Config[T] {
	cfg.selfTest = selfTest
	return cfg
}

// resolveDriver returns the configured driver.
func (cfg *Config[T]) resolveDriver() (ocl.Driver, error) {
	if cfg.driver != nil {
		return cfg.driver, nil
	}
	if cfg.driverName != "" {
		return ocl.GetDriver(cfg.driverName)
	}
	return ocl.DefaultDriver()
}
