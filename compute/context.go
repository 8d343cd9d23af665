// Package compute builds and owns the per-precision compute context: the selected device, the compiled
// kernel program, the command queue and the dispatch geometry used by all operations.
//
// A Context is created with New[T]()...Done() (or Build), and is shared by reference counting: each
// container bound to it holds one reference, and the driver resources are released when the last
// reference is released.
package compute

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/kernels"
	"github.com/gomlx/clvec/ocl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is a compute context for elements of type T.
//
// Operations issued on a Context must not be concurrent: each blocks until completion on the Context's
// single queue. Independent Contexts can be used concurrently.
type Context[T dtypes.Supported] struct {
	wrapper  *contextWrapper
	device   *ocl.DeviceDescriptor
	binding  ocl.Binding
	assembly *kernels.Assembly
	names    []string

	globalWorkSize, localWorkSize int

	refCount atomic.Int64
}

// contextWrapper holds the driver resources that require clean up.
// The resources are set once while building, and are released only once.
type contextWrapper struct {
	ctx     ocl.Context
	queue   ocl.Queue
	program ocl.Program

	destroyed atomic.Bool
}

func (wrapper *contextWrapper) IsValid() bool {
	return wrapper != nil && wrapper.ctx != nil && !wrapper.destroyed.Load()
}

// Destroy releases the program, the queue and the driver context, in that order.
// It is safe to call concurrently: only the first call releases the resources.
func (wrapper *contextWrapper) Destroy() error {
	if wrapper == nil || wrapper.ctx == nil || wrapper.destroyed.Swap(true) {
		// Never built or already destroyed, no-op.
		return nil
	}
	var firstErr error
	record := func(what string, err error) {
		if err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "releasing %s", what)
		}
	}
	if wrapper.program != nil {
		record("program", wrapper.program.Release())
	}
	if wrapper.queue != nil {
		record("queue", wrapper.queue.Release())
	}
	record("driver context", wrapper.ctx.Release())
	contextsAlive.Add(-1)
	return firstErr
}

var contextsAlive atomic.Int64

// ContextsAlive returns the number of Contexts whose driver resources are not yet released.
func ContextsAlive() int64 {
	return contextsAlive.Load()
}

// Done builds the Context. The steps are, in order: select the device, bind the precision, assemble the
// kernel sources, create the driver context and queue, compile the program, compute the dispatch geometry
// and run the self-test. No partially built Context is ever returned: on failure, the resources already
// created are released.
//
// The returned Context holds one reference, owned by the caller, see Context.Release.
func (cfg *Config[T]) Done() (*Context[T], error) {
	if cfg.err != nil {
		return nil, cfg.err
	}
	driver, err := cfg.resolveDriver()
	if err != nil {
		return nil, err
	}
	device, err := ocl.SelectDevice(driver, cfg.deviceType)
	if err != nil {
		return nil, err
	}
	binding, err := ocl.Bind[T](device.Device)
	if err != nil {
		return nil, errors.WithMessagef(err, "device %s", device)
	}
	dir := cfg.kernelDir
	if dir == "" {
		if dir, err = kernels.DefaultDir(); err != nil {
			return nil, err
		}
	}
	assembly, err := kernels.Assemble(dir, binding.DType, kernels.Options{Debug: cfg.debug, FastMath: cfg.fastMath})
	if err != nil {
		return nil, err
	}

	c := &Context[T]{
		wrapper:  &contextWrapper{},
		device:   device,
		binding:  binding,
		assembly: assembly,
	}
	if err = c.createResources(); err != nil {
		c.destroyOnFailure()
		return nil, err
	}
	wg := device.Info.MaxWorkGroupSize / cfg.concurrency
	if wg < 1 {
		wg = 1
	}
	c.globalWorkSize, c.localWorkSize = wg, wg

	if cfg.selfTest {
		if err = c.SelfTest(); err != nil {
			c.destroyOnFailure()
			return nil, err
		}
	}
	c.refCount.Store(1)
	runtime.AddCleanup(c, func(wrapper *contextWrapper) {
		if err := wrapper.Destroy(); err != nil {
			klog.Errorf("compute.Context.Destroy failed: %v", err)
		}
	}, c.wrapper)
	klog.V(1).Infof("built %s", c)
	return c, nil
}

// createResources creates the driver context and queue, and compiles the program.
func (c *Context[T]) createResources() error {
	ctx, err := c.device.Device.NewContext()
	if err != nil {
		return clvec.Wrap(clvec.Context, "create-context", errors.WithMessagef(err, "device %s", c.device))
	}
	c.wrapper.ctx = ctx
	contextsAlive.Add(1)
	c.wrapper.queue, err = ctx.NewQueue()
	if err != nil {
		return clvec.Wrap(clvec.Context, "create-queue", errors.WithMessagef(err, "device %s", c.device))
	}
	c.wrapper.program, err = ctx.NewProgram(c.assembly.Sources(), c.assembly.BuildOptions)
	if err != nil {
		return clvec.Wrap(clvec.Compile, "compile",
			errors.WithMessagef(err, "compiling %d units from %q for %s with options %q",
				len(c.assembly.Units), c.assembly.Dir, c.binding.DType, c.assembly.CompilerFlags()))
	}
	c.names = c.wrapper.program.KernelNames()
	klog.V(1).Infof("program compiled for %s: kernels %v", c.binding.DType, c.names)
	return nil
}

func (c *Context[T]) destroyOnFailure() {
	if err := c.wrapper.Destroy(); err != nil {
		klog.Errorf("failed to release partially built compute context: %v", err)
	}
}

// IsValid returns whether the Context's driver resources are still alive.
func (c *Context[T]) IsValid() bool {
	return c != nil && c.wrapper.IsValid()
}

// Acquire adds a reference to the Context.
// It fails with NoContext if the Context was already destroyed.
func (c *Context[T]) Acquire() error {
	for {
		if !c.IsValid() {
			return clvec.Errorf(clvec.NoContext, "acquire", "compute context already destroyed")
		}
		count := c.refCount.Load()
		if count <= 0 {
			return clvec.Errorf(clvec.NoContext, "acquire", "compute context already released")
		}
		if c.refCount.CompareAndSwap(count, count+1) {
			return nil
		}
	}
}

// Release removes a reference to the Context. The driver resources are released with the last reference.
func (c *Context[T]) Release() error {
	if c == nil {
		return nil
	}
	count := c.refCount.Add(-1)
	if count > 0 {
		return nil
	}
	if count < 0 {
		c.refCount.Store(0)
		return nil
	}
	return c.wrapper.Destroy()
}

// RefCount returns the number of references to the Context.
func (c *Context[T]) RefCount() int64 {
	return c.refCount.Load()
}

// Destroy releases the driver resources immediately, regardless of the references still held.
// Further operations on containers bound to it fail with NoContext. It is a no-op if already destroyed.
func (c *Context[T]) Destroy() error {
	if !c.IsValid() {
		return nil
	}
	c.refCount.Store(0)
	return c.wrapper.Destroy()
}

// DType of the elements of the Context.
func (c *Context[T]) DType() dtypes.DType {
	return c.binding.DType
}

// Binding of the precision to the device.
func (c *Context[T]) Binding() ocl.Binding {
	return c.binding
}

// Device selected for the Context.
func (c *Context[T]) Device() *ocl.DeviceDescriptor {
	return c.device
}

// Assembly of the kernel sources compiled in the Context.
func (c *Context[T]) Assembly() *kernels.Assembly {
	return c.assembly
}

// KernelNames returns the names of the kernels of the compiled program.
func (c *Context[T]) KernelNames() []string {
	return append([]string(nil), c.names...)
}

// HasKernel returns whether the compiled program has a kernel with the given name.
func (c *Context[T]) HasKernel(name string) bool {
	for _, n := range c.names {
		if n == name {
			return true
		}
	}
	return false
}

// WorkSizes returns the global and local work sizes used to dispatch kernels.
func (c *Context[T]) WorkSizes() (global, local int) {
	return c.globalWorkSize, c.localWorkSize
}

// SetWorkSizes changes the dispatch geometry. The local work size must be between 1 and the device's
// maximum work-group size, and the global work size a multiple of it.
//
// Reductions always run as one work-group of the local work size.
// It must not be called concurrently with operations on the Context.
func (c *Context[T]) SetWorkSizes(global, local int) error {
	maxWG := c.device.Info.MaxWorkGroupSize
	if local < 1 || local > maxWG {
		return clvec.Errorf(clvec.InvalidArgument, "set-work-sizes", "local work size %d out of range [1, %d]", local, maxWG)
	}
	if global < local || global%local != 0 {
		return clvec.Errorf(clvec.InvalidArgument, "set-work-sizes",
			"global work size %d must be a positive multiple of the local work size %d", global, local)
	}
	c.globalWorkSize, c.localWorkSize = global, local
	return nil
}

// Queue returns the command queue, or nil if the Context was destroyed.
func (c *Context[T]) Queue() ocl.Queue {
	if !c.IsValid() {
		return nil
	}
	return c.wrapper.queue
}

// Program returns the compiled program, or nil if the Context was destroyed.
func (c *Context[T]) Program() ocl.Program {
	if !c.IsValid() {
		return nil
	}
	return c.wrapper.program
}

// DriverContext returns the driver context, or nil if the Context was destroyed.
func (c *Context[T]) DriverContext() ocl.Context {
	if !c.IsValid() {
		return nil
	}
	return c.wrapper.ctx
}

// String implements fmt.Stringer.
func (c *Context[T]) String() string {
	if !c.IsValid() {
		return fmt.Sprintf("compute.Context[%s](destroyed)", c.binding.DType)
	}
	return fmt.Sprintf("compute.Context[%s] on %s, work sizes (global=%d, local=%d), %d kernels",
		c.binding.DType, c.device, c.globalWorkSize, c.localWorkSize, len(c.names))
}
