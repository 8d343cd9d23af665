// Package ocl defines the fixed interface clvec uses to talk to an OpenCL-like compute runtime (a Driver),
// and builds on it device enumeration and selection, precision binding and tracked device buffers.
//
// Drivers register themselves with RegisterDriver, usually from an init function, so one only needs to
// import the driver package:
//
//	import _ "github.com/gomlx/clvec/ocl/host"   // In-process emulation, always available.
//	import _ "github.com/gomlx/clvec/ocl/native" // libOpenCL, requires the build tag "opencl".
//
// The interfaces mirror the OpenCL object model: a Driver exposes Platforms, each with Devices; a Device
// creates a Context, which owns Queues, Programs and Memory objects; a Program holds Kernels.
// Implementations must be safe to use from one goroutine at a time per Queue.
package ocl

import (
	"fmt"

	"github.com/gomlx/clvec/dtypes"
)

// DeviceType selects which kind of devices to enumerate.
type DeviceType int

const (
	DeviceTypeGPU DeviceType = iota
	DeviceTypeCPU
	DeviceTypeAccelerator
	DeviceTypeAll
)

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	switch t {
	case DeviceTypeGPU:
		return "GPU"
	case DeviceTypeCPU:
		return "CPU"
	case DeviceTypeAccelerator:
		return "Accelerator"
	case DeviceTypeAll:
		return "All"
	}
	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// Matches returns whether a device of type t is selected by the filter.
func (t DeviceType) Matches(filter DeviceType) bool {
	return filter == DeviceTypeAll || t == filter
}

// Driver is the entry point of a compute runtime.
type Driver interface {
	// Name of the driver, used to register it.
	Name() string

	// Platforms available to the driver.
	Platforms() ([]Platform, error)
}

// Platform groups the devices of one vendor implementation.
type Platform interface {
	// Name of the platform.
	Name() string

	// Devices of the given type. It returns an empty list (and no error) if there are none.
	Devices(deviceType DeviceType) ([]Device, error)
}

// DeviceInfo holds the capability attributes of a device.
type DeviceInfo struct {
	Name, Vendor string
	Type         DeviceType

	// MaxComputeUnits is the number of parallel compute units.
	MaxComputeUnits int

	// MaxClockFrequency in MHz.
	MaxClockFrequency int

	// MaxWorkGroupSize is the maximum number of work-items in a work-group.
	MaxWorkGroupSize int

	// GlobalMemSize in bytes.
	GlobalMemSize uint64

	// Available is false if the device is present but can't be used.
	Available bool
}

// Device is a compute device.
type Device interface {
	// Info queries the capability attributes of the device.
	Info() (DeviceInfo, error)

	// FPConfig returns the floating-point capabilities of the device for the given precision.
	// A zero FPConfig means the precision is not supported.
	FPConfig(dtype dtypes.DType) (dtypes.FPConfig, error)

	// NewContext creates a new driver context for this device.
	NewContext() (Context, error)
}

// BuildOptions configure the compilation of a Program.
type BuildOptions struct {
	// IncludeDirs searched by "#include" directives.
	IncludeDirs []string

	// CompilerOptions passed as is to the device compiler, e.g. "-cl-finite-math-only".
	CompilerOptions []string
}

// Context owns the resources created for one device.
type Context interface {
	// NewQueue creates a command queue for the context's device.
	NewQueue() (Queue, error)

	// NewProgram compiles the sources, concatenated in order as one compilation unit, into a program.
	// Compilation failures return an error that includes the compiler log.
	NewProgram(sources []string, options BuildOptions) (Program, error)

	// NewMemory allocates sizeBytes of device memory.
	NewMemory(sizeBytes int) (Memory, error)

	// Release the context. Objects created from it must be released before.
	Release() error
}

// Queue is an in-order command queue. All transfers are blocking.
type Queue interface {
	// Write copies src to the start of mem, and waits for the transfer to complete.
	Write(mem Memory, src []byte) error

	// Read copies len(dst) bytes from the start of mem to dst, and waits for the transfer to complete.
	Read(mem Memory, dst []byte) error

	// Enqueue a one-dimensional invocation of the kernel with the given global and local work sizes.
	Enqueue(kernel Kernel, globalWorkSize, localWorkSize int) error

	// Finish blocks until all enqueued commands completed.
	Finish() error

	// Release the queue.
	Release() error
}

// Program is a compiled set of kernels.
type Program interface {
	// KernelNames lists the kernels defined in the program.
	KernelNames() []string

	// NewKernel creates a kernel object for the kernel with the given name.
	NewKernel(name string) (Kernel, error)

	// Release the program.
	Release() error
}

// Kernel is one kernel entry point of a Program, with its arguments.
type Kernel interface {
	// Name of the kernel.
	Name() string

	// SetArg sets the argument at index. Supported values are Memory, uint64, uint32, float32 and float64.
	SetArg(index int, value any) error

	// Release the kernel.
	Release() error
}

// Memory is an allocation of device memory.
type Memory interface {
	// Size in bytes.
	Size() int

	// Release the memory.
	Release() error
}
