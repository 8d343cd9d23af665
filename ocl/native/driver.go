//go:build opencl

package native

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>
*/
import "C"
import (
	"strings"
	"unsafe"

	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/ocl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Constants defined in cl_ext.h by some SDKs only.
const (
	deviceHalfFPConfig  = 0x1033 // CL_DEVICE_HALF_FP_CONFIG
	platformNotFoundKHR = -1001  // CL_PLATFORM_NOT_FOUND_KHR, returned by the ICD loader.
)

func init() {
	ocl.RegisterDriver(&Driver{})
}

// Driver implements ocl.Driver with the system's OpenCL library.
type Driver struct{}

// Name implements ocl.Driver.
func (d *Driver) Name() string {
	return DriverName
}

// Platforms implements ocl.Driver.
func (d *Driver) Platforms() ([]ocl.Platform, error) {
	var count C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &count)
	if status == platformNotFoundKHR {
		return nil, nil
	}
	if err := toError("clGetPlatformIDs", status); err != nil || count == 0 {
		return nil, err
	}
	ids := make([]C.cl_platform_id, count)
	if err := toError("clGetPlatformIDs", C.clGetPlatformIDs(count, &ids[0], nil)); err != nil {
		return nil, err
	}
	platforms := make([]ocl.Platform, 0, count)
	for _, id := range ids {
		platforms = append(platforms, &platform{id: id})
	}
	return platforms, nil
}

type platform struct {
	id C.cl_platform_id
}

// Name implements ocl.Platform.
func (p *platform) Name() string {
	var size C.size_t
	if C.clGetPlatformInfo(p.id, C.CL_PLATFORM_NAME, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return "<unknown>"
	}
	buf := make([]byte, size)
	if C.clGetPlatformInfo(p.id, C.CL_PLATFORM_NAME, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return "<unknown>"
	}
	return strings.TrimRight(string(buf), "\x00")
}

var deviceTypes = map[ocl.DeviceType]C.cl_device_type{
	ocl.DeviceTypeGPU:         C.CL_DEVICE_TYPE_GPU,
	ocl.DeviceTypeCPU:         C.CL_DEVICE_TYPE_CPU,
	ocl.DeviceTypeAccelerator: C.CL_DEVICE_TYPE_ACCELERATOR,
	ocl.DeviceTypeAll:         C.CL_DEVICE_TYPE_ALL,
}

// Devices implements ocl.Platform.
func (p *platform) Devices(deviceType ocl.DeviceType) ([]ocl.Device, error) {
	clType, found := deviceTypes[deviceType]
	if !found {
		return nil, errors.Errorf("invalid device type %s", deviceType)
	}
	var count C.cl_uint
	status := C.clGetDeviceIDs(p.id, clType, 0, nil, &count)
	if status == C.CL_DEVICE_NOT_FOUND {
		return nil, nil
	}
	if err := toError("clGetDeviceIDs", status); err != nil || count == 0 {
		return nil, err
	}
	ids := make([]C.cl_device_id, count)
	if err := toError("clGetDeviceIDs", C.clGetDeviceIDs(p.id, clType, count, &ids[0], nil)); err != nil {
		return nil, err
	}
	devices := make([]ocl.Device, 0, count)
	for _, id := range ids {
		devices = append(devices, &device{id: id})
	}
	return devices, nil
}

type device struct {
	id C.cl_device_id
}

func (dev *device) infoString(param C.cl_device_info) (string, error) {
	var size C.size_t
	if err := toError("clGetDeviceInfo", C.clGetDeviceInfo(dev.id, param, 0, nil, &size)); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if err := toError("clGetDeviceInfo", C.clGetDeviceInfo(dev.id, param, size, unsafe.Pointer(&buf[0]), nil)); err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

// infoValue queries a fixed size attribute into value.
func infoValue[T any](dev *device, param C.cl_device_info, value *T) error {
	return toError("clGetDeviceInfo",
		C.clGetDeviceInfo(dev.id, param, C.size_t(unsafe.Sizeof(*value)), unsafe.Pointer(value), nil))
}

// Info implements ocl.Device.
func (dev *device) Info() (info ocl.DeviceInfo, err error) {
	if info.Name, err = dev.infoString(C.CL_DEVICE_NAME); err != nil {
		return
	}
	if info.Vendor, err = dev.infoString(C.CL_DEVICE_VENDOR); err != nil {
		return
	}
	var (
		clType                         C.cl_device_type
		computeUnits, clock, available C.cl_uint
		workGroup                      C.size_t
		globalMem                      C.cl_ulong
	)
	for _, query := range []error{
		infoValue(dev, C.CL_DEVICE_TYPE, &clType),
		infoValue(dev, C.CL_DEVICE_MAX_COMPUTE_UNITS, &computeUnits),
		infoValue(dev, C.CL_DEVICE_MAX_CLOCK_FREQUENCY, &clock),
		infoValue(dev, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, &workGroup),
		infoValue(dev, C.CL_DEVICE_GLOBAL_MEM_SIZE, &globalMem),
		infoValue(dev, C.CL_DEVICE_AVAILABLE, &available),
	} {
		if query != nil {
			err = errors.WithMessagef(query, "device %q", info.Name)
			return
		}
	}
	switch {
	case clType&C.CL_DEVICE_TYPE_GPU != 0:
		info.Type = ocl.DeviceTypeGPU
	case clType&C.CL_DEVICE_TYPE_CPU != 0:
		info.Type = ocl.DeviceTypeCPU
	default:
		info.Type = ocl.DeviceTypeAccelerator
	}
	info.MaxComputeUnits = int(computeUnits)
	info.MaxClockFrequency = int(clock)
	info.MaxWorkGroupSize = int(workGroup)
	info.GlobalMemSize = uint64(globalMem)
	info.Available = available != 0
	return
}

// FPConfig implements ocl.Device.
// The cl_device_fp_config bits match dtypes.FPConfig.
func (dev *device) FPConfig(dtype dtypes.DType) (dtypes.FPConfig, error) {
	var param C.cl_device_info
	switch dtype {
	case dtypes.F16:
		param = deviceHalfFPConfig
	case dtypes.F32:
		param = C.CL_DEVICE_SINGLE_FP_CONFIG
	case dtypes.F64:
		param = C.CL_DEVICE_DOUBLE_FP_CONFIG
	default:
		return 0, errors.Errorf("invalid dtype %s", dtype)
	}
	var config C.cl_device_fp_config
	status := C.clGetDeviceInfo(dev.id, param, C.size_t(unsafe.Sizeof(config)), unsafe.Pointer(&config), nil)
	if status == C.CL_INVALID_VALUE {
		// Older implementations don't know about the attribute when the precision is not supported.
		return 0, nil
	}
	if err := toError("clGetDeviceInfo", status); err != nil {
		return 0, err
	}
	return dtypes.FPConfig(config), nil
}

// NewContext implements ocl.Device.
func (dev *device) NewContext() (ocl.Context, error) {
	var status C.cl_int
	c := C.clCreateContext(nil, 1, &dev.id, nil, nil, &status)
	if err := toError("clCreateContext", status); err != nil {
		return nil, err
	}
	return &context{c: c, device: dev}, nil
}

type context struct {
	c      C.cl_context
	device *device
}

// Release implements ocl.Context.
func (ctx *context) Release() error {
	return toError("clReleaseContext", C.clReleaseContext(ctx.c))
}

// NewQueue implements ocl.Context.
func (ctx *context) NewQueue() (ocl.Queue, error) {
	var status C.cl_int
	q := C.clCreateCommandQueue(ctx.c, ctx.device.id, 0, &status)
	if err := toError("clCreateCommandQueue", status); err != nil {
		return nil, err
	}
	return &queue{c: q}, nil
}

// NewMemory implements ocl.Context.
func (ctx *context) NewMemory(sizeBytes int) (ocl.Memory, error) {
	var status C.cl_int
	mem := C.clCreateBuffer(ctx.c, C.CL_MEM_READ_WRITE, C.size_t(sizeBytes), nil, &status)
	if err := toError("clCreateBuffer", status); err != nil {
		return nil, err
	}
	return &memory{c: mem, size: sizeBytes}, nil
}

// NewProgram implements ocl.Context.
func (ctx *context) NewProgram(sources []string, options ocl.BuildOptions) (ocl.Program, error) {
	if len(sources) == 0 {
		return nil, errors.New("no sources given to build program")
	}
	cSources := make([]*C.char, len(sources))
	for ii, source := range sources {
		cSources[ii] = C.CString(source)
	}
	defer func() {
		for _, cSource := range cSources {
			C.free(unsafe.Pointer(cSource))
		}
	}()
	var status C.cl_int
	p := C.clCreateProgramWithSource(ctx.c, C.cl_uint(len(sources)), &cSources[0], nil, &status)
	if err := toError("clCreateProgramWithSource", status); err != nil {
		return nil, err
	}

	var flags []string
	for _, dir := range options.IncludeDirs {
		flags = append(flags, "-I", dir)
	}
	flags = append(flags, options.CompilerOptions...)
	cOptions := C.CString(strings.Join(flags, " "))
	defer C.free(unsafe.Pointer(cOptions))
	status = C.clBuildProgram(p, 1, &ctx.device.id, cOptions, nil, nil)
	buildLog := ctx.buildLog(p)
	if err := toError("clBuildProgram", status); err != nil {
		if errRelease := toError("clReleaseProgram", C.clReleaseProgram(p)); errRelease != nil {
			klog.Errorf("failed to release program after build failure: %v", errRelease)
		}
		return nil, errors.WithMessagef(err, "build log:\n%s", buildLog)
	}
	if buildLog != "" {
		klog.V(1).Infof("OpenCL build log:\n%s", buildLog)
	}
	return &program{c: p}, nil
}

func (ctx *context) buildLog(p C.cl_program) string {
	var size C.size_t
	if C.clGetProgramBuildInfo(p, ctx.device.id, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size <= 1 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetProgramBuildInfo(p, ctx.device.id, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(string(buf), "\x00"))
}

type program struct {
	c C.cl_program
}

// KernelNames implements ocl.Program.
func (p *program) KernelNames() []string {
	var size C.size_t
	if C.clGetProgramInfo(p.c, C.CL_PROGRAM_KERNEL_NAMES, 0, nil, &size) != C.CL_SUCCESS || size <= 1 {
		return nil
	}
	buf := make([]byte, size)
	if C.clGetProgramInfo(p.c, C.CL_PROGRAM_KERNEL_NAMES, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return nil
	}
	return strings.Split(strings.TrimRight(string(buf), "\x00"), ";")
}

// NewKernel implements ocl.Program.
func (p *program) NewKernel(name string) (ocl.Kernel, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	var status C.cl_int
	k := C.clCreateKernel(p.c, cName, &status)
	if err := toError("clCreateKernel", status); err != nil {
		return nil, errors.WithMessagef(err, "kernel %q", name)
	}
	return &kernel{c: k, name: name}, nil
}

// Release implements ocl.Program.
func (p *program) Release() error {
	return toError("clReleaseProgram", C.clReleaseProgram(p.c))
}

type kernel struct {
	c    C.cl_kernel
	name string
}

// Name implements ocl.Kernel.
func (k *kernel) Name() string {
	return k.name
}

// setArg sets a fixed size kernel argument.
func setArg[T any](k *kernel, index int, value T) error {
	return toError("clSetKernelArg",
		C.clSetKernelArg(k.c, C.cl_uint(index), C.size_t(unsafe.Sizeof(value)), unsafe.Pointer(&value)))
}

// SetArg implements ocl.Kernel.
func (k *kernel) SetArg(index int, value any) error {
	var err error
	switch v := value.(type) {
	case *memory:
		err = setArg(k, index, v.c)
	case uint64:
		err = setArg(k, index, C.cl_ulong(v))
	case uint32:
		err = setArg(k, index, C.cl_uint(v))
	case float32:
		err = setArg(k, index, C.cl_float(v))
	case float64:
		err = setArg(k, index, C.cl_double(v))
	default:
		return errors.Errorf("unsupported value of type %T for argument #%d of kernel %q", value, index, k.name)
	}
	return errors.WithMessagef(err, "argument #%d of kernel %q", index, k.name)
}

// Release implements ocl.Kernel.
func (k *kernel) Release() error {
	return toError("clReleaseKernel", C.clReleaseKernel(k.c))
}

type memory struct {
	c    C.cl_mem
	size int
}

// Size implements ocl.Memory.
func (m *memory) Size() int {
	return m.size
}

// Release implements ocl.Memory.
func (m *memory) Release() error {
	return toError("clReleaseMemObject", C.clReleaseMemObject(m.c))
}

type queue struct {
	c C.cl_command_queue
}

func toMemory(mem ocl.Memory) (*memory, error) {
	m, ok := mem.(*memory)
	if !ok {
		return nil, errors.Errorf("memory object of type %T was not created by the OpenCL driver", mem)
	}
	return m, nil
}

// Write implements ocl.Queue.
func (q *queue) Write(mem ocl.Memory, src []byte) error {
	m, err := toMemory(mem)
	if err != nil || len(src) == 0 {
		return err
	}
	return toError("clEnqueueWriteBuffer", C.clEnqueueWriteBuffer(q.c, m.c, C.CL_TRUE, 0, C.size_t(len(src)),
		unsafe.Pointer(&src[0]), 0, nil, nil))
}

// Read implements ocl.Queue.
func (q *queue) Read(mem ocl.Memory, dst []byte) error {
	m, err := toMemory(mem)
	if err != nil || len(dst) == 0 {
		return err
	}
	return toError("clEnqueueReadBuffer", C.clEnqueueReadBuffer(q.c, m.c, C.CL_TRUE, 0, C.size_t(len(dst)),
		unsafe.Pointer(&dst[0]), 0, nil, nil))
}

// Enqueue implements ocl.Queue.
func (q *queue) Enqueue(k ocl.Kernel, globalWorkSize, localWorkSize int) error {
	nk, ok := k.(*kernel)
	if !ok {
		return errors.Errorf("kernel of type %T was not created by the OpenCL driver", k)
	}
	global, local := C.size_t(globalWorkSize), C.size_t(localWorkSize)
	return toError("clEnqueueNDRangeKernel", C.clEnqueueNDRangeKernel(q.c, nk.c, 1, nil, &global, &local, 0, nil, nil))
}

// Finish implements ocl.Queue.
func (q *queue) Finish() error {
	return toError("clFinish", C.clFinish(q.c))
}

// Release implements ocl.Queue.
func (q *queue) Release() error {
	return toError("clReleaseCommandQueue", C.clReleaseCommandQueue(q.c))
}
