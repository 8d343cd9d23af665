package host

import (
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/ocl"
	"github.com/pkg/errors"
)

type device struct {
	driver *Driver
	spec   DeviceSpec
}

// Info implements ocl.Device.
func (dev *device) Info() (ocl.DeviceInfo, error) {
	if dev.spec.Faults.Info != nil {
		return ocl.DeviceInfo{}, dev.spec.Faults.Info
	}
	return dev.spec.Info, nil
}

// FPConfig implements ocl.Device.
func (dev *device) FPConfig(dtype dtypes.DType) (dtypes.FPConfig, error) {
	if !dtype.IsValid() {
		return 0, errors.Errorf("invalid dtype %s", dtype)
	}
	return dev.spec.FPConfigs[dtype], nil
}

// NewContext implements ocl.Device.
func (dev *device) NewContext() (ocl.Context, error) {
	if dev.spec.Faults.NewContext != nil {
		return nil, dev.spec.Faults.NewContext
	}
	dev.driver.stats.contextsAlive.Add(1)
	return &context{device: dev}, nil
}

type context struct {
	device   *device
	released atomic.Bool
}

func (ctx *context) check() error {
	if ctx.released.Load() {
		return errors.New("context already released")
	}
	return nil
}

// Release implements ocl.Context.
func (ctx *context) Release() error {
	if ctx.released.Swap(true) {
		return errors.New("context released twice")
	}
	ctx.device.driver.stats.contextsAlive.Add(-1)
	return nil
}

// NewQueue implements ocl.Context.
func (ctx *context) NewQueue() (ocl.Queue, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	if ctx.device.spec.Faults.NewQueue != nil {
		return nil, ctx.device.spec.Faults.NewQueue
	}
	return &queue{ctx: ctx}, nil
}

// NewMemory implements ocl.Context.
func (ctx *context) NewMemory(sizeBytes int) (ocl.Memory, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	if ctx.device.spec.Faults.NewMemory != nil {
		return nil, ctx.device.spec.Faults.NewMemory
	}
	if sizeBytes <= 0 {
		return nil, errors.Errorf("invalid buffer size %d", sizeBytes)
	}
	if limit := ctx.device.spec.Info.GlobalMemSize; limit > 0 && uint64(sizeBytes) > limit {
		return nil, errors.Errorf("buffer of %d bytes exceeds device global memory of %d bytes", sizeBytes, limit)
	}
	stats := &ctx.device.driver.stats
	stats.buffersAllocated.Add(1)
	stats.buffersAlive.Add(1)
	// Backed by uint64 so the data is aligned for any element type.
	backing := make([]uint64, (sizeBytes+7)/8)
	return &memory{
		ctx:  ctx,
		data: unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(backing))), sizeBytes),
	}, nil
}

type memory struct {
	ctx      *context
	data     []byte
	released atomic.Bool
}

// Size implements ocl.Memory.
func (m *memory) Size() int {
	return len(m.data)
}

// Release implements ocl.Memory.
func (m *memory) Release() error {
	if m.released.Swap(true) {
		return errors.New("memory released twice")
	}
	m.ctx.device.driver.stats.buffersAlive.Add(-1)
	return nil
}

// toMemory converts an ocl.Memory created by a context of the same device.
func (ctx *context) toMemory(mem ocl.Memory) (*memory, error) {
	m, ok := mem.(*memory)
	if !ok {
		return nil, errors.Errorf("memory object of type %T was not created by the host driver", mem)
	}
	if m.ctx.device != ctx.device {
		return nil, errors.New("memory object belongs to a different device")
	}
	if m.released.Load() {
		return nil, errors.New("memory object already released")
	}
	return m, nil
}

type queue struct {
	ctx      *context
	released atomic.Bool
}

func (q *queue) check() error {
	if q.released.Load() {
		return errors.New("queue already released")
	}
	return q.ctx.check()
}

// Write implements ocl.Queue.
func (q *queue) Write(mem ocl.Memory, src []byte) error {
	if err := q.check(); err != nil {
		return err
	}
	if q.ctx.device.spec.Faults.Write != nil {
		return q.ctx.device.spec.Faults.Write
	}
	m, err := q.ctx.toMemory(mem)
	if err != nil {
		return err
	}
	if len(src) > len(m.data) {
		return errors.Errorf("writing %d bytes to a buffer of %d bytes", len(src), len(m.data))
	}
	copy(m.data, src)
	return nil
}

// Read implements ocl.Queue.
func (q *queue) Read(mem ocl.Memory, dst []byte) error {
	if err := q.check(); err != nil {
		return err
	}
	if q.ctx.device.spec.Faults.Read != nil {
		return q.ctx.device.spec.Faults.Read
	}
	m, err := q.ctx.toMemory(mem)
	if err != nil {
		return err
	}
	if len(dst) > len(m.data) {
		return errors.Errorf("reading %d bytes from a buffer of %d bytes", len(dst), len(m.data))
	}
	copy(dst, m.data)
	return nil
}

// Enqueue implements ocl.Queue. The kernel runs synchronously.
func (q *queue) Enqueue(k ocl.Kernel, globalWorkSize, localWorkSize int) error {
	if err := q.check(); err != nil {
		return err
	}
	if q.ctx.device.spec.Faults.Enqueue != nil {
		return q.ctx.device.spec.Faults.Enqueue
	}
	hk, ok := k.(*kernel)
	if !ok {
		return errors.Errorf("kernel of type %T was not created by the host driver", k)
	}
	if hk.program.ctx != q.ctx {
		return errors.Errorf("kernel %q belongs to a different context", hk.def.Name)
	}
	maxWG := q.ctx.device.spec.Info.MaxWorkGroupSize
	if localWorkSize < 1 || localWorkSize > maxWG {
		return errors.Errorf("invalid local work size %d for kernel %q: device supports 1 to %d",
			localWorkSize, hk.def.Name, maxWG)
	}
	if globalWorkSize < 1 || globalWorkSize%localWorkSize != 0 {
		return errors.Errorf("invalid global work size %d for kernel %q: must be a positive multiple of the local work size %d",
			globalWorkSize, hk.def.Name, localWorkSize)
	}
	q.ctx.device.driver.stats.kernelsEnqueued.Add(1)
	return hk.run(hk, workSizes{global: globalWorkSize, local: localWorkSize})
}

// Finish implements ocl.Queue. Commands are executed synchronously, so there is nothing to wait for.
func (q *queue) Finish() error {
	return q.check()
}

// Release implements ocl.Queue.
func (q *queue) Release() error {
	if q.released.Swap(true) {
		return errors.New("queue released twice")
	}
	return nil
}
