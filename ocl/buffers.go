package ocl

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is a tracked allocation of device memory holding a flat array of one dtype.
//
// Buffers are counted while alive (see BuffersAlive), and are released with Destroy, or automatically
// when garbage collected.
type Buffer struct {
	wrapper *memoryWrapper
	dtype   dtypes.DType
	length  int
}

// memoryWrapper holds the driver memory that requires clean up.
type memoryWrapper struct {
	mem Memory
}

func (wrapper *memoryWrapper) IsValid() bool {
	return wrapper != nil && wrapper.mem != nil
}

func (wrapper *memoryWrapper) Destroy() error {
	if !wrapper.IsValid() {
		// Already destroyed, no-op.
		return nil
	}
	err := wrapper.mem.Release()
	wrapper.mem = nil
	buffersAlive.Add(-1)
	return err
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of device buffers currently allocated and tracked by clvec.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// NewBuffer allocates a buffer for length elements of dtype in the driver context.
// Failures are reported as BufferAlloc errors at stage "buffer-build".
func NewBuffer(ctx Context, dtype dtypes.DType, length int) (*Buffer, error) {
	if !dtype.IsValid() {
		return nil, clvec.Errorf(clvec.UnsupportedType, "buffer-build", "invalid dtype %s", dtype)
	}
	if length <= 0 {
		return nil, clvec.Errorf(clvec.BufferAlloc, "buffer-build", "invalid buffer length %d", length)
	}
	mem, err := ctx.NewMemory(length * dtype.Size())
	if err != nil {
		return nil, clvec.Wrap(clvec.BufferAlloc, "buffer-build",
			errors.WithMessagef(err, "allocating %d elements of %s", length, dtype))
	}
	b := &Buffer{
		wrapper: &memoryWrapper{mem: mem},
		dtype:   dtype,
		length:  length,
	}
	buffersAlive.Add(1)
	runtime.AddCleanup(b, func(wrapper *memoryWrapper) {
		err := wrapper.Destroy()
		if err != nil {
			klog.Errorf("ocl.Buffer.Destroy failed: %v", err)
		}
	}, b.wrapper)
	return b, nil
}

// IsValid returns whether the buffer has not been destroyed yet.
func (b *Buffer) IsValid() bool {
	return b != nil && b.wrapper.IsValid()
}

// Destroy releases the device memory. It is a no-op if the buffer was already destroyed.
// This is automatically called if the Buffer is garbage collected.
func (b *Buffer) Destroy() error {
	if !b.IsValid() {
		return nil
	}
	return b.wrapper.Destroy()
}

// Memory returns the underlying driver memory, or nil if the buffer was destroyed.
func (b *Buffer) Memory() Memory {
	if !b.IsValid() {
		return nil
	}
	return b.wrapper.mem
}

// DType of the elements of the buffer.
func (b *Buffer) DType() dtypes.DType {
	return b.dtype
}

// Len returns the number of elements of the buffer.
func (b *Buffer) Len() int {
	return b.length
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if !b.IsValid() {
		return "Buffer(destroyed)"
	}
	return fmt.Sprintf("Buffer(%s[%d])", b.dtype, b.length)
}

// checkTransfer verifies the buffer can hold flatValues of type T.
func checkTransfer[T dtypes.Supported](stage string, b *Buffer, flatValues []T) error {
	if !b.IsValid() {
		return clvec.Errorf(clvec.Transfer, stage, "buffer already destroyed")
	}
	if dtype := dtypes.FromGenericsType[T](); dtype != b.dtype {
		var dummy T
		return clvec.Errorf(clvec.Transfer, stage, "transfer of %T values, but buffer has dtype %s", dummy, b.dtype)
	}
	if len(flatValues) > b.length {
		return clvec.Errorf(clvec.Transfer, stage, "transfer of %d values to a buffer of length %d",
			len(flatValues), b.length)
	}
	return nil
}

// WriteArray copies flatValues to the start of the buffer, blocking until the transfer completes.
// Failures are reported as Transfer errors at stage "write".
func WriteArray[T dtypes.Supported](queue Queue, b *Buffer, flatValues []T) error {
	if err := checkTransfer("write", b, flatValues); err != nil {
		return err
	}
	if len(flatValues) == 0 {
		return nil
	}
	err := queue.Write(b.wrapper.mem, dtypes.SliceToBytes(flatValues))
	return clvec.Wrap(clvec.Transfer, "write", err)
}

// ArrayToBuffer allocates a new buffer holding a copy of flatValues.
// If the transfer fails, the buffer is released before returning.
func ArrayToBuffer[T dtypes.Supported](ctx Context, queue Queue, flatValues []T) (*Buffer, error) {
	b, err := NewBuffer(ctx, dtypes.FromGenericsType[T](), len(flatValues))
	if err != nil {
		return nil, err
	}
	if err = WriteArray(queue, b, flatValues); err != nil {
		if errDestroy := b.Destroy(); errDestroy != nil {
			klog.Errorf("ocl.Buffer.Destroy failed: %v", errDestroy)
		}
		return nil, err
	}
	return b, nil
}

// ReadArray copies the first len(flatValues) elements of the buffer into flatValues, blocking until
// the transfer completes. Failures are reported as Transfer errors at stage "read".
func ReadArray[T dtypes.Supported](queue Queue, b *Buffer, flatValues []T) error {
	if err := checkTransfer("read", b, flatValues); err != nil {
		return err
	}
	if len(flatValues) == 0 {
		return nil
	}
	err := queue.Read(b.wrapper.mem, dtypes.SliceToBytes(flatValues))
	return clvec.Wrap(clvec.Transfer, "read", err)
}

// BufferToArray transfers the whole buffer to a new slice.
func BufferToArray[T dtypes.Supported](queue Queue, b *Buffer) ([]T, error) {
	if !b.IsValid() {
		return nil, clvec.Errorf(clvec.Transfer, "read", "buffer already destroyed")
	}
	flatValues := make([]T, b.length)
	if err := ReadArray(queue, b, flatValues); err != nil {
		return nil, err
	}
	return flatValues, nil
}
