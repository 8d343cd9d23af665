package compute

import (
	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/kernels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// capabilitiesSize is the number of bytes written by the capabilities kernel.
const capabilitiesSize = 10

// SelfTest runs the kernel test_capabilities, which writes the size of the element type to each byte of a
// 10 bytes buffer, and checks the result matches the size of T.
//
// It's run by Config.Done unless disabled with Config.WithSelfTest(false). Failures are SelfTest errors.
func (c *Context[T]) SelfTest() (err error) {
	if !c.IsValid() {
		return clvec.Errorf(clvec.NoContext, "self-test", "compute context already destroyed")
	}
	wrap := func(err error) error {
		return clvec.Wrap(clvec.SelfTest, "self-test", err)
	}
	mem, err := c.wrapper.ctx.NewMemory(capabilitiesSize)
	if err != nil {
		return wrap(errors.WithMessage(err, "allocating capabilities buffer"))
	}
	defer func() {
		if errRelease := mem.Release(); errRelease != nil {
			klog.Errorf("failed to release capabilities buffer: %v", errRelease)
		}
	}()
	queue := c.wrapper.queue
	if err = queue.Write(mem, make([]byte, capabilitiesSize)); err != nil {
		return wrap(errors.WithMessage(err, "clearing capabilities buffer"))
	}
	k, err := c.wrapper.program.NewKernel(kernels.KernelTestCapabilities)
	if err != nil {
		return wrap(err)
	}
	defer func() {
		if errRelease := k.Release(); errRelease != nil {
			klog.Errorf("failed to release kernel %q: %v", kernels.KernelTestCapabilities, errRelease)
		}
	}()
	if err = k.SetArg(0, mem); err != nil {
		return wrap(err)
	}
	if err = queue.Enqueue(k, c.globalWorkSize, c.localWorkSize); err != nil {
		return wrap(err)
	}
	if err = queue.Finish(); err != nil {
		return wrap(err)
	}
	got := make([]byte, capabilitiesSize)
	if err = queue.Read(mem, got); err != nil {
		return wrap(errors.WithMessage(err, "reading capabilities buffer"))
	}
	want := byte(c.binding.DType.Size())
	for ii, value := range got {
		if value != want {
			return clvec.Errorf(clvec.SelfTest, "self-test",
				"capabilities kernel wrote %d at position %d, expected the size of %s (%d bytes): the device "+
					"doesn't agree on the element type", value, ii, c.binding.DType, want)
		}
	}
	klog.V(1).Infof("self-test passed for %s on %s", c.binding.DType, c.device)
	return nil
}
