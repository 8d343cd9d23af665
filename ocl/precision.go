package ocl

import (
	"fmt"

	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/dtypes"
	"k8s.io/klog/v2"
)

// Binding is the association of a precision to a device that supports it.
type Binding struct {
	DType dtypes.DType

	// FPConfig reported by the device for DType. It is never zero.
	FPConfig dtypes.FPConfig
}

// String implements fmt.Stringer.
func (b Binding) String() string {
	return fmt.Sprintf("%s (%s): %s", b.DType, b.DType.CTypeName(), b.FPConfig)
}

// Bind the precision of the Go type T to the device. See BindDType.
func Bind[T dtypes.Supported](device Device) (Binding, error) {
	return BindDType(device, dtypes.FromGenericsType[T]())
}

// BindDType queries the floating-point capabilities of the device for dtype.
//
// It fails with an UnsupportedType error if dtype is not valid, if the device reports no capability for it,
// or if the query fails.
func BindDType(device Device, dtype dtypes.DType) (Binding, error) {
	if !dtype.IsValid() {
		return Binding{}, clvec.Errorf(clvec.UnsupportedType, "bind-precision", "invalid dtype %s", dtype)
	}
	if device == nil {
		return Binding{}, clvec.Errorf(clvec.UnsupportedType, "bind-precision", "nil device")
	}
	config, err := device.FPConfig(dtype)
	if err != nil {
		return Binding{}, clvec.Wrap(clvec.UnsupportedType, "bind-precision", err)
	}
	if !config.IsSupported() {
		return Binding{}, clvec.Errorf(clvec.UnsupportedType, "bind-precision",
			"device doesn't support %s (%s) precision", dtype, dtype.CTypeName())
	}
	b := Binding{DType: dtype, FPConfig: config}
	klog.V(1).Infof("bound precision %s", b)
	if !config.Has(dtypes.FPRoundToNearest) {
		klog.V(1).Infof("device rounding mode for %s is not round-to-nearest: results may differ from the host", dtype)
	}
	return b, nil
}
