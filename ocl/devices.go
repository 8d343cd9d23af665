package ocl

import (
	"fmt"

	"github.com/gomlx/clvec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceDescriptor identifies one device of a driver, and holds the attributes queried during enumeration.
// It is immutable once created.
type DeviceDescriptor struct {
	Platform Platform
	Device   Device
	Info     DeviceInfo

	// PlatformName of the platform the device belongs to.
	PlatformName string

	// PlatformIndex and DeviceIndex are the position of the device during enumeration.
	PlatformIndex, DeviceIndex int
}

// String implements fmt.Stringer.
func (d *DeviceDescriptor) String() string {
	return fmt.Sprintf("%s/%s (%s, platform #%d device #%d)", d.PlatformName, d.Info.Name, d.Info.Type,
		d.PlatformIndex, d.DeviceIndex)
}

// Score returns the heuristic used to rank devices:
// MaxComputeUnits * MaxClockFrequency * MaxWorkGroupSize, or 0 if the device is not available.
//
// It's a raw capability product, not a benchmark: it favors many slow compute units over a few fast ones.
func Score(info DeviceInfo) uint64 {
	if !info.Available || info.MaxComputeUnits <= 0 || info.MaxClockFrequency <= 0 || info.MaxWorkGroupSize <= 0 {
		return 0
	}
	return uint64(info.MaxComputeUnits) * uint64(info.MaxClockFrequency) * uint64(info.MaxWorkGroupSize)
}

// Score of the device, see Score.
func (d *DeviceDescriptor) Score() uint64 {
	return Score(d.Info)
}

// EnumerateDevices returns the descriptors of all devices of the given type in all platforms of the driver,
// in enumeration order.
//
// Any failure to enumerate platforms, devices or to query a device's info is returned as a NoDevice error.
func EnumerateDevices(driver Driver, deviceType DeviceType) ([]*DeviceDescriptor, error) {
	if driver == nil {
		return nil, clvec.Errorf(clvec.NoDevice, "enumerate", "nil driver")
	}
	platforms, err := driver.Platforms()
	if err != nil {
		return nil, clvec.Wrap(clvec.NoDevice, "enumerate", errors.WithMessagef(err, "listing platforms of driver %q", driver.Name()))
	}
	var descriptors []*DeviceDescriptor
	for platformIdx, platform := range platforms {
		devices, err := platform.Devices(deviceType)
		if err != nil {
			return nil, clvec.Wrap(clvec.NoDevice, "enumerate",
				errors.WithMessagef(err, "listing %s devices of platform %q", deviceType, platform.Name()))
		}
		for deviceIdx, device := range devices {
			info, err := device.Info()
			if err != nil {
				return nil, clvec.Wrap(clvec.NoDevice, "enumerate",
					errors.WithMessagef(err, "querying info of device #%d of platform %q", deviceIdx, platform.Name()))
			}
			descriptors = append(descriptors, &DeviceDescriptor{
				Platform:      platform,
				Device:        device,
				Info:          info,
				PlatformName:  platform.Name(),
				PlatformIndex: platformIdx,
				DeviceIndex:   deviceIdx,
			})
		}
	}
	return descriptors, nil
}

// SelectDevice enumerates the devices of the given type, and returns the one with the highest Score.
// Devices with score 0 (e.g. not available) are never selected, and ties are resolved in favor of the
// first one enumerated.
//
// It fails with a NoDevice error if no device qualifies, or if the enumeration fails. There are no retries.
func SelectDevice(driver Driver, deviceType DeviceType) (*DeviceDescriptor, error) {
	descriptors, err := EnumerateDevices(driver, deviceType)
	if err != nil {
		return nil, err
	}
	var (
		best      *DeviceDescriptor
		bestScore uint64
	)
	for _, d := range descriptors {
		score := d.Score()
		klog.V(2).Infof("device %s: score=%d", d, score)
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	if best == nil {
		return nil, clvec.Errorf(clvec.NoDevice, "select-device",
			"no available %s device found in driver %q (%d devices enumerated)", deviceType, driver.Name(), len(descriptors))
	}
	klog.V(1).Infof("picked device %s with score %d", best, bestScore)
	return best, nil
}
