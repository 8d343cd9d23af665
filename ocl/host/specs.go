package host

import (
	"runtime"

	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/ocl"
	"golang.org/x/sys/cpu"
)

// PlatformSpec configures an emulated platform.
type PlatformSpec struct {
	Name    string
	Devices []DeviceSpec

	// Err, if set, is returned when listing the devices of the platform.
	Err error
}

// DeviceSpec configures an emulated device.
type DeviceSpec struct {
	Info ocl.DeviceInfo

	// FPConfigs reported per precision. A missing precision is reported as unsupported (zero FPConfig).
	FPConfigs map[dtypes.DType]dtypes.FPConfig

	// Faults to inject, for testing.
	Faults Faults
}

// Faults are errors injected by an emulated device in the corresponding operations, when not nil.
type Faults struct {
	Info, NewContext, NewQueue, NewMemory, Write, Read, Enqueue error

	// SelfTest makes the capabilities kernel write a wrong element size.
	SelfTest bool
}

// HostFPConfig returns the floating-point capabilities of the emulation: IEEE 754 arithmetic, with FMA
// reported if the host CPU supports it.
func HostFPConfig() dtypes.FPConfig {
	config := dtypes.IEEEDefault
	if hostHasFMA() {
		config |= dtypes.FPFMA
	}
	return config
}

func hostHasFMA() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasFMA
	case "arm64":
		return true
	}
	return false
}

// AllPrecisions returns an FPConfigs map with every precision set to config.
func AllPrecisions(config dtypes.FPConfig) map[dtypes.DType]dtypes.FPConfig {
	configs := make(map[dtypes.DType]dtypes.FPConfig, len(dtypes.All))
	for _, dtype := range dtypes.All {
		configs[dtype] = config
	}
	return configs
}

// DefaultPlatforms returns the platform registered by the package: one emulated GPU and one CPU device,
// both supporting all precisions.
func DefaultPlatforms() []PlatformSpec {
	numCPU := runtime.NumCPU()
	return []PlatformSpec{{
		Name: "clvec host emulation",
		Devices: []DeviceSpec{
			{
				Info: ocl.DeviceInfo{
					Name:              "emulated-gpu",
					Vendor:            "clvec",
					Type:              ocl.DeviceTypeGPU,
					MaxComputeUnits:   numCPU,
					MaxClockFrequency: 1000,
					MaxWorkGroupSize:  256,
					GlobalMemSize:     1 << 30,
					Available:         true,
				},
				FPConfigs: AllPrecisions(HostFPConfig()),
			},
			{
				Info: ocl.DeviceInfo{
					Name:              "emulated-cpu",
					Vendor:            "clvec",
					Type:              ocl.DeviceTypeCPU,
					MaxComputeUnits:   numCPU,
					MaxClockFrequency: 1000,
					MaxWorkGroupSize:  64,
					GlobalMemSize:     1 << 30,
					Available:         true,
				},
				FPConfigs: AllPrecisions(HostFPConfig()),
			},
		},
	}}
}
