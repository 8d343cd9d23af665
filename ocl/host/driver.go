// Package host implements an in-process ocl.Driver that emulates OpenCL devices on the host CPU.
//
// Its "compiler" runs the C preprocessor subset used by kernel sources (#define, #undef, #ifdef, #ifndef,
// #else, #endif, #include, #error and #pragma), finds the `__kernel void` entry points and binds each one to
// a Go implementation according to its signature and to the value of the OPERATOR and TYPE_T macros where
// it is defined. Kernels with no Go implementation compile with a warning, and fail when instantiated.
//
// Importing the package registers a driver named "host" with DefaultPlatforms:
//
//	import _ "github.com/gomlx/clvec/ocl/host"
//
// Tests can create drivers with arbitrary (mock) device lists with New.
package host

import (
	"sync/atomic"

	"github.com/gomlx/clvec/ocl"
	"github.com/pkg/errors"
)

// DriverName of the driver registered by this package.
const DriverName = "host"

func init() {
	ocl.RegisterDriver(New(DriverName, DefaultPlatforms()...))
}

// Driver implements ocl.Driver with emulated devices.
type Driver struct {
	name      string
	platforms []*platform
	stats     counters
}

// Assert Driver implements ocl.Driver.
var _ ocl.Driver = (*Driver)(nil)

// New creates a new host driver with the given platforms.
// The driver is not registered, pass it directly to where an ocl.Driver is needed, or register it with
// ocl.RegisterDriver.
func New(name string, platforms ...PlatformSpec) *Driver {
	d := &Driver{name: name}
	for _, spec := range platforms {
		p := &platform{driver: d, spec: spec}
		for _, devSpec := range spec.Devices {
			p.devices = append(p.devices, &device{driver: d, spec: devSpec})
		}
		d.platforms = append(d.platforms, p)
	}
	return d
}

// Name implements ocl.Driver.
func (d *Driver) Name() string {
	return d.name
}

// Platforms implements ocl.Driver.
func (d *Driver) Platforms() ([]ocl.Platform, error) {
	platforms := make([]ocl.Platform, 0, len(d.platforms))
	for _, p := range d.platforms {
		platforms = append(platforms, p)
	}
	return platforms, nil
}

// Stats returns a snapshot of the driver's resource counters.
func (d *Driver) Stats() Stats {
	return d.stats.snapshot()
}

// Stats of the resources created by a Driver.
type Stats struct {
	// BuffersAllocated is the total number of memory objects ever allocated, and BuffersAlive the number not
	// yet released.
	BuffersAllocated, BuffersAlive int64

	// ProgramsBuilt counts the successful program compilations.
	ProgramsBuilt int64

	// KernelsEnqueued counts kernel invocations.
	KernelsEnqueued int64

	// ContextsAlive is the number of driver contexts not yet released.
	ContextsAlive int64
}

type counters struct {
	buffersAllocated, buffersAlive, programsBuilt, kernelsEnqueued, contextsAlive atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		BuffersAllocated: c.buffersAllocated.Load(),
		BuffersAlive:     c.buffersAlive.Load(),
		ProgramsBuilt:    c.programsBuilt.Load(),
		KernelsEnqueued:  c.kernelsEnqueued.Load(),
		ContextsAlive:    c.contextsAlive.Load(),
	}
}

type platform struct {
	driver  *Driver
	spec    PlatformSpec
	devices []*device
}

// Name implements ocl.Platform.
func (p *platform) Name() string {
	return p.spec.Name
}

// Devices implements ocl.Platform.
func (p *platform) Devices(deviceType ocl.DeviceType) ([]ocl.Device, error) {
	if p.spec.Err != nil {
		return nil, errors.WithMessagef(p.spec.Err, "platform %q", p.spec.Name)
	}
	var devices []ocl.Device
	for _, dev := range p.devices {
		if dev.spec.Info.Type.Matches(deviceType) {
			devices = append(devices, dev)
		}
	}
	return devices, nil
}
