// Package native implements an ocl.Driver on top of the system's OpenCL library (libOpenCL), with cgo.
//
// The driver is only compiled with the build tag "opencl", since it requires the OpenCL headers and
// library to be installed:
//
//	go build -tags opencl ./...
//
// Importing the package registers a driver named "opencl", which ocl.DefaultDriver prefers over the
// host emulation:
//
//	import _ "github.com/gomlx/clvec/ocl/native"
//
// Without the build tag, importing the package is a no-op.
package native

// DriverName of the driver registered by this package.
const DriverName = "opencl"
