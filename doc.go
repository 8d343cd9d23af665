// Package clvec holds the error surface shared by all clvec packages.
//
// clvec performs elementwise arithmetic on vectors by offloading the computation to an accelerator
// device through an OpenCL-like driver. The packages are layered leaf-first:
//
//   - dtypes: the closed set of supported precisions (half, single, double).
//   - ocl: the fixed driver interface, device enumeration and scoring, precision binding and device buffers.
//   - ocl/host: an in-process emulation driver; ocl/native: the libOpenCL driver (build tag "opencl").
//   - kernels: assembles device kernel sources from operator-generic templates.
//   - compute: builds a compute Context (compiled program, queue and dispatch geometry) for one precision.
//   - vec: vector and scalar containers, and the elementwise operations dispatched to the device.
//
// Example:
//
//	ctx, err := compute.Build[float32]("kernels/cl", false, false, 1)
//	if err != nil { ... }
//	a := vec.New(ctx, []float32{1, 2, 3, 4, 5})
//	b := vec.New(ctx, []float32{5, 4, 3, 2, 1})
//	sum, err := a.Add(b) // [6, 6, 6, 6, 6]
package clvec

// Version of the clvec module.
const Version = "v0.1.0"
