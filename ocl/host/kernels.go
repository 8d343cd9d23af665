package host

import (
	"unsafe"

	"github.com/cwbudde/algo-vecmath"
	"github.com/gomlx/clvec/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Operators with a host implementation.
var (
	binaryOps = map[string]bool{"+": true, "-": true, "*": true, "/": true}
	reduceOps = map[string]bool{"+": true, "*": true}
)

// capabilitiesSize is the number of bytes written by the capabilities kernel.
const capabilitiesSize = 10

// view returns the first n elements of data as a []T. data must hold at least n elements.
func view[T dtypes.Supported](data []byte, n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), n)
}

func opFloat32(op string) func(a, b float32) float32 {
	switch op {
	case "+":
		return func(a, b float32) float32 { return a + b }
	case "-":
		return func(a, b float32) float32 { return a - b }
	case "*":
		return func(a, b float32) float32 { return a * b }
	case "/":
		return func(a, b float32) float32 { return a / b }
	}
	return nil
}

func opFloat64(op string) func(a, b float64) float64 {
	switch op {
	case "+":
		return func(a, b float64) float64 { return a + b }
	case "-":
		return func(a, b float64) float64 { return a - b }
	case "*":
		return func(a, b float64) float64 { return a * b }
	case "/":
		return func(a, b float64) float64 { return a / b }
	}
	return nil
}

// opFloat16 computes in float32 and rounds the result to half: for the 4 basic operations float32 is wide
// enough for the result to be correctly rounded.
func opFloat16(op string) func(a, b float16.Float16) float16.Float16 {
	f := opFloat32(op)
	if f == nil {
		return nil
	}
	return func(a, b float16.Float16) float16.Float16 {
		return float16.Fromfloat32(f(a.Float32(), b.Float32()))
	}
}

// gridStride runs body for every index in [0, n), distributed over the global work-items the way the
// kernels' grid-stride loops do.
func gridStride(n, global int, body func(i int)) {
	for gid := 0; gid < global && gid < n; gid++ {
		for i := gid; i < n; i += global {
			body(i)
		}
	}
}

func binaryGrid[T dtypes.Supported](out, lhs, rhs []T, global int, op func(a, b T) T) {
	gridStride(len(out), global, func(i int) {
		out[i] = op(lhs[i], rhs[i])
	})
}

// runBinary implements kernels (rhs, rhs_len, lhs, lhs_len, out) computing out[i] = lhs[i] OPERATOR rhs[i].
func runBinary(k *kernel, ws workSizes) error {
	rhsLen, err := k.lenArg(1)
	if err != nil {
		return err
	}
	lhsLen, err := k.lenArg(3)
	if err != nil {
		return err
	}
	n := min(lhsLen, rhsLen)
	size := k.dtype.Size()
	var buffers [3][]byte
	for ii, argIdx := range []int{0, 2, 4} {
		if buffers[ii], err = k.memArg(argIdx, n*size); err != nil {
			return err
		}
	}
	rhs, lhs, out := buffers[0], buffers[1], buffers[2]
	op := k.def.Operator
	switch k.dtype {
	case dtypes.F16:
		binaryGrid(view[float16.Float16](out, n), view[float16.Float16](lhs, n), view[float16.Float16](rhs, n),
			ws.global, opFloat16(op))
	case dtypes.F32:
		binaryGrid(view[float32](out, n), view[float32](lhs, n), view[float32](rhs, n), ws.global, opFloat32(op))
	case dtypes.F64:
		outF, lhsF, rhsF := view[float64](out, n), view[float64](lhs, n), view[float64](rhs, n)
		switch op {
		case "+":
			vecmath.AddBlock(outF, lhsF, rhsF)
		case "*":
			vecmath.MulBlock(outF, lhsF, rhsF)
		default:
			binaryGrid(outF, lhsF, rhsF, ws.global, opFloat64(op))
		}
	default:
		return errors.Errorf("kernel %q: no host implementation for dtype %s", k.def.Name, k.dtype)
	}
	return nil
}

// reduceGroup folds data into data[0] using one work-group of size local: each work-item first folds
// the elements at a stride of local into its slot, then the slots are combined in a halving tree.
func reduceGroup[T dtypes.Supported](data []T, local int, op func(a, b T) T) {
	n := len(data)
	active := min(n, local)
	for lid := 0; lid < active; lid++ {
		acc := data[lid]
		for i := lid + local; i < n; i += local {
			acc = op(acc, data[i])
		}
		data[lid] = acc
	}
	for active > 1 {
		half := (active + 1) / 2
		for lid := 0; lid+half < active; lid++ {
			data[lid] = op(data[lid], data[lid+half])
		}
		active = half
	}
}

// runReduce implements kernels (data, len) folding data in place with OPERATOR, leaving the result in data[0].
func runReduce(k *kernel, ws workSizes) error {
	if ws.global != ws.local {
		return errors.Errorf("reduction kernel %q requires a single work-group, got global work size %d and local work size %d",
			k.def.Name, ws.global, ws.local)
	}
	n, err := k.lenArg(1)
	if err != nil {
		return err
	}
	data, err := k.memArg(0, n*k.dtype.Size())
	if err != nil {
		return err
	}
	op := k.def.Operator
	switch k.dtype {
	case dtypes.F16:
		reduceGroup(view[float16.Float16](data, n), ws.local, opFloat16(op))
	case dtypes.F32:
		reduceGroup(view[float32](data, n), ws.local, opFloat32(op))
	case dtypes.F64:
		reduceGroup(view[float64](data, n), ws.local, opFloat64(op))
	default:
		return errors.Errorf("kernel %q: no host implementation for dtype %s", k.def.Name, k.dtype)
	}
	return nil
}

// runCapabilities implements the kernel test_capabilities(out), which writes sizeof(TYPE_T) to each of the
// first 10 bytes of out.
func runCapabilities(k *kernel, ws workSizes) error {
	out, err := k.memArg(0, capabilitiesSize)
	if err != nil {
		return err
	}
	value := byte(k.dtype.Size())
	if k.program.ctx.device.spec.Faults.SelfTest {
		value++
	}
	gridStride(capabilitiesSize, ws.global, func(i int) {
		out[i] = value
	})
	return nil
}
