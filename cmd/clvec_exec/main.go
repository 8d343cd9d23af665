// clvec_exec builds a compute context and runs one vector operation on it, checking the result against
// the same computation done on the host.
//
// Example:
//
//	clvec_exec -dtype=f32 -op=add -lhs=1,2,3,4,5 -rhs=5,4,3,2,1
//
// With -all it instead builds one context per precision, concurrently, and runs a smoke test on each.
package main

import (
	"flag"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/clvec/compute"
	"github.com/gomlx/clvec/dtypes"
	_ "github.com/gomlx/clvec/ocl/host"
	_ "github.com/gomlx/clvec/ocl/native"
	"github.com/gomlx/clvec/vec"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagDriver      = flag.String("driver", "", "Driver to use. If empty, $CLVEC_DRIVER or the best registered one.")
	flagDType       = flag.String("dtype", "f32", "Precision of the elements: f16, f32 or f64.")
	flagOp          = flag.String("op", "add", "Operation: add, sub, mul, div, sum or product.")
	flagLHS         = flag.String("lhs", "1,2,3,4,5", "Comma-separated values of the left operand.")
	flagRHS         = flag.String("rhs", "5,4,3,2,1", "Comma-separated values of the right operand (not used by sum and product).")
	flagKernelDir   = flag.String("kernels", "", "Directory with the kernel files. If empty, $CLVEC_KERNEL_DIR or the embedded kernels.")
	flagFastMath    = flag.Bool("fastmath", false, "Compile the kernels with the fast-math options.")
	flagDebug       = flag.Bool("debug", false, "Define the DEBUG macro when compiling the kernels.")
	flagConcurrency = flag.Int("concurrency", 1, "Number of independent streams expected to share the device.")
	flagAll         = flag.Bool("all", false, "Build a context for each precision concurrently and run a smoke test on each.")
)

func newContext[T dtypes.Supported]() (*compute.Context[T], error) {
	return compute.New[T]().
		WithDriverName(*flagDriver).
		WithKernelDir(*flagKernelDir).
		WithFastMath(*flagFastMath).
		WithDebug(*flagDebug).
		WithConcurrency(*flagConcurrency).
		Done()
}

func parseValues[T dtypes.Supported](text string) ([]T, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	fields := strings.Split(text, ",")
	values := make([]T, len(fields))
	for ii, field := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing value #%d %q", ii, field)
		}
		values[ii] = dtypes.FromFloat64[T](v)
	}
	return values, nil
}

var hostOps = map[string]func(a, b float64) float64{
	"add": func(a, b float64) float64 { return a + b },
	"sub": func(a, b float64) float64 { return a - b },
	"mul": func(a, b float64) float64 { return a * b },
	"div": func(a, b float64) float64 { return a / b },
}

// checkElementwise compares the device result with the host computation, correctly rounded to T.
// Division mismatches are only logged when the device doesn't report correctly rounded division.
func checkElementwise[T dtypes.Supported](ctx *compute.Context[T], op string, lhs, rhs, got []T) error {
	hostOp := hostOps[op]
	var mismatches int
	for ii := range got {
		want := dtypes.FromFloat64[T](hostOp(dtypes.ToFloat64(lhs[ii]), dtypes.ToFloat64(rhs[ii])))
		if got[ii] == want {
			continue
		}
		mismatches++
		klog.V(1).Infof("element #%d: device %v, host %v (%d ULPs)", ii, got[ii], want, dtypes.ULPDistance(got[ii], want))
	}
	if mismatches == 0 {
		return nil
	}
	if op == "div" && !ctx.Binding().FPConfig.IEEECorrectDivision() {
		klog.Warningf("%d of %d quotients differ from the host: %s doesn't report correctly rounded %s division",
			mismatches, len(got), ctx.Device(), ctx.DType())
		return nil
	}
	return errors.Errorf("%d of %d results of %q differ from the host computation", mismatches, len(got), op)
}

func execute[T dtypes.Supported]() error {
	ctx, err := newContext[T]()
	if err != nil {
		return err
	}
	defer func() { _ = ctx.Destroy() }()
	fmt.Printf("%s\n", ctx)

	lhsValues, err := parseValues[T](*flagLHS)
	if err != nil {
		return errors.WithMessage(err, "-lhs")
	}
	lhs, err := vec.New(ctx, lhsValues)
	if err != nil {
		return err
	}

	switch *flagOp {
	case "sum", "product":
		var s *vec.Scalar[T]
		if *flagOp == "sum" {
			s, err = lhs.Sum()
		} else {
			s, err = lhs.Product()
		}
		if err != nil {
			return err
		}
		want := 0.0
		if *flagOp == "product" {
			want = 1.0
		}
		var absSum float64
		for _, v := range lhsValues {
			x := dtypes.ToFloat64(v)
			absSum += math.Abs(x)
			if *flagOp == "sum" {
				want += x
			} else {
				want *= x
			}
		}
		got := dtypes.ToFloat64(s.Value())
		fmt.Printf("%s(%v) = %v (host: %v)\n", *flagOp, lhsValues, s.Value(), want)
		if *flagOp == "sum" {
			if tolerance := ctx.DType().SumTolerance(len(lhsValues), absSum); math.Abs(got-want) > tolerance {
				return errors.Errorf("sum %v differs from the host sum %v by more than %g", got, want, tolerance)
			}
		}
		return nil

	case "add", "sub", "mul", "div":
		rhsValues, err := parseValues[T](*flagRHS)
		if err != nil {
			return errors.WithMessage(err, "-rhs")
		}
		rhs, err := vec.New(ctx, rhsValues)
		if err != nil {
			return err
		}
		out, err := lhs.BinaryOp(*flagOp, rhs)
		if err != nil {
			return err
		}
		fmt.Printf("%v %s %v = %v\n", lhsValues, *flagOp, rhsValues, out.Values())
		return checkElementwise(ctx, *flagOp, lhsValues, rhsValues, out.Values())
	}
	return errors.Errorf("unknown operation %q, valid values are add, sub, mul, div, sum or product", *flagOp)
}

// smokeTest runs the elementwise operations and the reductions on a small vector.
func smokeTest[T dtypes.Supported]() error {
	ctx, err := newContext[T]()
	if err != nil {
		return err
	}
	defer func() { _ = ctx.Destroy() }()

	lhsValues := dtypes.FromFloat64Slice[T]([]float64{1, 2, 3, 4, 5})
	rhsValues := dtypes.FromFloat64Slice[T]([]float64{5, 4, 3, 2, 1})
	lhs, err := vec.New(ctx, lhsValues)
	if err != nil {
		return err
	}
	rhs, err := vec.New(ctx, rhsValues)
	if err != nil {
		return err
	}
	for _, op := range []string{"add", "sub", "mul", "div"} {
		out, err := lhs.BinaryOp(op, rhs)
		if err != nil {
			return err
		}
		if err = checkElementwise(ctx, op, lhsValues, rhsValues, out.Values()); err != nil {
			return errors.WithMessagef(err, "%s", ctx.DType())
		}
	}
	sum, err := lhs.Sum()
	if err != nil {
		return err
	}
	product, err := lhs.Product()
	if err != nil {
		return err
	}
	if got := dtypes.ToFloat64(sum.Value()); got != 15 {
		return errors.Errorf("%s: sum of [1..5] is %v, wanted 15", ctx.DType(), got)
	}
	if got := dtypes.ToFloat64(product.Value()); got != 120 {
		return errors.Errorf("%s: product of [1..5] is %v, wanted 120", ctx.DType(), got)
	}
	fmt.Printf("%s: ok\n", ctx)
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagAll {
		var g errgroup.Group
		g.Go(smokeTest[float16.Float16])
		g.Go(smokeTest[float32])
		g.Go(smokeTest[float64])
		if err := g.Wait(); err != nil {
			klog.Fatalf("%+v", err)
		}
		return
	}

	var err error
	switch dtype := dtypes.FromName(*flagDType); dtype {
	case dtypes.F16:
		err = execute[float16.Float16]()
	case dtypes.F32:
		err = execute[float32]()
	case dtypes.F64:
		err = execute[float64]()
	default:
		err = errors.Errorf("unknown dtype %q, valid values are f16, f32 or f64", *flagDType)
	}
	if err != nil {
		klog.Fatalf("%+v", err)
	}
}
