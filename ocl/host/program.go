package host

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/ocl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// acceptedFlags are compiler options accepted (and ignored, since the emulation is always IEEE 754 exact).
var acceptedFlags = map[string]bool{
	"-cl-finite-math-only":          true,
	"-cl-unsafe-math-optimizations": true,
	"-cl-fast-relaxed-math":         true,
	"-cl-mad-enable":                true,
	"-cl-no-signed-zeros":           true,
	"-cl-denorms-are-zero":          true,
	"-cl-std=CL1.2":                 true,
	"-w":                            true,
	"-Werror":                       true,
}

// parseCompilerOptions extracts include dirs and macro definitions from the compiler options.
func parseCompilerOptions(options []string, includeDirs []string, defines map[string]string) ([]string, error) {
	var fields []string
	for _, option := range options {
		fields = append(fields, strings.Fields(option)...)
	}
	for ii := 0; ii < len(fields); ii++ {
		field := fields[ii]
		switch {
		case acceptedFlags[field]:
		case field == "-I" || field == "-D":
			if ii+1 >= len(fields) {
				return nil, errors.Errorf("missing argument to %q", field)
			}
			ii++
			if field == "-I" {
				includeDirs = append(includeDirs, fields[ii])
			} else {
				addDefine(defines, fields[ii])
			}
		case strings.HasPrefix(field, "-I"):
			includeDirs = append(includeDirs, field[2:])
		case strings.HasPrefix(field, "-D"):
			addDefine(defines, field[2:])
		default:
			return nil, errors.Errorf("unknown compiler option %q", field)
		}
	}
	return includeDirs, nil
}

func addDefine(defines map[string]string, definition string) {
	name, value, found := strings.Cut(definition, "=")
	if !found {
		value = "1"
	}
	defines[name] = value
}

// predefinedMacros of the emulated compiler for the device.
func (dev *device) predefinedMacros() map[string]string {
	macros := map[string]string{
		"__OPENCL_VERSION__": "120",
		"CL_VERSION_1_2":     "120",
		"__ENDIAN_LITTLE__":  "1",
		"__CLVEC_HOST__":     "1",
	}
	if dev.spec.FPConfigs[dtypes.F16].IsSupported() {
		macros["cl_khr_fp16"] = "1"
	}
	if dev.spec.FPConfigs[dtypes.F64].IsSupported() {
		macros["cl_khr_fp64"] = "1"
	}
	return macros
}

var cTypeToDType = map[string]dtypes.DType{
	"half":   dtypes.F16,
	"float":  dtypes.F32,
	"double": dtypes.F64,
}

// NewProgram implements ocl.Context.
// The sources are preprocessed as if concatenated, and each kernel found is bound to a Go implementation.
func (ctx *context) NewProgram(sources []string, options ocl.BuildOptions) (ocl.Program, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.New("no sources given to build program")
	}
	defines := ctx.device.predefinedMacros()
	includeDirs, err := parseCompilerOptions(options.CompilerOptions, options.IncludeDirs, defines)
	if err != nil {
		return nil, errors.WithMessage(err, "build failed")
	}

	pp := newPreprocessor(includeDirs, defines)
	for ii, source := range sources {
		pp.process(fmt.Sprintf("<source %d>", ii), source, 0)
	}
	pp.finish()
	pp.parseParams()

	p := &program{ctx: ctx, kernels: make(map[string]*kernelBinding, len(pp.kernels))}
	for _, def := range pp.kernels {
		binding, err := ctx.device.bindKernel(def)
		if err != nil {
			pp.errs = append(pp.errs, fmt.Sprintf("%s: error: %v", def.Location, err))
			continue
		}
		if binding.run == nil {
			pp.warningf(def.Location, "kernel %q has no host implementation, it can't be instantiated", def.Name)
		}
		p.kernels[def.Name] = binding
		p.names = append(p.names, def.Name)
	}
	if len(pp.errs) > 0 {
		buildLog := strings.Join(append(pp.errs, pp.warnings...), "\n")
		return nil, errors.Errorf("build failed with %d error(s):\n%s", len(pp.errs), buildLog)
	}
	for _, warning := range pp.warnings {
		klog.Warningf("host driver build: %s", warning)
	}
	ctx.device.driver.stats.programsBuilt.Add(1)
	return p, nil
}

type program struct {
	ctx      *context
	names    []string
	kernels  map[string]*kernelBinding
	released atomic.Bool
}

// KernelNames implements ocl.Program.
func (p *program) KernelNames() []string {
	return append([]string(nil), p.names...)
}

// NewKernel implements ocl.Program.
func (p *program) NewKernel(name string) (ocl.Kernel, error) {
	if p.released.Load() {
		return nil, errors.New("program already released")
	}
	binding, found := p.kernels[name]
	if !found {
		return nil, errors.Errorf("kernel %q not found in program (kernels: %v)", name, p.names)
	}
	if binding.run == nil {
		return nil, errors.Errorf("kernel %q (defined at %s) has no host implementation", name, binding.def.Location)
	}
	return &kernel{program: p, kernelBinding: binding, args: make([]any, len(binding.def.Params))}, nil
}

// Release implements ocl.Program.
func (p *program) Release() error {
	if p.released.Swap(true) {
		return errors.New("program released twice")
	}
	return nil
}

// kernelBinding associates a kernel definition to its Go implementation.
type kernelBinding struct {
	def   kernelDef
	dtype dtypes.DType

	// run is nil if there is no host implementation.
	run func(k *kernel, ws workSizes) error
}

type workSizes struct {
	global, local int
}

// bindKernel selects the Go implementation of a kernel definition: by name for the capabilities kernel,
// and by signature and operator otherwise.
func (dev *device) bindKernel(def kernelDef) (*kernelBinding, error) {
	binding := &kernelBinding{def: def}
	if def.TypeT == "" {
		return binding, nil
	}
	dtype, found := cTypeToDType[def.TypeT]
	if !found {
		return binding, nil
	}
	binding.dtype = dtype
	if !dev.spec.FPConfigs[dtype].IsSupported() {
		return nil, errors.Errorf("kernel %q uses type %q, not supported by device %q",
			def.Name, def.TypeT, dev.spec.Info.Name)
	}
	switch {
	case def.Name == "test_capabilities" && len(def.Params) == 1:
		binding.run = runCapabilities
	case len(def.Params) == 5 && binaryOps[def.Operator]:
		binding.run = runBinary
	case len(def.Params) == 2 && reduceOps[def.Operator]:
		binding.run = runReduce
	}
	return binding, nil
}

type kernel struct {
	*kernelBinding
	program  *program
	args     []any
	released atomic.Bool
}

// Name implements ocl.Kernel.
func (k *kernel) Name() string {
	return k.def.Name
}

// SetArg implements ocl.Kernel.
func (k *kernel) SetArg(index int, value any) error {
	if k.released.Load() {
		return errors.Errorf("kernel %q already released", k.def.Name)
	}
	if index < 0 || index >= len(k.args) {
		return errors.Errorf("invalid argument index %d for kernel %q with %d arguments", index, k.def.Name, len(k.args))
	}
	switch v := value.(type) {
	case ocl.Memory:
		m, err := k.program.ctx.toMemory(v)
		if err != nil {
			return errors.WithMessagef(err, "argument #%d of kernel %q", index, k.def.Name)
		}
		k.args[index] = m
	case uint64, uint32, float32, float64:
		k.args[index] = v
	default:
		return errors.Errorf("unsupported value of type %T for argument #%d of kernel %q", value, index, k.def.Name)
	}
	return nil
}

// Release implements ocl.Kernel.
func (k *kernel) Release() error {
	if k.released.Swap(true) {
		return errors.Errorf("kernel %q released twice", k.def.Name)
	}
	return nil
}

// memArg returns argument index as memory with at least minBytes.
func (k *kernel) memArg(index, minBytes int) ([]byte, error) {
	m, ok := k.args[index].(*memory)
	if !ok {
		return nil, errors.Errorf("argument #%d (%s) of kernel %q is not set to a memory object",
			index, k.def.Params[index], k.def.Name)
	}
	if m.released.Load() {
		return nil, errors.Errorf("argument #%d of kernel %q was released", index, k.def.Name)
	}
	if len(m.data) < minBytes {
		return nil, errors.Errorf("out of bounds access in kernel %q: argument #%d has %d bytes, %d required",
			k.def.Name, index, len(m.data), minBytes)
	}
	return m.data, nil
}

// lenArg returns argument index as a length.
func (k *kernel) lenArg(index int) (int, error) {
	switch v := k.args[index].(type) {
	case uint64:
		return int(v), nil
	case uint32:
		return int(v), nil
	}
	return 0, errors.Errorf("argument #%d (%s) of kernel %q is not set to an integer",
		index, k.def.Params[index], k.def.Name)
}
