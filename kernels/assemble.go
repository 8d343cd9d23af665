// Package kernels assembles device-specific kernel sources from the precision- and operator-generic
// kernel files of a directory.
//
// Each kernel file uses the macro TYPE_T for the element type, and optionally DEBUG. Files registered as
// templates (see LookupTemplate) also use OPERATOR and KERNEL_NAME, and are expanded into one compilation
// unit per variant, so vec_arithmetic.cl yields the kernels add, sub, mul and div.
package kernels

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/ocl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Macros and file extension used by the kernel files.
const (
	TypeMacro       = "TYPE_T"
	DebugMacro      = "DEBUG"
	OperatorMacro   = "OPERATOR"
	KernelNameMacro = "KERNEL_NAME"

	// Extension of the kernel files read from the directory.
	Extension = ".cl"
)

// Compiler options added with Options.FastMath.
var FastMathOptions = []string{"-cl-finite-math-only", "-cl-unsafe-math-optimizations"}

// Options of the assembly.
type Options struct {
	// Debug defines the DEBUG macro in every unit.
	Debug bool

	// FastMath adds FastMathOptions to the compiler options.
	FastMath bool
}

// Unit is one compilation unit of the assembled program.
type Unit struct {
	// File the unit was generated from.
	File string

	// Operator and Kernel of the variant, empty for files passed through as is.
	Operator, Kernel string

	// Source with the macro prefix prepended.
	Source string
}

// Assembly is the set of units generated for one kernel directory and precision, plus the options to
// build them.
type Assembly struct {
	Dir          string
	DType        dtypes.DType
	Units        []Unit
	BuildOptions ocl.BuildOptions
}

// Sources returns the source of each unit, in order.
func (a *Assembly) Sources() []string {
	sources := make([]string, len(a.Units))
	for ii, u := range a.Units {
		sources[ii] = u.Source
	}
	return sources
}

// VariantKernels returns the names of the kernels generated from templates, in order.
func (a *Assembly) VariantKernels() []string {
	var names []string
	for _, u := range a.Units {
		if u.Kernel != "" {
			names = append(names, u.Kernel)
		}
	}
	return names
}

// CompilerFlags returns the build options as a flat list of compiler flags, including "-I <dir>" for the
// include directories.
func (a *Assembly) CompilerFlags() []string {
	var flags []string
	for _, dir := range a.BuildOptions.IncludeDirs {
		flags = append(flags, "-I", dir)
	}
	return append(flags, a.BuildOptions.CompilerOptions...)
}

type macroDef struct {
	Name, Value string
}

type macroBlock struct {
	Undefs  []string
	Defines []macroDef
}

var macroTemplate = template.Must(template.New("macros").Parse(
	`{{range .Undefs}}#undef {{.}}
{{end}}{{range .Defines}}#define {{.Name}}{{if .Value}} {{.Value}}{{end}}
{{end}}`))

// renderMacros renders a block of #undef and #define lines.
func renderMacros(block macroBlock) string {
	var sb strings.Builder
	if err := macroTemplate.Execute(&sb, block); err != nil {
		// Only fails on programming errors in the template.
		klog.Fatalf("kernels: failed to render macros: %v", err)
	}
	return sb.String()
}

// globalPrefix defines the element type, and the debug flag if requested.
func globalPrefix(dtype dtypes.DType, debug bool) string {
	block := macroBlock{
		Undefs:  []string{TypeMacro},
		Defines: []macroDef{{Name: TypeMacro, Value: dtype.CTypeName()}},
	}
	if debug {
		block.Defines = append(block.Defines, macroDef{Name: DebugMacro})
	}
	return renderMacros(block)
}

// variantPrefix defines the operator and kernel name of a variant.
func variantPrefix(v Variant) string {
	return renderMacros(macroBlock{
		Undefs:  []string{KernelNameMacro, OperatorMacro},
		Defines: []macroDef{{Name: OperatorMacro, Value: v.Operator}, {Name: KernelNameMacro, Value: v.Name}},
	})
}

var (
	reOperatorToken   = regexp.MustCompile(`\b` + OperatorMacro + `\b`)
	reKernelNameToken = regexp.MustCompile(`\b` + KernelNameMacro + `\b`)
)

// isGeneric returns whether the body uses both the OPERATOR and KERNEL_NAME macros.
func isGeneric(body string) (hasOperator, hasKernelName bool) {
	return reOperatorToken.MatchString(body), reKernelNameToken.MatchString(body)
}

// Assemble reads the kernel files (with extension ".cl", sub-directories are ignored) of dir, in sorted order, and generates the
// compilation units for dtype.
//
// It fails with DirectoryRead if the directory can't be read, FileRead if one of the files can't be read,
// and EmptyDirectory if there are no kernel files.
func Assemble(dir string, dtype dtypes.DType, options Options) (*Assembly, error) {
	if !dtype.IsValid() {
		return nil, clvec.Errorf(clvec.UnsupportedType, "assemble", "invalid dtype %s", dtype)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, clvec.Wrap(clvec.DirectoryRead, "assemble", errors.WithMessagef(err, "reading kernel directory %q", dir))
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != Extension {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, clvec.Errorf(clvec.EmptyDirectory, "assemble", "no %q kernel files in %q", Extension, dir)
	}
	klog.V(1).Infof("kernel files found in %q: %v", dir, files)

	assembly := &Assembly{
		Dir:          dir,
		DType:        dtype,
		BuildOptions: ocl.BuildOptions{IncludeDirs: []string{dir}},
	}
	if options.FastMath {
		assembly.BuildOptions.CompilerOptions = append(assembly.BuildOptions.CompilerOptions, FastMathOptions...)
	}
	prefix := globalPrefix(dtype, options.Debug)
	for _, file := range files {
		contents, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, clvec.Wrap(clvec.FileRead, "assemble", errors.WithMessagef(err, "reading kernel file %q", file))
		}
		body := string(contents)
		if !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		assembly.Units = append(assembly.Units, expandFile(file, body, prefix)...)
	}
	return assembly, nil
}

// expandFile generates the units of one kernel file.
func expandFile(file, body, prefix string) []Unit {
	hasOperator, hasKernelName := isGeneric(body)
	t, registered := LookupTemplate(file)
	switch {
	case registered && hasOperator && hasKernelName:
		units := make([]Unit, 0, len(t.Variants))
		for _, v := range t.Variants {
			units = append(units, Unit{
				File:     file,
				Operator: v.Operator,
				Kernel:   v.Name,
				Source:   variantPrefix(v) + prefix + body,
			})
		}
		klog.V(1).Infof("generic kernel file %q: generated %d kernels", file, len(units))
		return units
	case registered:
		klog.Warningf("kernel file %q is registered as operator-generic, but it doesn't use both %s and %s: "+
			"passing it through as is", file, OperatorMacro, KernelNameMacro)
	case hasOperator && hasKernelName:
		klog.V(1).Infof("kernel file %q uses %s and %s but has no registered variants: passing it through as is",
			file, OperatorMacro, KernelNameMacro)
	}
	return []Unit{{File: file, Source: prefix + body}}
}
