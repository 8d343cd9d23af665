package kernels

import (
	"slices"
	"sync"
)

// Variant is one kernel entry point generated from an operator-generic kernel file.
type Variant struct {
	// Operator substituted for the OPERATOR macro, e.g. "+".
	Operator string

	// Name substituted for the KERNEL_NAME macro, e.g. "add".
	Name string
}

// Template registers the variants generated from one operator-generic kernel file.
type Template struct {
	// File name, relative to the kernel directory.
	File     string
	Variants []Variant
}

// Names of the generated kernels.
const (
	KernelAdd     = "add"
	KernelSub     = "sub"
	KernelMul     = "mul"
	KernelDiv     = "div"
	KernelAddDown = "add_down"
	KernelMulDown = "mul_down"

	// KernelTestCapabilities is the self-test kernel, defined in test_capabilities.cl.
	KernelTestCapabilities = "test_capabilities"
)

var (
	templatesOnce sync.Once
	templates     map[string]Template
)

// initTemplates populates the registry. It is called once, on first use.
func initTemplates() {
	templates = make(map[string]Template)
	for _, t := range []Template{
		{
			File: "vec_arithmetic.cl",
			Variants: []Variant{
				{Operator: "+", Name: KernelAdd},
				{Operator: "-", Name: KernelSub},
				{Operator: "*", Name: KernelMul},
				{Operator: "/", Name: KernelDiv},
			},
		},
		{
			File: "vec_reduce.cl",
			Variants: []Variant{
				{Operator: "+", Name: KernelAddDown},
				{Operator: "*", Name: KernelMulDown},
			},
		},
	} {
		templates[t.File] = t
	}
}

// LookupTemplate returns the template registered for the kernel file name.
// The returned Template shares the registry's Variants slice, and must not be modified.
func LookupTemplate(file string) (Template, bool) {
	templatesOnce.Do(initTemplates)
	t, found := templates[file]
	return t, found
}

// Templates returns all registered templates, sorted by file name.
func Templates() []Template {
	templatesOnce.Do(initTemplates)
	list := make([]Template, 0, len(templates))
	for _, t := range templates {
		list = append(list, t)
	}
	slices.SortFunc(list, func(a, b Template) int {
		if a.File < b.File {
			return -1
		} else if a.File > b.File {
			return 1
		}
		return 0
	})
	return list
}
