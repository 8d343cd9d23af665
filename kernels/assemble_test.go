package kernels

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/clvec"
	"github.com/gomlx/clvec/dtypes"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// writeFiles creates a temporary kernel directory with the given files.
func writeFiles(t *testing.T, files map[string]string) string {
	dir := t.TempDir()
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}
	return dir
}

// unitKey drops the source, to compare the list of units.
type unitKey struct {
	File, Operator, Kernel string
}

func unitKeys(units []Unit) []unitKey {
	keys := make([]unitKey, len(units))
	for ii, u := range units {
		keys[ii] = unitKey{u.File, u.Operator, u.Kernel}
	}
	return keys
}

const arithmeticBody = `__kernel void KERNEL_NAME(__global TYPE_T *a, __global TYPE_T *b) { a[0] = a[0] OPERATOR b[0]; }
`

func TestAssemble_Generic(t *testing.T) {
	dir := writeFiles(t, map[string]string{"vec_arithmetic.cl": arithmeticBody})
	assembly, err := Assemble(dir, dtypes.F32, Options{})
	require.NoError(t, err)

	want := []unitKey{
		{"vec_arithmetic.cl", "+", "add"},
		{"vec_arithmetic.cl", "-", "sub"},
		{"vec_arithmetic.cl", "*", "mul"},
		{"vec_arithmetic.cl", "/", "div"},
	}
	if diff := cmp.Diff(want, unitKeys(assembly.Units)); diff != "" {
		t.Fatalf("unexpected units (-want +got):\n%s", diff)
	}
	require.Equal(t, "#undef KERNEL_NAME\n#undef OPERATOR\n#define OPERATOR +\n#define KERNEL_NAME add\n"+
		"#undef TYPE_T\n#define TYPE_T float\n"+arithmeticBody, assembly.Units[0].Source)
	require.True(t, strings.HasPrefix(assembly.Units[3].Source,
		"#undef KERNEL_NAME\n#undef OPERATOR\n#define OPERATOR /\n#define KERNEL_NAME div\n"))
	require.NotContains(t, assembly.Units[0].Source, "#define DEBUG")
	require.Equal(t, []string{"add", "sub", "mul", "div"}, assembly.VariantKernels())
	require.Equal(t, []string{dir}, assembly.BuildOptions.IncludeDirs)
	require.Empty(t, assembly.BuildOptions.CompilerOptions)
	require.Len(t, assembly.Sources(), 4)
}

func TestAssemble_PassThrough(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"b_other.cl": "__kernel void other(__global TYPE_T *a) {}", // No trailing new line.
		"a_scale.cl": "__kernel void scale(__global TYPE_T *a) {}\n",
		"notes.txt":  "not a kernel",
		"helpers.h":  "#define SIZE_T ulong\n",
	})
	assembly, err := Assemble(dir, dtypes.F64, Options{Debug: true, FastMath: true})
	require.NoError(t, err)
	want := []unitKey{{File: "a_scale.cl"}, {File: "b_other.cl"}}
	if diff := cmp.Diff(want, unitKeys(assembly.Units)); diff != "" {
		t.Fatalf("unexpected units (-want +got):\n%s", diff)
	}
	require.Equal(t, "#undef TYPE_T\n#define TYPE_T double\n#define DEBUG\n__kernel void other(__global TYPE_T *a) {}\n",
		assembly.Units[1].Source)
	require.Empty(t, assembly.VariantKernels())
	require.Equal(t, FastMathOptions, assembly.BuildOptions.CompilerOptions)
	require.Equal(t, append([]string{"-I", dir}, FastMathOptions...), assembly.CompilerFlags())
}

func TestAssemble_RegisteredWithoutTokens(t *testing.T) {
	// Registered file missing KERNEL_NAME is passed through, with a warning.
	dir := writeFiles(t, map[string]string{
		"vec_reduce.cl": "__kernel void fixed_reduce(__global TYPE_T *a) { a[0] = a[0] OPERATOR a[1]; }\n",
	})
	assembly, err := Assemble(dir, dtypes.F16, Options{})
	require.NoError(t, err)
	if diff := cmp.Diff([]unitKey{{File: "vec_reduce.cl"}}, unitKeys(assembly.Units)); diff != "" {
		t.Fatalf("unexpected units (-want +got):\n%s", diff)
	}
	require.Contains(t, assembly.Units[0].Source, "#define TYPE_T half\n")
}

func TestAssemble_UnregisteredGeneric(t *testing.T) {
	dir := writeFiles(t, map[string]string{"custom.cl": arithmeticBody})
	assembly, err := Assemble(dir, dtypes.F32, Options{})
	require.NoError(t, err)
	require.Len(t, assembly.Units, 1)
	require.Empty(t, assembly.Units[0].Kernel)
}

func TestIsGeneric(t *testing.T) {
	hasOp, hasName := isGeneric("MY_OPERATOR KERNEL_NAMES OPERATOR_X")
	require.False(t, hasOp)
	require.False(t, hasName)
	hasOp, hasName = isGeneric("x = a OPERATOR b; void KERNEL_NAME(")
	require.True(t, hasOp)
	require.True(t, hasName)
}

func TestAssemble_Errors(t *testing.T) {
	_, err := Assemble(filepath.Join(t.TempDir(), "missing"), dtypes.F32, Options{})
	require.Error(t, err)
	require.Equal(t, clvec.DirectoryRead, clvec.KindOf(err))

	dir := writeFiles(t, map[string]string{"helpers.h": "// nothing"})
	_, err = Assemble(dir, dtypes.F32, Options{})
	require.Equal(t, clvec.EmptyDirectory, clvec.KindOf(err))

	// A dangling symbolic link can't be read.
	dir = t.TempDir()
	require.NoError(t, os.Symlink(filepath.Join(dir, "nowhere.txt"), filepath.Join(dir, "broken.cl")))
	_, err = Assemble(dir, dtypes.F32, Options{})
	require.Equal(t, clvec.FileRead, clvec.KindOf(err))

	_, err = Assemble(dir, dtypes.InvalidDType, Options{})
	require.Equal(t, clvec.UnsupportedType, clvec.KindOf(err))
}

func TestAssemble_Shipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ExtractTo(dir))
	assembly, err := Assemble(dir, dtypes.F64, Options{})
	require.NoError(t, err)
	want := []unitKey{
		{File: "test_capabilities.cl"},
		{"vec_arithmetic.cl", "+", "add"},
		{"vec_arithmetic.cl", "-", "sub"},
		{"vec_arithmetic.cl", "*", "mul"},
		{"vec_arithmetic.cl", "/", "div"},
		{"vec_reduce.cl", "+", "add_down"},
		{"vec_reduce.cl", "*", "mul_down"},
	}
	if diff := cmp.Diff(want, unitKeys(assembly.Units)); diff != "" {
		t.Fatalf("unexpected units (-want +got):\n%s", diff)
	}
	_, err = os.Stat(filepath.Join(dir, "helpers.h"))
	require.NoError(t, err)
}

func TestTemplates(t *testing.T) {
	list := Templates()
	require.Len(t, list, 2)
	require.Equal(t, "vec_arithmetic.cl", list[0].File)
	require.Equal(t, "vec_reduce.cl", list[1].File)
	tmpl, found := LookupTemplate("vec_reduce.cl")
	require.True(t, found)
	require.Equal(t, []Variant{{"+", KernelAddDown}, {"*", KernelMulDown}}, tmpl.Variants)
	_, found = LookupTemplate("test_capabilities.cl")
	require.False(t, found)
}
