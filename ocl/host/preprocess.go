package host

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// maxIncludeDepth bounds nested #include directives.
const maxIncludeDepth = 32

// macro is an object-like or function-like preprocessor definition.
// Function-like macros are recorded (so #ifdef works) but never expanded.
type macro struct {
	value    string
	funcLike bool
}

// kernelDef is an entry point found while preprocessing.
type kernelDef struct {
	Name string

	// Operator and TypeT are the expanded values of the OPERATOR and TYPE_T macros where the kernel is
	// defined, or "" if they were not defined. Operator is only set if the kernel is named by the
	// KERNEL_NAME macro.
	Operator, TypeT string

	// Params of the kernel, as written in the expanded source.
	Params []string

	// Location of the definition, as "unit:line".
	Location string

	// offset of the opening parenthesis of the parameter list in the expanded output.
	offset int
}

// condFrame is one level of #ifdef/#ifndef/#if nesting.
type condFrame struct {
	active, parentActive, sawElse bool
	location                      string
}

// preprocessor expands a sequence of sources sharing one macro table, as if they were concatenated.
type preprocessor struct {
	includeDirs []string
	macros      map[string]macro
	conds       []condFrame
	out         strings.Builder
	kernels     []kernelDef
	errs        []string
	warnings    []string
}

func newPreprocessor(includeDirs []string, predefined map[string]string) *preprocessor {
	pp := &preprocessor{
		includeDirs: includeDirs,
		macros:      make(map[string]macro, len(predefined)),
	}
	for name, value := range predefined {
		pp.macros[name] = macro{value: value}
	}
	return pp
}

var (
	reIdentifier   = regexp.MustCompile(`^[A-Za-z_]\w*`)
	reKernelHeader = regexp.MustCompile(`\b(?:__kernel|kernel)\s+void\s+([A-Za-z_]\w*)\s*\(`)
	reDefinedCall  = regexp.MustCompile(`^(!?)\s*defined\s*\(?\s*([A-Za-z_]\w*)\s*\)?$`)
)

func (pp *preprocessor) errorf(location, format string, args ...any) {
	pp.errs = append(pp.errs, fmt.Sprintf("%s: error: %s", location, fmt.Sprintf(format, args...)))
}

func (pp *preprocessor) warningf(location, format string, args ...any) {
	pp.warnings = append(pp.warnings, fmt.Sprintf("%s: warning: %s", location, fmt.Sprintf(format, args...)))
}

// active returns whether lines at the current nesting level are being emitted.
func (pp *preprocessor) active() bool {
	if len(pp.conds) == 0 {
		return true
	}
	return pp.conds[len(pp.conds)-1].active
}

// finish checks the conditional nesting is balanced, after all sources were processed.
func (pp *preprocessor) finish() {
	for _, frame := range pp.conds {
		pp.errorf(frame.location, "unterminated conditional directive")
	}
	pp.conds = nil
}

// process one source, named unit for diagnostics.
func (pp *preprocessor) process(unit, source string, depth int) {
	if depth > maxIncludeDepth {
		pp.errorf(unit, "#include nested too deeply")
		return
	}
	lines := strings.Split(stripComments(source), "\n")
	for ii := 0; ii < len(lines); ii++ {
		lineNum := ii + 1
		line := lines[ii]
		// Line continuations.
		for strings.HasSuffix(line, "\\") && ii+1 < len(lines) {
			ii++
			line = line[:len(line)-1] + lines[ii]
			pp.out.WriteString("\n")
		}
		location := fmt.Sprintf("%s:%d", unit, lineNum)
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			pp.directive(location, strings.TrimSpace(trimmed[1:]), depth)
			pp.out.WriteString("\n")
			continue
		}
		if !pp.active() {
			pp.out.WriteString("\n")
			continue
		}
		expanded := pp.expand(line, nil)
		pp.recordKernels(location, expanded)
		pp.out.WriteString(expanded)
		pp.out.WriteString("\n")
	}
}

// directive handles one preprocessor directive, without the leading "#".
func (pp *preprocessor) directive(location, text string, depth int) {
	name := reIdentifier.FindString(text)
	rest := strings.TrimSpace(text[len(name):])

	// Conditionals are tracked even in inactive regions.
	switch name {
	case "ifdef", "ifndef":
		_, defined := pp.macros[rest]
		if rest == "" {
			pp.errorf(location, "#%s without macro name", name)
		}
		cond := defined == (name == "ifdef")
		parent := pp.active()
		pp.conds = append(pp.conds, condFrame{active: parent && cond, parentActive: parent, location: location})
		return
	case "if":
		cond := false
		if pp.active() {
			cond = pp.evalCondition(location, rest)
		}
		parent := pp.active()
		pp.conds = append(pp.conds, condFrame{active: parent && cond, parentActive: parent, location: location})
		return
	case "else":
		if len(pp.conds) == 0 {
			pp.errorf(location, "#else without #if")
			return
		}
		frame := &pp.conds[len(pp.conds)-1]
		if frame.sawElse {
			pp.errorf(location, "#else after #else")
		}
		frame.sawElse = true
		frame.active = frame.parentActive && !frame.active
		return
	case "endif":
		if len(pp.conds) == 0 {
			pp.errorf(location, "#endif without #if")
			return
		}
		pp.conds = pp.conds[:len(pp.conds)-1]
		return
	}
	if !pp.active() {
		return
	}

	switch name {
	case "":
		// Null directive.
	case "define":
		pp.define(location, rest)
	case "undef":
		if rest == "" {
			pp.errorf(location, "#undef without macro name")
			return
		}
		delete(pp.macros, rest)
	case "include":
		pp.include(location, rest, depth)
	case "error":
		pp.errorf(location, "#error %s", rest)
	case "warning":
		pp.warningf(location, "#warning %s", rest)
	case "pragma", "line":
		// Ignored.
	default:
		pp.errorf(location, "invalid preprocessing directive #%s", name)
	}
}

func (pp *preprocessor) define(location, rest string) {
	identifier := reIdentifier.FindString(rest)
	if identifier == "" {
		pp.errorf(location, "macro name missing in #define")
		return
	}
	body := rest[len(identifier):]
	m := macro{}
	if strings.HasPrefix(body, "(") {
		m.funcLike = true
	}
	m.value = strings.TrimSpace(body)
	if previous, found := pp.macros[identifier]; found && previous != m {
		pp.warningf(location, "%q macro redefined", identifier)
	}
	pp.macros[identifier] = m
}

func (pp *preprocessor) include(location, rest string, depth int) {
	if len(rest) < 2 || !((rest[0] == '"' && rest[len(rest)-1] == '"') || (rest[0] == '<' && rest[len(rest)-1] == '>')) {
		pp.errorf(location, "#include expects \"FILENAME\" or <FILENAME>")
		return
	}
	fileName := rest[1 : len(rest)-1]
	for _, dir := range pp.includeDirs {
		filePath := filepath.Join(dir, fileName)
		contents, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}
		pp.process(fileName, string(contents), depth+1)
		return
	}
	pp.errorf(location, "%q file not found (include dirs: %v)", fileName, pp.includeDirs)
}

// evalCondition supports "#if" with an integer constant or "[!]defined(NAME)".
func (pp *preprocessor) evalCondition(location, expr string) bool {
	if matches := reDefinedCall.FindStringSubmatch(expr); matches != nil {
		_, defined := pp.macros[matches[2]]
		return defined != (matches[1] == "!")
	}
	expanded := strings.TrimSpace(pp.expand(expr, nil))
	value, err := strconv.ParseInt(expanded, 0, 64)
	if err != nil {
		pp.errorf(location, "unsupported #if expression %q", expr)
		return false
	}
	return value != 0
}

// expand object-like macros in text, outside of string and character literals.
// disabled holds the macros being expanded, to stop recursion.
func (pp *preprocessor) expand(text string, disabled map[string]bool) string {
	var sb strings.Builder
	for ii := 0; ii < len(text); {
		c := text[ii]
		switch {
		case c == '"' || c == '\'':
			end := literalEnd(text, ii)
			sb.WriteString(text[ii:end])
			ii = end
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			identifier := reIdentifier.FindString(text[ii:])
			ii += len(identifier)
			m, found := pp.macros[identifier]
			if !found || m.funcLike || disabled[identifier] {
				sb.WriteString(identifier)
				continue
			}
			inner := make(map[string]bool, len(disabled)+1)
			for name := range disabled {
				inner[name] = true
			}
			inner[identifier] = true
			sb.WriteString(pp.expand(m.value, inner))
		case c >= '0' && c <= '9':
			// Skip numbers, so suffixes like "1.0f" are not taken as identifiers.
			start := ii
			for ii < len(text) && (isIdentChar(text[ii]) || text[ii] == '.') {
				ii++
			}
			sb.WriteString(text[start:ii])
		default:
			sb.WriteByte(c)
			ii++
		}
	}
	return sb.String()
}

// macroValue returns the fully expanded value of a macro, or "" if not defined.
func (pp *preprocessor) macroValue(name string) string {
	m, found := pp.macros[name]
	if !found || m.funcLike {
		return ""
	}
	return strings.TrimSpace(pp.expand(m.value, map[string]bool{name: true}))
}

// recordKernels registers the kernel entry points defined in an expanded line.
func (pp *preprocessor) recordKernels(location, expanded string) {
	for _, loc := range reKernelHeader.FindAllStringSubmatchIndex(expanded, -1) {
		name := expanded[loc[2]:loc[3]]
		for _, previous := range pp.kernels {
			if previous.Name == name {
				pp.errorf(location, "redefinition of kernel %q, previously defined at %s", name, previous.Location)
			}
		}
		// OPERATOR only applies to the kernel generated from KERNEL_NAME, it may be left over from a
		// previous unit.
		var operator string
		if pp.macroValue("KERNEL_NAME") == name {
			operator = pp.macroValue("OPERATOR")
		}
		pp.kernels = append(pp.kernels, kernelDef{
			Name:     name,
			Operator: operator,
			TypeT:    pp.macroValue("TYPE_T"),
			Location: location,
			offset:   pp.out.Len() + loc[1] - 1,
		})
	}
}

// parseParams fills the parameters of the kernels found, from the complete expanded output.
func (pp *preprocessor) parseParams() {
	output := pp.out.String()
	for ii := range pp.kernels {
		def := &pp.kernels[ii]
		open := def.offset
		closeIdx := strings.IndexByte(output[open:], ')')
		if closeIdx < 0 {
			pp.errorf(def.Location, "unterminated parameter list of kernel %q", def.Name)
			continue
		}
		list := strings.TrimSpace(output[open+1 : open+closeIdx])
		if list == "" || list == "void" {
			continue
		}
		for _, param := range strings.Split(list, ",") {
			def.Params = append(def.Params, strings.Join(strings.Fields(param), " "))
		}
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// literalEnd returns the index just past the string or character literal starting at text[start].
func literalEnd(text string, start int) int {
	quote := text[start]
	for ii := start + 1; ii < len(text); ii++ {
		switch text[ii] {
		case '\\':
			ii++
		case quote:
			return ii + 1
		}
	}
	return len(text)
}

// stripComments replaces comments with spaces, preserving new lines.
func stripComments(source string) string {
	var sb strings.Builder
	sb.Grow(len(source))
	for ii := 0; ii < len(source); {
		c := source[ii]
		switch {
		case c == '"' || c == '\'':
			end := literalEnd(source, ii)
			sb.WriteString(source[ii:end])
			ii = end
		case c == '/' && ii+1 < len(source) && source[ii+1] == '/':
			for ii < len(source) && source[ii] != '\n' {
				ii++
			}
			sb.WriteByte(' ')
		case c == '/' && ii+1 < len(source) && source[ii+1] == '*':
			ii += 2
			for ii < len(source) && !(source[ii] == '*' && ii+1 < len(source) && source[ii+1] == '/') {
				if source[ii] == '\n' {
					sb.WriteByte('\n')
				}
				ii++
			}
			ii += 2
			sb.WriteByte(' ')
		default:
			sb.WriteByte(c)
			ii++
		}
	}
	return sb.String()
}
