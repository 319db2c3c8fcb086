package sandbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/taskmend/taskmend/config"
)

// ValidationResult is the outcome of preparing a script for execution.
type ValidationResult struct {
	Valid bool
	// Script is the source to store: the original, or the auto-escaped
	// version when escaping made it compile.
	Script  string
	Escaped bool
	// Error describes why validation failed. OriginalError is the compile
	// error before auto-escaping, when escaping was attempted.
	Error         string
	OriginalError string
	// Snippet shows source around the failing line for diagnostics.
	Snippet string
}

// ValidateAndPrepareScript runs the two-stage validation: a syntactic
// compile (with one deterministic auto-escape retry), then the static
// policy check. Only scripts that pass both may reach a template record.
func ValidateAndPrepareScript(source, templateID string, cfg config.SandboxConfig) ValidationResult {
	script := source
	escaped := false

	compileErr := tryCompile(script, templateID)
	if compileErr != nil {
		fixed, changed := autoEscape(script)
		if changed {
			if retryErr := tryCompile(fixed, templateID); retryErr == nil {
				script = fixed
				escaped = true
				compileErr = nil
			}
		}
	}

	if compileErr != nil {
		return ValidationResult{
			Valid:         false,
			Error:         compileErr.Error(),
			OriginalError: compileErr.Error(),
			Snippet:       errorSnippet(source, compileErr),
		}
	}

	if err := checkPolicy(script, cfg); err != nil {
		return ValidationResult{
			Valid:  false,
			Script: script,
			Error:  fmt.Sprintf("policy violation: %v", err),
		}
	}

	return ValidationResult{
		Valid:   true,
		Script:  script,
		Escaped: escaped,
	}
}

// wrapModule wraps a script so module.exports resolves inside goja.
func wrapModule(source string) string {
	return "(function(module, exports, require){\n" + source + "\n;return module.exports;})"
}

func tryCompile(source, templateID string) error {
	_, err := goja.Compile("template:"+templateID, wrapModule(source), false)
	return err
}

// compileErrLine extracts the line number from a goja compile error.
var compileErrLine = regexp.MustCompile(`:(\d+):\d+`)

// errorSnippet returns the failing line with two lines of context on each
// side. The wrapper adds one line before the user source.
func errorSnippet(source string, compileErr error) string {
	m := compileErrLine.FindStringSubmatch(compileErr.Error())
	if m == nil {
		return ""
	}
	lineNo, err := strconv.Atoi(m[1])
	if err != nil {
		return ""
	}
	lineNo-- // Wrapper offset

	lines := strings.Split(source, "\n")
	if lineNo < 1 || lineNo > len(lines) {
		return ""
	}

	start := lineNo - 3
	if start < 0 {
		start = 0
	}
	end := lineNo + 2
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		marker := "  "
		if i == lineNo-1 {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%4d | %s\n", marker, i+1, lines[i])
	}
	return b.String()
}
