// Package sandbox turns template execution scripts into callable executor
// instances inside a capability-restricted goja interpreter. The sandbox is
// a policy boundary, not a formal isolation: scripts get Date and a narrow
// host surface, nothing else.
package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/taskmend/taskmend/config"
)

// logLevels are the accepted first arguments to the logging API.
var logLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

type policyRule struct {
	pattern *regexp.Regexp
	message string
}

var policyRules = []policyRule{
	{
		regexp.MustCompile(`require\s*\(\s*['"](fs|child_process|cluster|worker_threads|net|http|https|dgram|os|path|vm)['"]`),
		"direct module access is not available in the sandbox",
	},
	{
		regexp.MustCompile(`\beval\s*\(`),
		"dynamic code evaluation is forbidden",
	},
	{
		regexp.MustCompile(`new\s+Function\s*\(`),
		"dynamic code evaluation is forbidden",
	},
	{
		regexp.MustCompile(`\bprocess\s*[.[]`),
		"the host process object is not accessible",
	},
	{
		regexp.MustCompile(`\b(globalThis|global)\s*[.[]`),
		"host globals are not accessible",
	},
	{
		regexp.MustCompile(`while\s*\(\s*(true|1)\s*\)`),
		"unbounded while loops are forbidden",
	},
	{
		regexp.MustCompile(`set(Timeout|Interval)\s*\([^)]*,\s*0\s*\)`),
		"zero-interval timers are forbidden",
	},
	{
		regexp.MustCompile(`new\s+Array\s*\(\s*\d{8,}\s*\)`),
		"allocation exceeds the sandbox threshold",
	},
	{
		regexp.MustCompile(`\.repeat\s*\(\s*\d{7,}\s*\)`),
		"allocation exceeds the sandbox threshold",
	},
	{
		regexp.MustCompile(`Buffer\s*\.\s*(alloc|allocUnsafe)\s*\(`),
		"buffer allocation is not available in the sandbox",
	},
}

// logCallPattern matches this.log("...") calls so the level-first argument
// order can be verified statically.
var logCallPattern = regexp.MustCompile(`\bthis\s*\.\s*log\s*\(\s*['"]([^'"]*)['"]`)

// checkPolicy runs the static policy rules against the source. The first
// violation is returned; nil means the script passed.
func checkPolicy(source string, cfg config.SandboxConfig) error {
	if len(source) > cfg.MaxScriptBytes {
		return fmt.Errorf("script is %d bytes, cap is %d", len(source), cfg.MaxScriptBytes)
	}

	for _, rule := range policyRules {
		if loc := rule.pattern.FindStringIndex(source); loc != nil {
			return fmt.Errorf("%s (near %q)", rule.message, sourceContext(source, loc[0]))
		}
	}

	for _, m := range logCallPattern.FindAllStringSubmatch(source, -1) {
		if !logLevels[strings.ToLower(m[1])] {
			return fmt.Errorf("log() takes the level first, then the message; got level %q", m[1])
		}
	}

	return nil
}

// sourceContext returns a short slice of source around an offset.
func sourceContext(source string, offset int) string {
	start := offset - 20
	if start < 0 {
		start = 0
	}
	end := offset + 40
	if end > len(source) {
		end = len(source)
	}
	return strings.TrimSpace(source[start:end])
}
