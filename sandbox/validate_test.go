package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmend/taskmend/config"
)

func testSandboxConfig() config.SandboxConfig {
	return config.DefaultConfig().Sandbox
}

const validScript = `
module.exports = class ReportExecutor extends TaskExecutor {
	execute(params) {
		this.updateProgress(10, "starting", "init");
		return { success: true, summary: "done" };
	}
};
`

func TestValidateValidScript(t *testing.T) {
	res := ValidateAndPrepareScript(validScript, "tpl-1", testSandboxConfig())
	require.True(t, res.Valid, res.Error)
	assert.False(t, res.Escaped)
	assert.Equal(t, validScript, res.Script)
}

func TestValidateSyntaxError(t *testing.T) {
	src := `
module.exports = class Broken extends TaskExecutor {
	execute(params) {
		return { success: true
	}
};
`
	res := ValidateAndPrepareScript(src, "tpl-1", testSandboxConfig())
	require.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)
	assert.NotEmpty(t, res.OriginalError)
	assert.Contains(t, res.Snippet, ">", "snippet should mark the failing line")
}

func TestValidateAutoEscapeSmartQuotes(t *testing.T) {
	src := `
module.exports = class Exec extends TaskExecutor {
	execute(params) {
		this.log(‘info’, ‘starting run’);
		return { success: true, summary: "ok" };
	}
};
`
	res := ValidateAndPrepareScript(src, "tpl-1", testSandboxConfig())
	require.True(t, res.Valid, res.Error)
	assert.True(t, res.Escaped)
	assert.NotContains(t, res.Script, "‘")
}

func TestValidateAutoEscapeDanglingBacktick(t *testing.T) {
	src := "module.exports = class Exec extends TaskExecutor {\n" +
		"	execute(params) {\n" +
		"		this.log('info', `starting);\n" +
		"		return { success: true, summary: 'ok' };\n" +
		"	}\n" +
		"};\n"
	res := ValidateAndPrepareScript(src, "tpl-1", testSandboxConfig())
	require.True(t, res.Valid, res.Error)
	assert.True(t, res.Escaped)
}

func TestValidatePolicyViolations(t *testing.T) {
	tests := []struct {
		name    string
		snippet string
	}{
		{"eval", `eval("1+1");`},
		{"new function", `var f = new Function("return 1");`},
		{"fs require", `var fs = require("fs");`},
		{"process", `var env = process.env;`},
		{"infinite loop", `while (true) { this.checkCancellation(); }`},
		{"zero interval", `setInterval(tick, 0);`},
		{"huge array", `var big = new Array(100000000);`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "module.exports = class E extends TaskExecutor {\n" +
				"	execute(params) {\n		" + tt.snippet + "\n" +
				"		return { success: true, summary: 'x' };\n	}\n};\n"
			res := ValidateAndPrepareScript(src, "tpl-1", testSandboxConfig())
			require.False(t, res.Valid)
			assert.Contains(t, res.Error, "policy violation")
		})
	}
}

func TestValidateLogArgumentOrder(t *testing.T) {
	src := `
module.exports = class E extends TaskExecutor {
	execute(params) {
		this.log("Starting the run", "info");
		return { success: true, summary: "x" };
	}
};
`
	res := ValidateAndPrepareScript(src, "tpl-1", testSandboxConfig())
	require.False(t, res.Valid)
	assert.Contains(t, res.Error, "level first")
}

func TestValidateSizeCap(t *testing.T) {
	cfg := testSandboxConfig()
	cfg.MaxScriptBytes = 256

	src := "module.exports = class E extends TaskExecutor { execute(p) { return { success: true, summary: 'x' }; } };\n" +
		"// " + strings.Repeat("padding ", 64)
	res := ValidateAndPrepareScript(src, "tpl-1", cfg)
	require.False(t, res.Valid)
	assert.Contains(t, res.Error, "cap")
}

func TestValidateSizeCapBoundary(t *testing.T) {
	cfg := testSandboxConfig()
	cfg.MaxScriptBytes = 512

	base := "module.exports = class E extends TaskExecutor { execute(p) { return { success: true, summary: 'x' }; } };\n// "
	src := base + strings.Repeat("x", cfg.MaxScriptBytes-len(base))
	require.Len(t, src, cfg.MaxScriptBytes)

	// Exactly at the cap is accepted.
	res := ValidateAndPrepareScript(src, "tpl-1", cfg)
	require.True(t, res.Valid, res.Error)

	// One byte over is not.
	res = ValidateAndPrepareScript(src+"x", "tpl-1", cfg)
	require.False(t, res.Valid)
	assert.Contains(t, res.Error, "cap")
}

func TestAutoEscapePreservesInterpolation(t *testing.T) {
	src := "this.log('info', `run ${id} done`);"
	out, changed := autoEscape(src)
	assert.False(t, changed)
	assert.Equal(t, src, out)
}
