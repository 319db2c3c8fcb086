package sandbox

import "strings"

// autoEscape applies a deterministic repair pass for the template-literal
// mistakes LLM-generated scripts most often contain: smart quotes, backtick
// strings without interpolation, and a single unbalanced backtick on a call
// line. Returns the transformed source and whether anything changed.
func autoEscape(source string) (string, bool) {
	out := source
	changed := false

	if fixed := replaceSmartQuotes(out); fixed != out {
		out = fixed
		changed = true
	}

	if fixed := plainBacktickStrings(out); fixed != out {
		out = fixed
		changed = true
	}

	if fixed := closeDanglingBackticks(out); fixed != out {
		out = fixed
		changed = true
	}

	return out, changed
}

var smartQuoteReplacer = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
)

func replaceSmartQuotes(source string) string {
	return smartQuoteReplacer.Replace(source)
}

// plainBacktickStrings converts single-line backtick strings that contain no
// interpolation into single-quoted strings.
func plainBacktickStrings(source string) string {
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		if strings.Count(line, "`")%2 != 0 {
			continue // Unbalanced, handled separately
		}

		var b strings.Builder
		rest := line
		modified := false
		for {
			open := strings.Index(rest, "`")
			if open < 0 {
				b.WriteString(rest)
				break
			}
			end := strings.Index(rest[open+1:], "`")
			if end < 0 {
				b.WriteString(rest)
				break
			}
			inner := rest[open+1 : open+1+end]
			b.WriteString(rest[:open])
			if strings.Contains(inner, "${") || strings.Contains(inner, "'") || strings.Contains(inner, "\\") {
				b.WriteString("`" + inner + "`")
			} else {
				b.WriteString("'" + inner + "'")
				modified = true
			}
			rest = rest[open+end+2:]
		}
		if modified {
			lines[i] = b.String()
		}
	}
	return strings.Join(lines, "\n")
}

// closeDanglingBackticks fixes the common "missing closing backtick before
// the final paren" mistake on call lines: a line with an odd backtick count
// ending in ");" gets the backtick restored before the closer.
func closeDanglingBackticks(source string) string {
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		if strings.Count(line, "`")%2 == 0 {
			continue
		}
		trimmed := strings.TrimRight(line, " \t")
		for _, closer := range []string{");", ")"} {
			if strings.HasSuffix(trimmed, closer) {
				cut := len(trimmed) - len(closer)
				lines[i] = trimmed[:cut] + "`" + closer
				break
			}
		}
	}
	return strings.Join(lines, "\n")
}
