package sandbox

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/taskmend/taskmend/executor"
)

// require resolves only the built-in utility modules. Anything else is a
// policy failure at first use.
func (b *bridge) require(name string) goja.Value {
	switch name {
	case "dates":
		return b.vm.ToValue(datesModule())
	case "strings":
		return b.vm.ToValue(stringsModule())
	case "math-extra":
		return b.vm.ToValue(mathExtraModule())
	default:
		b.fail(executor.NewTaskError(executor.KindSandboxPolicy,
			"module \""+name+"\" is not in the sandbox allow-list", ""))
		return nil
	}
}

func datesModule() map[string]any {
	parse := func(s string) time.Time {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02", s); err == nil {
			return t
		}
		return time.Time{}
	}

	return map[string]any{
		"today": func() string {
			return time.Now().UTC().Format("2006-01-02")
		},
		"format": func(iso, layout string) string {
			t := parse(iso)
			if t.IsZero() {
				return ""
			}
			return t.Format(layout)
		},
		"addDays": func(iso string, days int) string {
			t := parse(iso)
			if t.IsZero() {
				return ""
			}
			return t.AddDate(0, 0, days).Format("2006-01-02")
		},
		"daysBetween": func(a, c string) int {
			ta, tc := parse(a), parse(c)
			if ta.IsZero() || tc.IsZero() {
				return 0
			}
			return int(tc.Sub(ta).Hours() / 24)
		},
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func stringsModule() map[string]any {
	return map[string]any{
		"slugify": func(s string) string {
			return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
		},
		"truncate": func(s string, n int) string {
			if n <= 0 || len(s) <= n {
				return s
			}
			return s[:n] + "…"
		},
		"titleCase": func(s string) string {
			words := strings.Fields(s)
			for i, w := range words {
				words[i] = strings.ToUpper(w[:1]) + w[1:]
			}
			return strings.Join(words, " ")
		},
	}
}

func mathExtraModule() map[string]any {
	return map[string]any{
		"clamp": func(v, lo, hi float64) float64 {
			return math.Min(math.Max(v, lo), hi)
		},
		"round2": func(v float64) float64 {
			return math.Round(v*100) / 100
		},
		"sum": func(vs []float64) float64 {
			var total float64
			for _, v := range vs {
				total += v
			}
			return total
		},
		"mean": func(vs []float64) float64 {
			if len(vs) == 0 {
				return 0
			}
			var total float64
			for _, v := range vs {
				total += v
			}
			return total / float64(len(vs))
		},
	}
}
