package apiqueue

import (
	"regexp"
	"strings"
)

// redactedValue replaces PII-shaped fields when sanitization is requested.
const redactedValue = "[REDACTED]"

// piiKeyPattern matches field names that conventionally carry PII.
var piiKeyPattern = regexp.MustCompile(`(?i)\b(email|e[-_]mail|phone|mobile|tel|ssn|passport|birth|dob|address|card[-_]?number|iban)\b`)

// emailPattern and phonePattern catch PII embedded in free-text values.
var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s\-()]{8,}\d`)
)

// sanitizePII redacts PII-shaped fields of a decoded response in place and
// returns it. Maps and slices are walked recursively; keys matching the PII
// pattern are replaced wholesale, and string values are scrubbed of inline
// emails and phone numbers.
func sanitizePII(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if piiKeyPattern.MatchString(k) {
				val[k] = redactedValue
				continue
			}
			val[k] = sanitizePII(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = sanitizePII(inner)
		}
		return val
	case string:
		return scrubString(val)
	default:
		return v
	}
}

func scrubString(s string) string {
	if !strings.Contains(s, "@") && !phonePattern.MatchString(s) {
		return s
	}
	s = emailPattern.ReplaceAllString(s, redactedValue)
	s = phonePattern.ReplaceAllString(s, redactedValue)
	return s
}
