package command

import "strings"

// DelimiterStyle selects the variable-reference syntax understood by
// Interpolate.
type DelimiterStyle string

const (
	DelimiterBraces  DelimiterStyle = "braces"  // {{name}}
	DelimiterDollar  DelimiterStyle = "dollar"  // ${name}
	DelimiterPercent DelimiterStyle = "percent" // %name%
)

func delimiterFor(style DelimiterStyle) (open, close string) {
	switch style {
	case DelimiterDollar:
		return "${", "}"
	case DelimiterPercent:
		return "%", "%"
	default:
		return "{{", "}}"
	}
}

// Interpolate expands delimiter-wrapped variable references against vars in
// a single left-to-right pass over the raw template string, before grammar
// parsing. Undefined variables are left literal and the expansion is never
// re-scanned, so substituted text containing delimiter-like sequences is not
// re-expanded.
func Interpolate(template string, vars map[string]string, style DelimiterStyle) string {
	open, close := delimiterFor(style)
	if open == close {
		return interpolateSameDelim(template, vars, open)
	}

	var b strings.Builder
	rest := template
	for {
		idx := strings.Index(rest, open)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		afterOpen := rest[idx+len(open):]
		end := strings.Index(afterOpen, close)
		if end < 0 {
			// No matching close delimiter: emit the rest literally.
			b.WriteString(rest[idx:])
			break
		}
		name := afterOpen[:end]
		if val, ok := vars[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(open)
			b.WriteString(name)
			b.WriteString(close)
		}
		rest = afterOpen[end+len(close):]
	}
	return b.String()
}

// interpolateSameDelim handles styles like %name% where open == close, so
// the delimiter can't nest and must be matched pairwise.
func interpolateSameDelim(template string, vars map[string]string, delim string) string {
	var b strings.Builder
	rest := template
	for {
		idx := strings.Index(rest, delim)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		after := rest[idx+len(delim):]
		end := strings.Index(after, delim)
		if end < 0 {
			b.WriteString(rest[idx:])
			break
		}
		name := after[:end]
		if val, ok := vars[name]; ok {
			b.WriteString(rest[:idx])
			b.WriteString(val)
		} else {
			b.WriteString(rest[:idx])
			b.WriteString(delim)
			b.WriteString(name)
			b.WriteString(delim)
		}
		rest = after[end+len(delim):]
	}
	return b.String()
}
