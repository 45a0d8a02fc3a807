// Package callgram parses the function-call-shaped text grammar that
// language models emit when asked for structured output without native
// structured-output support. One call occupies at most one line:
//
//	flavors("strawberry", "vanilla_swirl")
//	price(24.99)
//
// Lines that do not match the call shape are skipped, never rejected;
// model output is expected to interleave commentary with calls.
package callgram

import (
	"strconv"
	"strings"
)

type ArgKind string

const (
	ArgString ArgKind = "string"
	ArgNumber ArgKind = "number"
	ArgRaw    ArgKind = "raw"
)

// Arg is one typed argument of a parsed call. Exactly one of Str/Num
// carries the value depending on Kind; Raw arguments keep their trimmed
// source text in Str so nothing is ever discarded.
type Arg struct {
	Kind ArgKind
	Str  string
	Num  float64
}

func StringArg(s string) Arg  { return Arg{Kind: ArgString, Str: s} }
func NumberArg(n float64) Arg { return Arg{Kind: ArgNumber, Num: n} }
func RawArg(s string) Arg     { return Arg{Kind: ArgRaw, Str: s} }

// FunctionCall is one parsed unit of the grammar. Argument order is
// preserved exactly as written.
type FunctionCall struct {
	Name string
	Args []Arg
}

// String re-serializes the call. For every line the grammar accepts,
// Parse followed by String preserves name, argument order, and values.
func (c FunctionCall) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('(')
	for i, arg := range c.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		switch arg.Kind {
		case ArgString:
			b.WriteByte('"')
			b.WriteString(arg.Str)
			b.WriteByte('"')
		case ArgNumber:
			b.WriteString(strconv.FormatFloat(arg.Num, 'g', -1, 64))
		default:
			b.WriteString(arg.Str)
		}
	}
	b.WriteByte(')')
	return b.String()
}

// Parse scans arbitrary text line by line and returns every call it
// recognizes, in order. It never fails: non-matching lines are skipped.
func Parse(text string) []FunctionCall {
	var out []FunctionCall
	for _, line := range strings.Split(text, "\n") {
		if call, ok := ParseLine(line); ok {
			out = append(out, call)
		}
	}
	return out
}

// ParseLine attempts to recognize a single call on one line. A line
// matches if it starts with an identifier immediately followed by "("
// and contains a matching ")" enclosing a non-empty argument list;
// trailing text after the close paren is ignored. A call with zero
// extractable arguments does not match.
func ParseLine(line string) (FunctionCall, bool) {
	s := strings.TrimSpace(line)

	nameEnd := scanIdentifier(s)
	if nameEnd == 0 || nameEnd >= len(s) || s[nameEnd] != '(' {
		return FunctionCall{}, false
	}

	inner, ok := matchParens(s[nameEnd:])
	if !ok || strings.TrimSpace(inner) == "" {
		return FunctionCall{}, false
	}

	args := splitArgs(inner)
	if len(args) == 0 {
		return FunctionCall{}, false
	}

	return FunctionCall{Name: s[:nameEnd], Args: args}, true
}

func scanIdentifier(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return 0
			}
		default:
			return i
		}
	}
	return len(s)
}

// matchParens returns the text enclosed by the first matching pair of
// parentheses in s, which must start with "(". The scan balances depth
// so that a stray "(" inside an argument still finds the outer close.
func matchParens(s string) (string, bool) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[1:i], true
			}
		}
	}
	return "", false
}

// splitArgs splits on commas and types each piece. The grammar does not
// support nested parentheses, so commas are always top-level; a piece
// that still contains a parenthesis failed to parse as an argument and
// degrades to Raw rather than failing the line.
func splitArgs(inner string) []Arg {
	parts := strings.Split(inner, ",")
	args := make([]Arg, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		args = append(args, typeArg(trimmed))
	}
	return args
}

func typeArg(trimmed string) Arg {
	if strings.ContainsAny(trimmed, "()") {
		return RawArg(trimmed)
	}
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		// Quotes stripped, interior left verbatim. No escape processing.
		return StringArg(trimmed[1 : len(trimmed)-1])
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return NumberArg(n)
	}
	return RawArg(trimmed)
}
