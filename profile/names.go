package profile

import "strings"

// EscapeName renders an AS2 name for the AS2-From/AS2-To wire headers.
// Names containing spaces, quotes or backslashes travel as a quoted string
// with embedded quotes and backslashes backslash-escaped; all other names
// travel verbatim.
func EscapeName(name string) string {
	if !strings.ContainsAny(name, `\" `) {
		return name
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '\\' || c == '"' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// UnescapeName recovers the stored AS2 name from its wire form. Unquoted
// names are returned as-is, including names that merely contain stray
// quote characters in the middle.
func UnescapeName(wire string) string {
	if len(wire) < 2 || wire[0] != '"' || wire[len(wire)-1] != '"' {
		return wire
	}
	inner := wire[1 : len(wire)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}
