package mimeutil

import "bytes"

var (
	crlf = []byte("\r\n")
	lf   = []byte("\n")
	cr   = []byte("\r")
)

// Canonicalize rewrites every line ending to CRLF. Bare CR and bare LF are
// both treated as line endings, matching the MIME canonical form signatures
// and MICs are computed over.
func Canonicalize(b []byte) []byte {
	b = bytes.ReplaceAll(b, crlf, lf)
	b = bytes.ReplaceAll(b, cr, lf)
	return bytes.ReplaceAll(b, lf, crlf)
}

// CanonicalBytes serialises the part and canonicalises the result. This is
// the digest and signature input for outbound content, and recomputing it
// from the parsed wire part yields the same bytes on the inbound side.
func CanonicalBytes(p *Part) []byte {
	return Canonicalize(p.Bytes())
}

// EnsureTrailingCRLF appends a line ending when the content does not already
// end with one. Several AS2 stacks sign report parts with exactly one
// trailing newline; the fallback verification path relies on this.
func EnsureTrailingCRLF(b []byte) []byte {
	if bytes.HasSuffix(b, crlf) {
		return b
	}
	out := make([]byte, 0, len(b)+2)
	out = append(out, b...)
	if len(out) > 0 && out[len(out)-1] == '\r' {
		out = out[:len(out)-1]
	}
	return append(out, crlf...)
}
