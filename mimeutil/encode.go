package mimeutil

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const base64LineLength = 76

// EncodeBase64 encodes content for transport, folded at 76 columns with CRLF
// line endings as RFC 2045 6.8 requires.
func EncodeBase64(b []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(b)
	var buf bytes.Buffer
	buf.Grow(len(encoded) + 2*(len(encoded)/base64LineLength+1))
	for len(encoded) > base64LineLength {
		buf.WriteString(encoded[:base64LineLength])
		buf.WriteString("\r\n")
		encoded = encoded[base64LineLength:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// DecodeBase64 decodes transport base64, tolerating folding whitespace. Some
// partners emit unpadded or loosely wrapped streams, so a raw-alphabet retry
// is attempted before giving up.
func DecodeBase64(b []byte) ([]byte, error) {
	clean := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case '\r', '\n', ' ', '\t':
		default:
			clean = append(clean, c)
		}
	}
	out, err := base64.StdEncoding.DecodeString(string(clean))
	if err == nil {
		return out, nil
	}
	out, rawErr := base64.RawStdEncoding.DecodeString(string(clean))
	if rawErr == nil {
		return out, nil
	}
	return nil, err
}

// LooksBase64 reports whether content is plausibly base64 armoured rather
// than raw binary. Used to normalise pkcs7-mime bodies that arrive either
// way.
func LooksBase64(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	seen := false
	for _, c := range b {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			seen = true
		case c == '+' || c == '/' || c == '=':
			seen = true
		case c == '\r' || c == '\n' || c == ' ' || c == '\t':
		default:
			return false
		}
	}
	return seen
}

// GenerateBoundary returns a boundary token that cannot collide with
// base64 or header content.
func GenerateBoundary() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("mimeutil: boundary entropy unavailable: %v", err))
	}
	return "----=_Part_" + hex.EncodeToString(raw)
}
