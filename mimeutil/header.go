package mimeutil

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// HeaderField is a single header line. Key keeps the exact case it was
// created or received with; AS2 peers are inconsistent about canonical
// casing and some verify implementations are sensitive to it.
type HeaderField struct {
	Key   string
	Value string
}

// Header is an ordered MIME header. Unlike net/textproto it preserves both
// field order and key case across a parse/serialise round trip, which the
// signed-part handling depends on.
type Header struct {
	fields []HeaderField
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{}
}

// ParseHeaderBlock reads a header block terminated by a blank line. The
// remainder of the input after the blank line is returned as the body.
func ParseHeaderBlock(raw []byte) (*Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	th, err := textproto.ReadHeader(br)
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	h := NewHeader()
	fields := th.Fields()
	for fields.Next() {
		h.Append(fields.Key(), fields.Value())
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return h, body, nil
}

// Append adds a field at the end of the header, keeping any existing fields
// with the same key.
func (h *Header) Append(key, value string) {
	h.fields = append(h.fields, HeaderField{Key: key, Value: value})
}

// Set replaces the first field matching key (case-insensitive) and drops any
// further ones; when absent the field is appended.
func (h *Header) Set(key, value string) {
	replaced := false
	out := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Key, key) {
			if replaced {
				continue
			}
			f.Value = value
			replaced = true
		}
		out = append(out, f)
	}
	h.fields = out
	if !replaced {
		h.Append(key, value)
	}
}

// Get returns the first value for key, matching case-insensitively. Empty
// string when absent.
func (h *Header) Get(key string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether any field matches key.
func (h *Header) Has(key string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Key, key) {
			return true
		}
	}
	return false
}

// Del removes every field matching key.
func (h *Header) Del(key string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Key, key) {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Fields returns the fields in wire order. The slice is shared; callers must
// not mutate it.
func (h *Header) Fields() []HeaderField {
	return h.fields
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// Clone returns an independent copy.
func (h *Header) Clone() *Header {
	c := &Header{fields: make([]HeaderField, len(h.fields))}
	copy(c.fields, h.fields)
	return c
}

// WriteTo writes the header as `Key: Value` lines with CRLF endings,
// without the terminating blank line.
func (h *Header) WriteTo(w io.Writer) error {
	for _, f := range h.fields {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", f.Key, f.Value); err != nil {
			return err
		}
	}
	return nil
}

// ContentType parses the Content-Type field. A missing field defaults to
// text/plain per RFC 2045 5.2.
func (h *Header) ContentType() (string, map[string]string) {
	v := h.Get("Content-Type")
	if v == "" {
		return "text/plain", map[string]string{}
	}
	mediatype, params, err := mime.ParseMediaType(v)
	if err != nil {
		// Tolerate sloppy senders: fall back to the bare type token.
		if i := strings.IndexAny(v, "; "); i > 0 {
			return strings.ToLower(strings.TrimSpace(v[:i])), map[string]string{}
		}
		return strings.ToLower(strings.TrimSpace(v)), map[string]string{}
	}
	return mediatype, params
}

// Boundary returns the multipart boundary parameter, empty when absent.
func (h *Header) Boundary() string {
	_, params := h.ContentType()
	return params["boundary"]
}

// Filename returns the filename from Content-Disposition, falling back to
// the Content-Type name parameter.
func (h *Header) Filename() string {
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := params["filename"]; fn != "" {
				return fn
			}
		}
	}
	_, params := h.ContentType()
	return params["name"]
}
