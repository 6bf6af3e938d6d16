// Package mimeutil implements the MIME plumbing AS2 depends on: an ordered
// header type, a parser that never rewrites body bytes, hand-assembled
// multipart serialisation, RFC 1848 style canonicalisation and byte-exact
// extraction of signed content.
//
// The parser deliberately keeps part bodies in their transfer encoding.
// Signature verification is performed over the bytes a partner actually sent,
// so any decode/re-encode cycle between receipt and verification corrupts the
// exchange even when it is semantically lossless.
package mimeutil

import (
	"bytes"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"
)

// Part is one MIME entity. Body always holds the raw wire bytes of the
// content; for multipart entities Subparts additionally holds the parsed
// children in order.
type Part struct {
	Header   *Header
	Body     []byte
	Subparts []*Part
}

// NewPart returns an empty part with an initialised header.
func NewPart() *Part {
	return &Part{Header: NewHeader()}
}

// Parse reads a complete MIME entity, recursing into multipart content.
// Bodies are kept verbatim; no transfer decoding happens here.
func Parse(raw []byte) (*Part, error) {
	h, body, err := ParseHeaderBlock(raw)
	if err != nil {
		return nil, err
	}
	p := &Part{Header: h, Body: body}
	mediatype, params := h.ContentType()
	if !strings.HasPrefix(mediatype, "multipart/") {
		return p, nil
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoBoundary, h.Get("Content-Type"))
	}
	chunks, err := SplitMultipart(body, boundary)
	if err != nil {
		return nil, err
	}
	for _, chunk := range chunks {
		sub, err := Parse(chunk)
		if err != nil {
			return nil, err
		}
		p.Subparts = append(p.Subparts, sub)
	}
	return p, nil
}

// SplitMultipart cuts a multipart body into its raw part chunks, each chunk
// being the exact bytes between boundary delimiter lines (headers included).
// The preamble and epilogue are discarded.
func SplitMultipart(body []byte, boundary string) ([][]byte, error) {
	delim := []byte("--" + boundary)
	i := indexDelimiter(body, delim, 0)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrBoundaryNotFound, boundary)
	}
	var chunks [][]byte
	for {
		j := i + len(delim)
		if bytes.HasPrefix(body[j:], []byte("--")) {
			break
		}
		nl := bytes.IndexByte(body[j:], '\n')
		if nl < 0 {
			return nil, fmt.Errorf("%w: unterminated delimiter line", ErrBoundaryNotFound)
		}
		start := j + nl + 1
		k := indexDelimiter(body, delim, start)
		if k < 0 {
			return nil, fmt.Errorf("%w: missing closing delimiter", ErrBoundaryNotFound)
		}
		end := k
		// The line break before a delimiter belongs to the delimiter, not
		// to the part content (RFC 2046 5.1.1).
		if end > start && body[end-1] == '\n' {
			end--
			if end > start && body[end-1] == '\r' {
				end--
			}
		}
		chunks = append(chunks, body[start:end])
		i = k
	}
	return chunks, nil
}

// indexDelimiter finds the next occurrence of delim that starts a line and is
// followed by a line ending, transport padding or the closing marker.
func indexDelimiter(b, delim []byte, from int) int {
	for from <= len(b)-len(delim) {
		i := bytes.Index(b[from:], delim)
		if i < 0 {
			return -1
		}
		i += from
		if (i == 0 || b[i-1] == '\n') && delimiterTerminated(b[i+len(delim):]) {
			return i
		}
		from = i + 1
	}
	return -1
}

func delimiterTerminated(rest []byte) bool {
	if len(rest) == 0 {
		return true
	}
	switch rest[0] {
	case '\r', '\n', ' ', '\t':
		return true
	case '-':
		return len(rest) > 1 && rest[1] == '-'
	}
	return false
}

// Bytes serialises the part with CRLF line endings and no header folding.
// For multipart entities the children are emitted between boundary delimiter
// lines; Body is ignored in that case.
func (p *Part) Bytes() []byte {
	var buf bytes.Buffer
	p.Header.WriteTo(&buf)
	buf.WriteString("\r\n")
	p.writeBody(&buf)
	return buf.Bytes()
}

// BodyBytes serialises only the content, headers excluded.
func (p *Part) BodyBytes() []byte {
	var buf bytes.Buffer
	p.writeBody(&buf)
	return buf.Bytes()
}

func (p *Part) writeBody(buf *bytes.Buffer) {
	if len(p.Subparts) == 0 {
		buf.Write(p.Body)
		return
	}
	boundary := p.Header.Boundary()
	for _, sp := range p.Subparts {
		buf.WriteString("--" + boundary + "\r\n")
		buf.Write(sp.Bytes())
		buf.WriteString("\r\n")
	}
	buf.WriteString("--" + boundary + "--\r\n")
}

// DecodeBody returns the content with its transfer encoding removed.
func (p *Part) DecodeBody() ([]byte, error) {
	cte := strings.ToLower(strings.TrimSpace(p.Header.Get("Content-Transfer-Encoding")))
	switch cte {
	case "base64":
		b, err := DecodeBase64(p.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
		}
		return b, nil
	case "quoted-printable":
		b, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(p.Body)))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
		}
		return b, nil
	default:
		// 7bit, 8bit, binary and absent all mean the bytes are literal.
		return p.Body, nil
	}
}

// ContentType is shorthand for the header lookup.
func (p *Part) ContentType() string {
	mediatype, _ := p.Header.ContentType()
	return mediatype
}

// ContentTypeParam returns one parameter of the Content-Type field.
func (p *Part) ContentTypeParam(name string) string {
	_, params := p.Header.ContentType()
	return params[name]
}

// IsMultipart reports whether the entity was parsed as multipart.
func (p *Part) IsMultipart() bool {
	return len(p.Subparts) > 0 || strings.HasPrefix(p.ContentType(), "multipart/")
}

// FindPart walks the entity depth first and returns the first part with the
// given content type, the receiver included.
func (p *Part) FindPart(mediatype string) (*Part, error) {
	if p.ContentType() == mediatype {
		return p, nil
	}
	for _, sp := range p.Subparts {
		if found, err := sp.FindPart(mediatype); err == nil {
			return found, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPartNotFound, mediatype)
}
