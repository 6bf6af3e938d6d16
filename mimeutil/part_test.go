package mimeutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderBlock_PreservesOrderAndCase(t *testing.T) {
	raw := []byte("AS2-From: acme\r\n" +
		"as2-to: widgets\r\n" +
		"Content-Type: application/EDI-X12\r\n" +
		"\r\n" +
		"ISA*00*\r\n")

	h, body, err := ParseHeaderBlock(raw)
	require.NoError(t, err)
	require.Equal(t, []byte("ISA*00*\r\n"), body)

	fields := h.Fields()
	require.Len(t, fields, 3)
	assert.Equal(t, "AS2-From", fields[0].Key)
	assert.Equal(t, "as2-to", fields[1].Key)
	assert.Equal(t, "widgets", h.Get("AS2-To"))
	assert.Equal(t, "acme", h.Get("as2-from"))
}

func TestHeader_SetReplacesInPlace(t *testing.T) {
	h := NewHeader()
	h.Append("A", "1")
	h.Append("B", "2")
	h.Append("a", "3")

	h.Set("a", "9")

	fields := h.Fields()
	require.Len(t, fields, 2)
	assert.Equal(t, "A", fields[0].Key)
	assert.Equal(t, "9", fields[0].Value)
	assert.Equal(t, "B", fields[1].Key)
}

func TestHeader_WriteToRoundTrip(t *testing.T) {
	h := NewHeader()
	h.Append("Content-Type", `multipart/signed; protocol="application/pkcs7-signature"; micalg=sha1; boundary="b0"`)
	h.Append("MIME-Version", "1.0")

	var buf bytes.Buffer
	require.NoError(t, h.WriteTo(&buf))
	buf.WriteString("\r\n")

	again, _, err := ParseHeaderBlock(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, h.Fields(), again.Fields())
}

func TestSplitMultipart_ByteExactChunks(t *testing.T) {
	partA := "Content-Type: text/plain\r\n\r\nhello world\r\nwith two lines"
	partB := "Content-Type: application/pkcs7-signature\r\nContent-Transfer-Encoding: base64\r\n\r\nAAEC\r\n"
	body := "preamble to be ignored\r\n" +
		"--b0\r\n" + partA + "\r\n" +
		"--b0\r\n" + partB + "\r\n" +
		"--b0--\r\n" +
		"epilogue\r\n"

	chunks, err := SplitMultipart([]byte(body), "b0")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, partA, string(chunks[0]))
	assert.Equal(t, partB, string(chunks[1]))
}

func TestSplitMultipart_BoundaryPrefixCollision(t *testing.T) {
	// A delimiter for boundary "b0" must not match inside "--b01" lines.
	body := "--b01\r\nnot ours\r\n" +
		"--b0\r\nContent-Type: text/plain\r\n\r\nx\r\n" +
		"--b0--\r\n"

	chunks, err := SplitMultipart([]byte(body), "b0")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, strings.HasSuffix(string(chunks[0]), "\r\n\r\nx"))
}

func TestSplitMultipart_MissingBoundary(t *testing.T) {
	_, err := SplitMultipart([]byte("no delimiters here"), "b0")
	require.ErrorIs(t, err, ErrBoundaryNotFound)
}

func TestParse_MultipartTree(t *testing.T) {
	raw := "Content-Type: multipart/report; report-type=disposition-notification; boundary=\"rb\"\r\n" +
		"\r\n" +
		"--rb\r\n" +
		"Content-Type: text/plain; charset=us-ascii\r\n\r\n" +
		"The AS2 message has been processed.\r\n" +
		"\r\n--rb\r\n" +
		"Content-Type: message/disposition-notification\r\n\r\n" +
		"Disposition: automatic-action/MDN-sent-automatically; processed\r\n" +
		"\r\n--rb--\r\n"

	p, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, p.Subparts, 2)
	assert.Equal(t, "multipart/report", p.ContentType())
	assert.Equal(t, "text/plain", p.Subparts[0].ContentType())

	notification, err := p.FindPart("message/disposition-notification")
	require.NoError(t, err)
	assert.Contains(t, string(notification.Body), "MDN-sent-automatically")
}

func TestPart_BytesRoundTrip(t *testing.T) {
	p := NewPart()
	p.Header.Append("Content-Type", "multipart/signed; protocol=\"application/pkcs7-signature\"; micalg=sha1; boundary=\"sb\"")
	content := NewPart()
	content.Header.Append("Content-Type", "application/EDI-X12")
	content.Header.Append("Content-Disposition", "attachment; filename=order.edi")
	content.Body = []byte("ISA*00*          *\r\nGS*PO\r\n")
	sig := NewPart()
	sig.Header.Append("Content-Type", "application/pkcs7-signature; name=smime.p7s")
	sig.Header.Append("Content-Transfer-Encoding", "base64")
	sig.Body = []byte("MIAGCSqGSIb3\r\n")
	p.Subparts = []*Part{content, sig}

	wire := p.Bytes()
	again, err := Parse(wire)
	require.NoError(t, err)
	require.Len(t, again.Subparts, 2)
	assert.Equal(t, content.Body, again.Subparts[0].Body)
	assert.Equal(t, wire, again.Bytes(), "serialise/parse/serialise must be stable")
}

func TestPart_DecodeBody(t *testing.T) {
	tests := []struct {
		name    string
		cte     string
		body    string
		want    string
		wantErr bool
	}{
		{name: "base64", cte: "base64", body: "aGVsbG8=\r\n", want: "hello"},
		{name: "base64 folded", cte: "base64", body: "aGVs\r\nbG8=\r\n", want: "hello"},
		{name: "binary passthrough", cte: "binary", body: "\x01\x02\x03", want: "\x01\x02\x03"},
		{name: "absent means literal", cte: "", body: "plain", want: "plain"},
		{name: "broken base64", cte: "base64", body: "!!!", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPart()
			if tt.cte != "" {
				p.Header.Append("Content-Transfer-Encoding", tt.cte)
			}
			p.Body = []byte(tt.body)
			got, err := p.DecodeBody()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadEncoding)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}
