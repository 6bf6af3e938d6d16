package mimeutil

import (
	"fmt"
	"strings"
)

// ExtractSignedParts locates the signed content and the detached signature
// inside a multipart/signed entity. raw must be the original wire bytes (the
// outer headers may be included); boundary is the multipart boundary.
//
// The content is returned exactly as it appeared between the boundary
// delimiters. Reserialising a parsed tree here would alter whitespace or
// header formatting and break verification against the partner's signature,
// so the split works on the raw stream alone.
//
// The signature is returned transfer-decoded, ready for a PKCS7 parser.
func ExtractSignedParts(raw []byte, boundary string) ([]byte, []byte, error) {
	if boundary == "" {
		return nil, nil, ErrNoBoundary
	}
	chunks, err := SplitMultipart(raw, boundary)
	if err != nil {
		return nil, nil, err
	}
	if len(chunks) < 2 {
		return nil, nil, fmt.Errorf("%w: multipart/signed carries %d parts, want content and signature", ErrPartNotFound, len(chunks))
	}

	var content, signature []byte
	for _, chunk := range chunks {
		part, err := Parse(chunk)
		if err != nil {
			return nil, nil, err
		}
		if isSignatureType(part.ContentType()) {
			signature, err = signatureDER(part)
			if err != nil {
				return nil, nil, err
			}
			continue
		}
		content = chunk
	}
	if content == nil || signature == nil {
		return nil, nil, fmt.Errorf("%w: application/pkcs7-signature", ErrPartNotFound)
	}
	return content, signature, nil
}

func isSignatureType(mediatype string) bool {
	switch strings.ToLower(mediatype) {
	case "application/pkcs7-signature", "application/x-pkcs7-signature":
		return true
	}
	return false
}

// signatureDER strips the transfer encoding from a signature part. Partners
// occasionally send base64 content without declaring it, so an undeclared
// body that scans as base64 is decoded as well.
func signatureDER(p *Part) ([]byte, error) {
	cte := strings.ToLower(strings.TrimSpace(p.Header.Get("Content-Transfer-Encoding")))
	if cte == "" && LooksBase64(p.Body) {
		der, err := DecodeBase64(p.Body)
		if err == nil {
			return der, nil
		}
	}
	return p.DecodeBody()
}
