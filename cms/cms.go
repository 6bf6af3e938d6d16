// Package cms implements the CMS content types AS2 needs beyond signature
// handling: EnvelopedData encryption and decryption across the negotiable
// cipher set (3DES, DES, AES-CBC variants and 40-bit RC2), and RFC 3274
// CompressedData in both directions.
//
// Structures follow the PKCS#7/CMS ASN.1 definitions; output is DER.
package cms

import (
	"encoding/asn1"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedAlgorithm is returned for content ciphers outside the
	// negotiated AS2 set.
	ErrUnsupportedAlgorithm = errors.New("cms: unsupported content encryption algorithm")
	ErrNotEnvelopedData     = errors.New("cms: content is not enveloped-data")
	ErrNotCompressedData    = errors.New("cms: content is not compressed-data")
	ErrNoMatchingRecipient  = errors.New("cms: no recipient info matches the decryption certificate")
	ErrUnsupportedKeyType   = errors.New("cms: unsupported key transport algorithm or key type")
	ErrMalformedContent     = errors.New("cms: malformed content")
)

var (
	oidData           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidEnvelopedData  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
	oidCompressedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 9}
	oidCompressionZL  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 3, 8}
	oidRSAEncryption  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

	oidDESCBC     = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 7}
	oidDESEDE3CBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
	oidRC2CBC     = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 2}
	oidAES128CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAES192CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 22}
	oidAES256CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
)

// contentInfo is the outer CMS wrapper.
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

func marshalContentInfo(contentType asn1.ObjectIdentifier, inner any) ([]byte, error) {
	der, err := asn1.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	return asn1.Marshal(contentInfo{
		ContentType: contentType,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: der},
	})
}

func parseContentInfo(der []byte) (contentInfo, error) {
	var info contentInfo
	rest, err := asn1.Unmarshal(der, &info)
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	if len(rest) > 0 {
		// Trailing bytes happen when transports pad the DER; ignore them.
		_ = rest
	}
	return info, nil
}
