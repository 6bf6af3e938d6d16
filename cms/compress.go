package cms

import (
	"bytes"
	"compress/zlib"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
)

type compressedData struct {
	Version              int
	CompressionAlgorithm pkix.AlgorithmIdentifier
	EncapContentInfo     encapsulatedContentInfo
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

// Compress wraps content in an RFC 3274 compressed-data ContentInfo using the
// zlib compression algorithm.
func Compress(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	cd := compressedData{
		Version: 0,
		CompressionAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm: oidCompressionZL,
		},
		EncapContentInfo: encapsulatedContentInfo{
			EContentType: oidData,
			EContent:     buf.Bytes(),
		},
	}
	return marshalContentInfo(oidCompressedData, cd)
}

// Decompress opens a compressed-data ContentInfo and inflates the content.
func Decompress(der []byte) ([]byte, error) {
	info, err := parseContentInfo(der)
	if err != nil {
		return nil, err
	}
	if !info.ContentType.Equal(oidCompressedData) {
		return nil, fmt.Errorf("%w: got %v", ErrNotCompressedData, info.ContentType)
	}

	var cd compressedData
	if _, err := asn1.Unmarshal(info.Content.Bytes, &cd); err != nil {
		return nil, fmt.Errorf("%w: compressed-data: %v", ErrMalformedContent, err)
	}
	if !cd.CompressionAlgorithm.Algorithm.Equal(oidCompressionZL) {
		return nil, fmt.Errorf("%w: compression %v", ErrUnsupportedAlgorithm, cd.CompressionAlgorithm.Algorithm)
	}
	if len(cd.EncapContentInfo.EContent) == 0 {
		return nil, fmt.Errorf("%w: no encapsulated content", ErrMalformedContent)
	}

	zr, err := zlib.NewReader(bytes.NewReader(cd.EncapContentInfo.EContent))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrMalformedContent, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrMalformedContent, err)
	}
	return out, nil
}
