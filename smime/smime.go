// Package smime bundles the cryptographic operations of the AS2 pipelines
// behind one surface with uniform error kinds: detached PKCS7 signing and
// verification, content encryption and decryption, CMS compression, and MIC
// digests. Callers decide what to feed in (raw wire bytes or canonicalised
// content); this package never touches MIME structure.
package smime

import (
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

var (
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrInvalidSignature    = errors.New("signature verification failed")
	ErrDecompressionFailed = errors.New("decompression failed")
	ErrUnsupportedAlg      = errors.New("unsupported algorithm")
	ErrCertificate         = errors.New("certificate error")
)

// DefaultDigestAlgorithm is used when a profile or micalg parameter names
// nothing. AS2 interop still assumes sha1 absent a negotiated alternative.
const DefaultDigestAlgorithm = "sha1"

// NormalizeDigestAlgorithm maps micalg spellings (sha1, SHA-256, sha_512) to
// the canonical token. Unknown names normalise to sha1, mirroring how
// receivers behave when a partner advertises an alg they cannot map.
func NormalizeDigestAlgorithm(alg string) string {
	cleaned := strings.ToLower(strings.TrimSpace(alg))
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, "_", "")
	switch cleaned {
	case "sha1", "sha256", "sha384", "sha512":
		return cleaned
	default:
		return DefaultDigestAlgorithm
	}
}

func hashFor(alg string) crypto.Hash {
	switch NormalizeDigestAlgorithm(alg) {
	case "sha256":
		return crypto.SHA256
	case "sha384":
		return crypto.SHA384
	case "sha512":
		return crypto.SHA512
	default:
		return crypto.SHA1
	}
}

// MIC computes the message integrity check over content: the base64 encoded
// digest, without the algorithm suffix some wire forms append.
func MIC(content []byte, alg string) string {
	h := hashFor(alg).New()
	h.Write(content)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// MICMatches compares a stored MIC against a reported Received-Content-MIC
// value, ignoring the ", alg" suffix on either side.
func MICMatches(stored, reported string) bool {
	return micDigest(stored) == micDigest(reported)
}

func micDigest(mic string) string {
	if i := strings.Index(mic, ","); i >= 0 {
		mic = mic[:i]
	}
	return strings.TrimSpace(mic)
}

func wrap(kind error, err error) error {
	return fmt.Errorf("%w: %v", kind, err)
}
