package smime

import (
	"crypto"
	"crypto/x509"
	"errors"

	"github.com/luckylud/pyas2/cms"
)

// Encrypt envelopes content for the recipient using the named AS2 content
// cipher (des_ede3_cbc when alg is empty) and returns DER.
func Encrypt(content []byte, recipient *x509.Certificate, alg string) ([]byte, error) {
	der, err := cms.Encrypt(content, recipient, alg)
	if err != nil {
		if errors.Is(err, cms.ErrUnsupportedAlgorithm) {
			return nil, wrap(ErrUnsupportedAlg, err)
		}
		return nil, wrap(ErrCertificate, err)
	}
	return der, nil
}

// Decrypt opens an enveloped-data blob with the organization's decryption
// key. Every failure mode collapses into ErrDecryptionFailed; the cause is
// preserved in the message for the log and the MDN advisory text.
func Decrypt(content []byte, cert *x509.Certificate, key crypto.PrivateKey) ([]byte, error) {
	plain, err := cms.Decrypt(content, cert, key)
	if err != nil {
		return nil, wrap(ErrDecryptionFailed, err)
	}
	return plain, nil
}

// Compress wraps content in CMS compressed-data.
func Compress(content []byte) ([]byte, error) {
	return cms.Compress(content)
}

// Decompress inflates a CMS compressed-data blob.
func Decompress(content []byte) ([]byte, error) {
	plain, err := cms.Decompress(content)
	if err != nil {
		return nil, wrap(ErrDecompressionFailed, err)
	}
	return plain, nil
}
