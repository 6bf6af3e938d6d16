package smime

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"go.mozilla.org/pkcs7"
)

// Sign produces a detached PKCS7 signature over content and returns the
// micalg label that was actually applied together with the DER signature.
// An empty or unrecognised digestAlg falls back to sha1.
func Sign(content []byte, cert *x509.Certificate, key crypto.PrivateKey, digestAlg string) (string, []byte, error) {
	alg := NormalizeDigestAlgorithm(digestAlg)

	signed, err := pkcs7.NewSignedData(content)
	if err != nil {
		return "", nil, wrap(ErrCertificate, err)
	}
	signed.SetDigestAlgorithm(digestOID(alg))
	if err := signed.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		return "", nil, wrap(ErrCertificate, err)
	}
	signed.Detach()
	der, err := signed.Finish()
	if err != nil {
		return "", nil, wrap(ErrCertificate, err)
	}
	return alg, der, nil
}

// Verify checks a detached PKCS7 signature over content. The signature must
// come from signer when one is pinned, whatever certificates the blob itself
// carries. With verifyChain set the signer must additionally chain to one of
// caCerts.
func Verify(content, signature []byte, signer *x509.Certificate, caCerts []*x509.Certificate, verifyChain bool) error {
	p7, err := pkcs7.Parse(signature)
	if err != nil {
		return wrap(ErrInvalidSignature, err)
	}
	p7.Content = content

	if verifyChain {
		pool := x509.NewCertPool()
		for _, ca := range caCerts {
			pool.AddCert(ca)
		}
		if err := p7.VerifyWithChain(pool); err != nil {
			return wrap(ErrInvalidSignature, err)
		}
	} else if err := p7.Verify(); err != nil {
		return wrap(ErrInvalidSignature, err)
	}

	if signer != nil {
		embedded := p7.GetOnlySigner()
		if embedded == nil || !bytes.Equal(embedded.Raw, signer.Raw) {
			return fmt.Errorf("%w: signer is not the certificate on file", ErrInvalidSignature)
		}
	}
	return nil
}

func digestOID(alg string) asn1.ObjectIdentifier {
	switch alg {
	case "sha256":
		return pkcs7.OIDDigestAlgorithmSHA256
	case "sha384":
		return pkcs7.OIDDigestAlgorithmSHA384
	case "sha512":
		return pkcs7.OIDDigestAlgorithmSHA512
	default:
		return pkcs7.OIDDigestAlgorithmSHA1
	}
}
