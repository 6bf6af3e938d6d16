package cms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"encoding/asn1"
	"fmt"

	"github.com/luckylud/pyas2/cms/rc2"
)

// Algorithm names as they appear in partner profiles.
const (
	AlgDES3CBC  = "des_ede3_cbc"
	AlgDESCBC   = "des_cbc"
	AlgAES128   = "aes_128_cbc"
	AlgAES192   = "aes_192_cbc"
	AlgAES256   = "aes_256_cbc"
	AlgRC240CBC = "rc2_40_cbc"
)

// DefaultAlgorithm applies when a partner profile enables encryption without
// naming a cipher. 3DES remains the AS2 interoperability baseline.
const DefaultAlgorithm = AlgDES3CBC

// rc2ParameterVersion40 encodes 40 effective key bits per RFC 2268 6.
const rc2ParameterVersion40 = 160

type cipherSuite struct {
	name     string
	oid      asn1.ObjectIdentifier
	keySize  int
	newBlock func(key []byte) (cipher.Block, error)
}

var suites = []cipherSuite{
	{name: AlgDES3CBC, oid: oidDESEDE3CBC, keySize: 24, newBlock: des.NewTripleDESCipher},
	{name: AlgDESCBC, oid: oidDESCBC, keySize: 8, newBlock: des.NewCipher},
	{name: AlgAES128, oid: oidAES128CBC, keySize: 16, newBlock: aes.NewCipher},
	{name: AlgAES192, oid: oidAES192CBC, keySize: 24, newBlock: aes.NewCipher},
	{name: AlgAES256, oid: oidAES256CBC, keySize: 32, newBlock: aes.NewCipher},
	{name: AlgRC240CBC, oid: oidRC2CBC, keySize: 5, newBlock: func(key []byte) (cipher.Block, error) {
		return rc2.New(key, 40)
	}},
}

// SupportedAlgorithms lists the negotiable content cipher names.
func SupportedAlgorithms() []string {
	names := make([]string, len(suites))
	for i, s := range suites {
		names[i] = s.name
	}
	return names
}

func suiteByName(name string) (cipherSuite, error) {
	if name == "" {
		name = DefaultAlgorithm
	}
	for _, s := range suites {
		if s.name == name {
			return s, nil
		}
	}
	return cipherSuite{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

func suiteByOID(oid asn1.ObjectIdentifier) (cipherSuite, error) {
	for _, s := range suites {
		if s.oid.Equal(oid) {
			return s, nil
		}
	}
	return cipherSuite{}, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, oid)
}

// rc2CBCParameter is the algorithm parameter structure for RC2-CBC
// (RFC 2268 6): the encoded effective key bits followed by the IV.
type rc2CBCParameter struct {
	Version int
	IV      []byte
}

func (s cipherSuite) marshalParameters(iv []byte) (asn1.RawValue, error) {
	var der []byte
	var err error
	if s.oid.Equal(oidRC2CBC) {
		der, err = asn1.Marshal(rc2CBCParameter{Version: rc2ParameterVersion40, IV: iv})
	} else {
		der, err = asn1.Marshal(iv)
	}
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: der}, nil
}

func (s cipherSuite) parseIV(params asn1.RawValue, blockSize int) ([]byte, error) {
	if s.oid.Equal(oidRC2CBC) {
		var p rc2CBCParameter
		if _, err := asn1.Unmarshal(params.FullBytes, &p); err != nil {
			return nil, fmt.Errorf("%w: rc2 parameters: %v", ErrMalformedContent, err)
		}
		if p.Version != rc2ParameterVersion40 {
			return nil, fmt.Errorf("%w: rc2 effective key version %d", ErrUnsupportedAlgorithm, p.Version)
		}
		if len(p.IV) != blockSize {
			return nil, fmt.Errorf("%w: rc2 iv length %d", ErrMalformedContent, len(p.IV))
		}
		return p.IV, nil
	}
	var iv []byte
	if _, err := asn1.Unmarshal(params.FullBytes, &iv); err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformedContent, err)
	}
	if len(iv) != blockSize {
		return nil, fmt.Errorf("%w: iv length %d, want %d", ErrMalformedContent, len(iv), blockSize)
	}
	return iv, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
