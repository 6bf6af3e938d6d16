package cms

import (
	"bytes"
	"crypto"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
)

type envelopedData struct {
	Version              int
	RecipientInfos       []recipientInfo `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
}

type recipientInfo struct {
	Version                int
	IssuerAndSerialNumber  issuerAndSerial
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

type issuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           asn1.RawValue `asn1:"tag:0,optional"`
}

// Encrypt envelopes content for the recipient certificate using the named
// content cipher and returns the DER encoded ContentInfo.
func Encrypt(content []byte, recipient *x509.Certificate, algorithm string) ([]byte, error) {
	suite, err := suiteByName(algorithm)
	if err != nil {
		return nil, err
	}

	key, err := randomBytes(suite.keySize)
	if err != nil {
		return nil, err
	}
	block, err := suite.newBlock(key)
	if err != nil {
		return nil, err
	}
	iv, err := randomBytes(block.BlockSize())
	if err != nil {
		return nil, err
	}

	padded := pad(content, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	params, err := suite.marshalParameters(iv)
	if err != nil {
		return nil, err
	}

	pub, ok := recipient.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: recipient key %T", ErrUnsupportedKeyType, recipient.PublicKey)
	}
	encryptedKey, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
	if err != nil {
		return nil, err
	}

	env := envelopedData{
		Version: 0,
		RecipientInfos: []recipientInfo{{
			Version: 0,
			IssuerAndSerialNumber: issuerAndSerial{
				IssuerName:   asn1.RawValue{FullBytes: recipient.RawIssuer},
				SerialNumber: recipient.SerialNumber,
			},
			KeyEncryptionAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  oidRSAEncryption,
				Parameters: asn1.NullRawValue,
			},
			EncryptedKey: encryptedKey,
		}},
		EncryptedContentInfo: encryptedContentInfo{
			ContentType: oidData,
			ContentEncryptionAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  suite.oid,
				Parameters: params,
			},
			EncryptedContent: asn1.RawValue{
				Class: asn1.ClassContextSpecific,
				Tag:   0,
				Bytes: ciphertext,
			},
		},
	}
	return marshalContentInfo(oidEnvelopedData, env)
}

// Decrypt opens a DER encoded enveloped-data ContentInfo with the given
// certificate and private key.
func Decrypt(der []byte, cert *x509.Certificate, key crypto.PrivateKey) ([]byte, error) {
	info, err := parseContentInfo(der)
	if err != nil {
		return nil, err
	}
	if !info.ContentType.Equal(oidEnvelopedData) {
		return nil, fmt.Errorf("%w: got %v", ErrNotEnvelopedData, info.ContentType)
	}

	var env envelopedData
	if _, err := asn1.Unmarshal(info.Content.Bytes, &env); err != nil {
		return nil, fmt.Errorf("%w: enveloped-data: %v", ErrMalformedContent, err)
	}

	recipient, err := selectRecipient(env.RecipientInfos, cert)
	if err != nil {
		return nil, err
	}
	if !recipient.KeyEncryptionAlgorithm.Algorithm.Equal(oidRSAEncryption) {
		return nil, fmt.Errorf("%w: key transport %v", ErrUnsupportedKeyType,
			recipient.KeyEncryptionAlgorithm.Algorithm)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key %T", ErrUnsupportedKeyType, key)
	}
	contentKey, err := rsa.DecryptPKCS1v15(rand.Reader, rsaKey, recipient.EncryptedKey)
	if err != nil {
		return nil, err
	}

	eci := env.EncryptedContentInfo
	suite, err := suiteByOID(eci.ContentEncryptionAlgorithm.Algorithm)
	if err != nil {
		return nil, err
	}
	block, err := suite.newBlock(contentKey)
	if err != nil {
		return nil, err
	}
	iv, err := suite.parseIV(eci.ContentEncryptionAlgorithm.Parameters, block.BlockSize())
	if err != nil {
		return nil, err
	}
	ciphertext, err := encryptedContentBytes(eci.EncryptedContent)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrMalformedContent, len(ciphertext))
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return unpad(plain, block.BlockSize())
}

// selectRecipient picks the recipient info whose issuer and serial match the
// decryption certificate. When nothing matches and exactly one recipient is
// present, that one is used; partners occasionally renew certificates without
// updating the serial they address.
func selectRecipient(infos []recipientInfo, cert *x509.Certificate) (recipientInfo, error) {
	for _, ri := range infos {
		if ri.IssuerAndSerialNumber.SerialNumber == nil {
			continue
		}
		if ri.IssuerAndSerialNumber.SerialNumber.Cmp(cert.SerialNumber) == 0 &&
			bytes.Equal(ri.IssuerAndSerialNumber.IssuerName.FullBytes, cert.RawIssuer) {
			return ri, nil
		}
	}
	if len(infos) == 1 {
		return infos[0], nil
	}
	return recipientInfo{}, ErrNoMatchingRecipient
}

// encryptedContentBytes unwraps the [0] IMPLICIT encrypted content, which a
// conforming DER encoder writes as a primitive string but BER encoders may
// split into constructed octet string chunks.
func encryptedContentBytes(raw asn1.RawValue) ([]byte, error) {
	if len(raw.Bytes) == 0 && len(raw.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: encrypted content absent", ErrMalformedContent)
	}
	if !raw.IsCompound {
		return raw.Bytes, nil
	}
	var out []byte
	rest := raw.Bytes
	for len(rest) > 0 {
		var chunk asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &chunk)
		if err != nil {
			return nil, fmt.Errorf("%w: constructed encrypted content: %v", ErrMalformedContent, err)
		}
		out = append(out, chunk.Bytes...)
	}
	return out, nil
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padded length %d", ErrMalformedContent, len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedContent)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedContent)
		}
	}
	return b[:len(b)-n], nil
}
