package smime

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"smime-test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestSignVerifyRoundTrip(t *testing.T) {
	cert, key := testIdentity(t, "signer")
	content := []byte("Content-Type: application/EDI-X12\r\n\r\nISA*00*\r\n")

	for _, alg := range []string{"sha1", "sha256", "sha384", "sha512"} {
		t.Run(alg, func(t *testing.T) {
			micalg, sig, err := Sign(content, cert, key, alg)
			require.NoError(t, err)
			assert.Equal(t, alg, micalg)
			require.NotEmpty(t, sig)

			require.NoError(t, Verify(content, sig, cert, nil, false))
			require.NoError(t, Verify(content, sig, cert, []*x509.Certificate{cert}, true))
		})
	}
}

func TestSignDefaultsToSHA1(t *testing.T) {
	cert, key := testIdentity(t, "signer")
	micalg, _, err := Sign([]byte("x"), cert, key, "")
	require.NoError(t, err)
	assert.Equal(t, "sha1", micalg)

	micalg, _, err = Sign([]byte("x"), cert, key, "whirlpool")
	require.NoError(t, err)
	assert.Equal(t, "sha1", micalg)
}

func TestVerifyDetectsTamper(t *testing.T) {
	cert, key := testIdentity(t, "signer")
	content := []byte("ISA*00*original content\r\n")
	_, sig, err := Sign(content, cert, key, "sha256")
	require.NoError(t, err)

	tampered := append([]byte(nil), content...)
	tampered[4] ^= 0x01
	err = Verify(tampered, sig, cert, nil, false)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyChainRejectsUnknownSigner(t *testing.T) {
	cert, key := testIdentity(t, "signer")
	otherCA, _ := testIdentity(t, "unrelated-ca")
	content := []byte("payload")
	_, sig, err := Sign(content, cert, key, "sha1")
	require.NoError(t, err)

	err = Verify(content, sig, cert, []*x509.Certificate{otherCA}, true)
	require.ErrorIs(t, err, ErrInvalidSignature)

	// Without chain verification the pinned certificate still decides.
	require.NoError(t, Verify(content, sig, cert, nil, false))
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	cert, key := testIdentity(t, "signer")
	impostor, _ := testIdentity(t, "impostor")
	content := []byte("payload")
	_, sig, err := Sign(content, cert, key, "sha256")
	require.NoError(t, err)

	// The blob verifies against its own embedded certificate, but that is
	// not the certificate on file for the partner.
	err = Verify(content, sig, impostor, nil, false)
	require.ErrorIs(t, err, ErrInvalidSignature)

	// No pin, no opinion about the signer.
	require.NoError(t, Verify(content, sig, nil, nil, false))
}

func TestVerifyGarbageSignature(t *testing.T) {
	err := Verify([]byte("content"), []byte("not a pkcs7 blob"), nil, nil, false)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestEncryptDecryptWrapper(t *testing.T) {
	cert, key := testIdentity(t, "recipient")
	content := []byte("UNB+UNOC:3+a+b'")

	der, err := Encrypt(content, cert, "aes_256_cbc")
	require.NoError(t, err)
	plain, err := Decrypt(der, cert, key)
	require.NoError(t, err)
	assert.Equal(t, content, plain)

	_, err = Encrypt(content, cert, "des_ede5_cbc")
	require.ErrorIs(t, err, ErrUnsupportedAlg)

	_, err = Decrypt([]byte("garbage"), cert, key)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestCompressDecompressWrapper(t *testing.T) {
	content := []byte("ISA*00*          *00*\r\n")
	der, err := Compress(content)
	require.NoError(t, err)
	out, err := Decompress(der)
	require.NoError(t, err)
	assert.Equal(t, content, out)

	_, err = Decompress([]byte("junk"))
	require.ErrorIs(t, err, ErrDecompressionFailed)
}

func TestMIC(t *testing.T) {
	tests := []struct {
		alg  string
		want string
	}{
		{alg: "sha1", want: "qvTGHdzF6KLavt4PO0gs2a6pQ00="},
		{alg: "SHA-1", want: "qvTGHdzF6KLavt4PO0gs2a6pQ00="},
		{alg: "sha256", want: "LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ="},
		{alg: "sha-512", want: "m3HSJL1i83hdltRq0+o9czGb+8KJDKra4t/3JRlnPKcjI8PZm6XBHXx6zG4UuMXaDEZjR1wuXDre9G9zvN7AQw=="},
		{alg: "unknown", want: "qvTGHdzF6KLavt4PO0gs2a6pQ00="},
	}
	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			assert.Equal(t, tt.want, MIC([]byte("hello"), tt.alg))
		})
	}
}

func TestMICMatches(t *testing.T) {
	assert.True(t, MICMatches("abc123=", "abc123=, sha1"))
	assert.True(t, MICMatches("abc123=, sha1", "abc123=, sha256"))
	assert.False(t, MICMatches("abc123=", "def456=, sha1"))
	assert.True(t, MICMatches("abc123=", " abc123= "))
}

func TestNormalizeDigestAlgorithm(t *testing.T) {
	assert.Equal(t, "sha1", NormalizeDigestAlgorithm(""))
	assert.Equal(t, "sha256", NormalizeDigestAlgorithm("SHA-256"))
	assert.Equal(t, "sha512", NormalizeDigestAlgorithm("sha_512"))
	assert.Equal(t, "sha1", NormalizeDigestAlgorithm("md5"))
}
