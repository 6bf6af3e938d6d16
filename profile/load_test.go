package profile

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

func testIdentity(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment |
			x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func writePEMIdentity(t *testing.T, dir, name string, cert *x509.Certificate, key *rsa.PrivateKey) string {
	t.Helper()

	var buf []byte
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	buf = append(buf, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})...)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func writeCertPEM(t *testing.T, dir, name string, certs ...*x509.Certificate) string {
	t.Helper()

	var buf []byte
	for _, cert := range certs {
		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func writePKCS12(t *testing.T, dir, name string, cert *x509.Certificate, key *rsa.PrivateKey, passphrase string) string {
	t.Helper()

	data, err := pkcs12.Modern.Encode(key, cert, nil, passphrase)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()

	orgCert, orgKey := testIdentity(t, "acme")
	partnerCert, partnerKey := testIdentity(t, "widgetco")
	caCert, _ := testIdentity(t, "widgetco root")

	writePKCS12(t, dir, "acme.p12", orgCert, orgKey, "s3cret")
	writePEMIdentity(t, dir, "acme.pem", orgCert, orgKey)
	writeCertPEM(t, dir, "widgetco.pem", partnerCert)
	writeCertPEM(t, dir, "widgetco-ca.pem", caCert)
	_ = partnerKey

	doc := `
organizations:
  - as2_name: acme
    name: Acme Inc
    email: edi@acme.example
    confirmation_message: Thanks, got it.
    signature_key:
      certificate: acme.p12
      passphrase: s3cret
    encryption_key:
      certificate: acme.pem

partners:
  - as2_name: widgetco
    name: Widget Co
    target_url: http://widgetco.example:8080/as2/receive
    subject: Nightly EDI batch
    content_type: application/edi-consent
    compress: true
    signature:
      algorithm: sha256
      certificate: widgetco.pem
      ca_certificate: widgetco-ca.pem
      verify_chain: true
    encryption:
      algorithm: des_ede3_cbc
      certificate: widgetco.pem
    mdn:
      request: true
      mode: async
      sign: sha1
    keep_filename: true
    http_auth:
      user: bob
      password: hunter2
    https_ca_certificate: widgetco-ca.pem
    cmd_receive: /usr/local/bin/ingest $filename
`
	path := filepath.Join(dir, "profile.yml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	org, err := s.Organization("acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Inc", org.Name)
	assert.Equal(t, "edi@acme.example", org.Email)
	assert.Equal(t, "Thanks, got it.", org.ConfirmationMessage)
	require.NotNil(t, org.SignatureKey)
	assert.Equal(t, orgCert.Raw, org.SignatureKey.Certificate.Raw)
	require.NotNil(t, org.SignatureKey.Key)
	require.NotNil(t, org.EncryptionKey)
	assert.Equal(t, orgCert.Raw, org.EncryptionKey.Certificate.Raw)

	p, err := s.Partner("widgetco")
	require.NoError(t, err)
	assert.Equal(t, "Widget Co", p.Name)
	assert.Equal(t, "http://widgetco.example:8080/as2/receive", p.TargetURL)
	assert.Equal(t, "Nightly EDI batch", p.Subject)
	assert.Equal(t, "application/edi-consent", p.ContentType)
	assert.True(t, p.Compress)
	assert.Equal(t, "sha256", p.Signature)
	require.NotNil(t, p.SignatureCert)
	assert.Equal(t, partnerCert.Raw, p.SignatureCert.Certificate.Raw)
	assert.True(t, p.SignatureCert.VerifyChain)
	require.Len(t, p.SignatureCert.CACerts, 1)
	assert.Equal(t, caCert.Raw, p.SignatureCert.CACerts[0].Raw)
	assert.Equal(t, "des_ede3_cbc", p.Encryption)
	require.NotNil(t, p.EncryptionCert)
	assert.False(t, p.EncryptionCert.VerifyChain)
	assert.True(t, p.MDN)
	assert.Equal(t, MDNModeAsync, p.MDNMode)
	assert.Equal(t, "sha1", p.MDNSign)
	assert.True(t, p.KeepFilename)
	assert.True(t, p.HTTPAuth())
	assert.Equal(t, "bob", p.HTTPAuthUser)
	assert.Equal(t, "hunter2", p.HTTPAuthPass)
	require.Len(t, p.HTTPSCACerts, 1)
	assert.Equal(t, "/usr/local/bin/ingest $filename", p.CmdReceive)
}

func TestLoadProfileRejects(t *testing.T) {
	dir := t.TempDir()
	cert, key := testIdentity(t, "x")
	writeCertPEM(t, dir, "x.pem", cert)
	writePEMIdentity(t, dir, "id.pem", cert, key)

	tests := []struct {
		name string
		doc  string
	}{
		{
			"unknown field",
			"partners:\n  - as2_name: p\n    target_uri: http://x\n",
		},
		{
			"missing organization as2 name",
			"organizations:\n  - name: No Name\n",
		},
		{
			"missing partner as2 name",
			"partners:\n  - name: No Name\n",
		},
		{
			"unknown cipher",
			"partners:\n  - as2_name: p\n    encryption:\n      algorithm: rot13\n      certificate: x.pem\n",
		},
		{
			"unknown mdn mode",
			"partners:\n  - as2_name: p\n    mdn:\n      request: true\n      mode: eventually\n",
		},
		{
			"missing certificate file",
			"partners:\n  - as2_name: p\n    signature:\n      algorithm: sha1\n      certificate: nope.pem\n",
		},
		{
			"wrong pkcs12 passphrase",
			"organizations:\n  - as2_name: o\n    signature_key:\n      certificate: id.p12\n      passphrase: wrong\n",
		},
	}

	writePKCS12(t, dir, "id.p12", cert, key, "right")

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.yml")
			require.NoError(t, os.WriteFile(path, []byte(tc.doc), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadProfileDefaultCipher(t *testing.T) {
	dir := t.TempDir()
	cert, _ := testIdentity(t, "p")
	writeCertPEM(t, dir, "p.pem", cert)

	doc := "partners:\n  - as2_name: p\n    encryption:\n      certificate: p.pem\n"
	path := filepath.Join(dir, "profile.yml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	p, err := s.Partner("p")
	require.NoError(t, err)
	assert.Equal(t, "des_ede3_cbc", p.Encryption)
	require.NotNil(t, p.EncryptionCert)
}

func TestLoadCertificates(t *testing.T) {
	dir := t.TempDir()
	a, _ := testIdentity(t, "a")
	b, _ := testIdentity(t, "b")

	t.Run("pem bundle", func(t *testing.T) {
		path := writeCertPEM(t, dir, "bundle.pem", a, b)
		certs, err := LoadCertificates(path)
		require.NoError(t, err)
		require.Len(t, certs, 2)
		assert.Equal(t, a.Raw, certs[0].Raw)
		assert.Equal(t, b.Raw, certs[1].Raw)
	})

	t.Run("raw der", func(t *testing.T) {
		path := filepath.Join(dir, "a.der")
		require.NoError(t, os.WriteFile(path, a.Raw, 0o600))
		certs, err := LoadCertificates(path)
		require.NoError(t, err)
		require.Len(t, certs, 1)
		assert.Equal(t, a.Raw, certs[0].Raw)
	})

	t.Run("no certificates", func(t *testing.T) {
		path := filepath.Join(dir, "empty.pem")
		require.NoError(t, os.WriteFile(path, []byte("-----BEGIN JUNK-----\nAA==\n-----END JUNK-----\n"), 0o600))
		_, err := LoadCertificates(path)
		assert.ErrorIs(t, err, ErrBadCertificate)
	})
}

func TestPrivateCertificatePKCS8(t *testing.T) {
	dir := t.TempDir()
	cert, key := testIdentity(t, "pkcs8")

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	var buf []byte
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})...)
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	path := filepath.Join(dir, "id.pem")
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	pc, err := LoadPrivateCertificate(path, "", "")
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, pc.Certificate.Raw)
	_, ok := pc.Key.(*rsa.PrivateKey)
	assert.True(t, ok)
}

func TestStoreLookupErrors(t *testing.T) {
	s := NewStore()
	_, err := s.Organization("ghost")
	assert.ErrorIs(t, err, ErrOrganizationNotFound)
	_, err = s.Partner("ghost")
	assert.ErrorIs(t, err, ErrPartnerNotFound)
}

func TestVerifyPool(t *testing.T) {
	leaf, _ := testIdentity(t, "leaf")
	ca, _ := testIdentity(t, "ca")

	pc := &PublicCertificate{Certificate: leaf}
	require.Len(t, pc.VerifyPool(), 1)
	assert.Equal(t, leaf.Raw, pc.VerifyPool()[0].Raw)

	pc.CACerts = []*x509.Certificate{ca}
	require.Len(t, pc.VerifyPool(), 1)
	assert.Equal(t, ca.Raw, pc.VerifyPool()[0].Raw)
}
