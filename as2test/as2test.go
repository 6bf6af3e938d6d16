// Package as2test provides shared fixtures for exercising the AS2 engine:
// a ready made station context with profile and record stores rooted in a
// test temp dir, and throwaway certificate identities for the exchange
// parties.
package as2test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/luckylud/pyas2/profile"
	"github.com/luckylud/pyas2/store"
)

// TestPayload is a small EDI document with wire line endings, so a payload
// round trips byte identical through every security permutation.
var TestPayload = []byte("ISA*00*          *00*          *ZZ*AS2CLIENT      *ZZ*AS2SERVER\r\n" +
	"GS*PO*AS2CLIENT*AS2SERVER*20260825*1100*1*X*004010\r\n" +
	"ST*850*000000001\r\n" +
	"SE*2*000000001\r\n" +
	"GE*1*1\r\n" +
	"IEA*1*000000001\r\n")

type TestConfig struct {
	// Root overrides the data directory, which defaults to a fresh temp
	// dir per test.
	Root string
}

type TestContext struct {
	T        *testing.T
	Log      zerolog.Logger
	Profiles *profile.Store
	Records  *store.Store
	Files    *store.FileStore
	Root     string
}

func NewTestContext(t *testing.T, cfg TestConfig) *TestContext {
	t.Helper()

	root := cfg.Root
	if root == "" {
		root = t.TempDir()
	}
	files := store.NewFileStore(root)

	records, err := store.Open(context.Background(), filepath.Join(root, "pyas2.sqlite3"), files)
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })

	return &TestContext{
		T:        t,
		Log:      zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger(),
		Profiles: profile.NewStore(),
		Records:  records,
		Files:    files,
		Root:     root,
	}
}

// AddOrganization registers id as a local station organization holding both
// the signature and encryption key. The returned profile can be mutated
// before the test runs.
func (c *TestContext) AddOrganization(id *Identity) *profile.Organization {
	c.T.Helper()
	org := &profile.Organization{
		As2Name:       id.Name,
		Name:          id.Name,
		SignatureKey:  id.Private(),
		EncryptionKey: id.Private(),
	}
	c.Profiles.AddOrganization(org)
	return org
}

// AddPartner registers id as a remote station with its verification and
// encryption certificates but no security requirements. Tests flip the
// contract fields they exercise.
func (c *TestContext) AddPartner(id *Identity) *profile.Partner {
	c.T.Helper()
	p := &profile.Partner{
		As2Name:       id.Name,
		Name:          id.Name,
		ContentType:   "application/edi-consent",
		SignatureCert: id.Public(),
		EncryptionCert: &profile.PublicCertificate{
			Certificate: id.Cert,
		},
	}
	c.Profiles.AddPartner(p)
	return p
}

// Identity is one exchange party: a self signed certificate and its key,
// usable as either side of a profile.
type Identity struct {
	Name string
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

func NewIdentity(t *testing.T, name string) *Identity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"as2test"}},
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
	return &Identity{Name: name, Cert: cert, Key: key}
}

func (id *Identity) Private() *profile.PrivateCertificate {
	return &profile.PrivateCertificate{Certificate: id.Cert, Key: id.Key}
}

func (id *Identity) Public() *profile.PublicCertificate {
	return &profile.PublicCertificate{Certificate: id.Cert}
}
