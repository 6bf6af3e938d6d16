// Package profile holds the trading-partner configuration of the engine:
// local organizations with their private keys, remote partners with their
// negotiated security contract, and the AS2 name handling used to resolve
// AS2-From/AS2-To headers against both.
package profile

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrPartnerNotFound      = errors.New("partner not found")
	ErrBadCertificate       = errors.New("certificate material unusable")
)

// MDN delivery modes.
const (
	MDNModeSync  = "SYNC"
	MDNModeAsync = "ASYNC"
)

// PrivateCertificate is an identity the engine can sign or decrypt with.
type PrivateCertificate struct {
	Certificate *x509.Certificate
	Key         crypto.PrivateKey
	CACerts     []*x509.Certificate
}

// PublicCertificate is partner material the engine verifies or encrypts
// against. VerifyChain demands that partner signatures chain to the CA set;
// when unset only the signature itself is checked.
type PublicCertificate struct {
	Certificate *x509.Certificate
	CACerts     []*x509.Certificate
	VerifyChain bool
}

// VerifyPool returns the certificates to treat as trust anchors, the CA set
// when provided, otherwise the leaf itself.
func (c *PublicCertificate) VerifyPool() []*x509.Certificate {
	if len(c.CACerts) > 0 {
		return c.CACerts
	}
	return []*x509.Certificate{c.Certificate}
}

// Organization is a local AS2 endpoint.
type Organization struct {
	As2Name             string
	Name                string
	Email               string
	ConfirmationMessage string
	SignatureKey        *PrivateCertificate
	EncryptionKey       *PrivateCertificate
}

// Partner is a remote AS2 endpoint and the security contract negotiated
// with it. Signature and Encryption carry the digest and cipher names;
// empty means the transformation is not applied.
type Partner struct {
	As2Name             string
	Name                string
	Email               string
	TargetURL           string
	Subject             string
	ContentType         string
	Compress            bool
	Signature           string
	SignatureCert       *PublicCertificate
	Encryption          string
	EncryptionCert      *PublicCertificate
	MDN                 bool
	MDNMode             string
	MDNSign             string
	ConfirmationMessage string
	KeepFilename        bool
	HTTPAuthUser        string
	HTTPAuthPass        string
	HTTPSCACerts        []*x509.Certificate
	CmdSend             string
	CmdReceive          string
}

// HTTPAuth reports whether outbound requests to the partner carry basic
// auth credentials.
func (p *Partner) HTTPAuth() bool {
	return p.HTTPAuthUser != ""
}

// Store resolves AS2 identities. It is populated at startup (from Load or
// the Add methods) and treated as read-only afterwards, so lookups are safe
// for concurrent use without locking.
type Store struct {
	organizations map[string]*Organization
	partners      map[string]*Partner
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		organizations: map[string]*Organization{},
		partners:      map[string]*Partner{},
	}
}

// AddOrganization registers a local endpoint, replacing any previous entry
// with the same AS2 name.
func (s *Store) AddOrganization(org *Organization) {
	s.organizations[org.As2Name] = org
}

// AddPartner registers a remote endpoint.
func (s *Store) AddPartner(p *Partner) {
	s.partners[p.As2Name] = p
}

// Organization resolves a local endpoint by its unescaped AS2 name.
func (s *Store) Organization(as2Name string) (*Organization, error) {
	org, ok := s.organizations[as2Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrOrganizationNotFound, as2Name)
	}
	return org, nil
}

// Partner resolves a remote endpoint by its unescaped AS2 name.
func (s *Store) Partner(as2Name string) (*Partner, error) {
	p, ok := s.partners[as2Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPartnerNotFound, as2Name)
	}
	return p, nil
}

// Organizations lists the registered local endpoints.
func (s *Store) Organizations() []*Organization {
	out := make([]*Organization, 0, len(s.organizations))
	for _, org := range s.organizations {
		out = append(out, org)
	}
	return out
}

// Partners lists the registered remote endpoints.
func (s *Store) Partners() []*Partner {
	out := make([]*Partner, 0, len(s.partners))
	for _, p := range s.partners {
		out = append(out, p)
	}
	return out
}
