package profile

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/luckylud/pyas2/cms"
)

// Documents mirror the on-disk YAML layout. Certificate paths are resolved
// relative to the profile file so a station directory can be moved wholesale.
type fileDoc struct {
	Organizations []orgDoc     `yaml:"organizations"`
	Partners      []partnerDoc `yaml:"partners"`
}

type keyDoc struct {
	Certificate   string `yaml:"certificate"`
	Passphrase    string `yaml:"passphrase"`
	CACertificate string `yaml:"ca_certificate"`
}

type orgDoc struct {
	As2Name             string  `yaml:"as2_name"`
	Name                string  `yaml:"name"`
	Email               string  `yaml:"email"`
	ConfirmationMessage string  `yaml:"confirmation_message"`
	SignatureKey        *keyDoc `yaml:"signature_key"`
	EncryptionKey       *keyDoc `yaml:"encryption_key"`
}

type certDoc struct {
	Algorithm     string `yaml:"algorithm"`
	Certificate   string `yaml:"certificate"`
	CACertificate string `yaml:"ca_certificate"`
	VerifyChain   bool   `yaml:"verify_chain"`
}

type mdnDoc struct {
	Request bool   `yaml:"request"`
	Mode    string `yaml:"mode"`
	Sign    string `yaml:"sign"`
}

type authDoc struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type partnerDoc struct {
	As2Name             string   `yaml:"as2_name"`
	Name                string   `yaml:"name"`
	Email               string   `yaml:"email"`
	TargetURL           string   `yaml:"target_url"`
	Subject             string   `yaml:"subject"`
	ContentType         string   `yaml:"content_type"`
	Compress            bool     `yaml:"compress"`
	Signature           *certDoc `yaml:"signature"`
	Encryption          *certDoc `yaml:"encryption"`
	MDN                 *mdnDoc  `yaml:"mdn"`
	ConfirmationMessage string   `yaml:"confirmation_message"`
	KeepFilename        bool     `yaml:"keep_filename"`
	HTTPAuth            *authDoc `yaml:"http_auth"`
	HTTPSCACertificate  string   `yaml:"https_ca_certificate"`
	CmdSend             string   `yaml:"cmd_send"`
	CmdReceive          string   `yaml:"cmd_receive"`
}

// Load reads a profile file and returns the resolved store. All referenced
// certificate material is loaded eagerly so misconfiguration surfaces at
// startup rather than mid-transmission.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(data, filepath.Dir(path))
}

func parse(data []byte, baseDir string) (*Store, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc fileDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}

	s := NewStore()
	for _, od := range doc.Organizations {
		org, err := od.resolve(baseDir)
		if err != nil {
			return nil, fmt.Errorf("organization %q: %w", od.As2Name, err)
		}
		s.AddOrganization(org)
	}
	for _, pd := range doc.Partners {
		p, err := pd.resolve(baseDir)
		if err != nil {
			return nil, fmt.Errorf("partner %q: %w", pd.As2Name, err)
		}
		s.AddPartner(p)
	}
	return s, nil
}

func (d *orgDoc) resolve(baseDir string) (*Organization, error) {
	if d.As2Name == "" {
		return nil, fmt.Errorf("as2_name is required")
	}
	org := &Organization{
		As2Name:             d.As2Name,
		Name:                d.Name,
		Email:               d.Email,
		ConfirmationMessage: d.ConfirmationMessage,
	}
	var err error
	if d.SignatureKey != nil {
		org.SignatureKey, err = LoadPrivateCertificate(
			resolvePath(baseDir, d.SignatureKey.Certificate),
			d.SignatureKey.Passphrase,
			resolvePath(baseDir, d.SignatureKey.CACertificate),
		)
		if err != nil {
			return nil, fmt.Errorf("signature key: %w", err)
		}
	}
	if d.EncryptionKey != nil {
		org.EncryptionKey, err = LoadPrivateCertificate(
			resolvePath(baseDir, d.EncryptionKey.Certificate),
			d.EncryptionKey.Passphrase,
			resolvePath(baseDir, d.EncryptionKey.CACertificate),
		)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
	}
	return org, nil
}

func (d *partnerDoc) resolve(baseDir string) (*Partner, error) {
	if d.As2Name == "" {
		return nil, fmt.Errorf("as2_name is required")
	}
	p := &Partner{
		As2Name:             d.As2Name,
		Name:                d.Name,
		Email:               d.Email,
		TargetURL:           d.TargetURL,
		Subject:             d.Subject,
		ContentType:         d.ContentType,
		Compress:            d.Compress,
		ConfirmationMessage: d.ConfirmationMessage,
		KeepFilename:        d.KeepFilename,
		CmdSend:             d.CmdSend,
		CmdReceive:          d.CmdReceive,
	}
	var err error
	if d.Signature != nil {
		p.Signature = d.Signature.Algorithm
		p.SignatureCert, err = LoadPublicCertificate(
			resolvePath(baseDir, d.Signature.Certificate),
			resolvePath(baseDir, d.Signature.CACertificate),
			d.Signature.VerifyChain,
		)
		if err != nil {
			return nil, fmt.Errorf("signature certificate: %w", err)
		}
	}
	if d.Encryption != nil {
		alg, ok := knownCipher(d.Encryption.Algorithm)
		if !ok {
			return nil, fmt.Errorf("unknown encryption algorithm %q", d.Encryption.Algorithm)
		}
		p.Encryption = alg
		p.EncryptionCert, err = LoadPublicCertificate(
			resolvePath(baseDir, d.Encryption.Certificate),
			resolvePath(baseDir, d.Encryption.CACertificate),
			d.Encryption.VerifyChain,
		)
		if err != nil {
			return nil, fmt.Errorf("encryption certificate: %w", err)
		}
	}
	if d.MDN != nil {
		p.MDN = d.MDN.Request
		p.MDNMode = strings.ToUpper(d.MDN.Mode)
		if p.MDNMode == "" {
			p.MDNMode = MDNModeSync
		}
		if p.MDNMode != MDNModeSync && p.MDNMode != MDNModeAsync {
			return nil, fmt.Errorf("unknown mdn mode %q", d.MDN.Mode)
		}
		p.MDNSign = d.MDN.Sign
	}
	if d.HTTPAuth != nil {
		p.HTTPAuthUser = d.HTTPAuth.User
		p.HTTPAuthPass = d.HTTPAuth.Password
	}
	if d.HTTPSCACertificate != "" {
		p.HTTPSCACerts, err = LoadCertificates(resolvePath(baseDir, d.HTTPSCACertificate))
		if err != nil {
			return nil, fmt.Errorf("https ca certificate: %w", err)
		}
	}
	return p, nil
}

// knownCipher resolves a profile cipher name. An encryption section with no
// algorithm falls back to the interoperability default.
func knownCipher(name string) (string, bool) {
	if name == "" {
		return cms.DefaultAlgorithm, true
	}
	for _, alg := range cms.SupportedAlgorithms() {
		if alg == name {
			return alg, true
		}
	}
	return "", false
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// LoadPrivateCertificate reads an identity from a PKCS#12 bundle or a PEM
// file holding the key and certificate. PEM keys must be unencrypted;
// passphrase-protected identities travel as PKCS#12.
func LoadPrivateCertificate(path, passphrase, caPath string) (*PrivateCertificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	pc := &PrivateCertificate{}
	if isPEM(data) {
		pc.Certificate, pc.Key, pc.CACerts, err = parsePEMIdentity(data)
	} else {
		pc.Key, pc.Certificate, pc.CACerts, err = pkcs12.DecodeChain(data, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadCertificate, path, err)
	}

	if caPath != "" {
		cas, err := LoadCertificates(caPath)
		if err != nil {
			return nil, err
		}
		pc.CACerts = append(pc.CACerts, cas...)
	}
	return pc, nil
}

// LoadPublicCertificate reads partner material from a PEM file. The first
// certificate block is the leaf; any further blocks and the optional CA
// file feed the trust anchors.
func LoadPublicCertificate(path, caPath string, verifyChain bool) (*PublicCertificate, error) {
	certs, err := LoadCertificates(path)
	if err != nil {
		return nil, err
	}

	pc := &PublicCertificate{
		Certificate: certs[0],
		CACerts:     certs[1:],
		VerifyChain: verifyChain,
	}
	if caPath != "" {
		cas, err := LoadCertificates(caPath)
		if err != nil {
			return nil, err
		}
		pc.CACerts = append(pc.CACerts, cas...)
	}
	return pc, nil
}

// LoadCertificates reads every certificate from a PEM file, or a single
// DER certificate when the file is not PEM.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if !isPEM(data) {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadCertificate, path, err)
		}
		return []*x509.Certificate{cert}, nil
	}

	var certs []*x509.Certificate
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadCertificate, path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: %s: no certificates found", ErrBadCertificate, path)
	}
	return certs, nil
}

func isPEM(data []byte) bool {
	return bytes.Contains(data, []byte("-----BEGIN "))
}

func parsePEMIdentity(data []byte) (*x509.Certificate, crypto.PrivateKey, []*x509.Certificate, error) {
	var (
		certs []*x509.Certificate
		key   crypto.PrivateKey
	)
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, nil, err
			}
			certs = append(certs, cert)
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, nil, err
			}
			key = k
		case "EC PRIVATE KEY":
			k, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, nil, err
			}
			key = k
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, nil, err
			}
			key = k
		}
	}
	if len(certs) == 0 {
		return nil, nil, nil, fmt.Errorf("no certificate block")
	}
	if key == nil {
		return nil, nil, nil, fmt.Errorf("no private key block")
	}
	return certs[0], key, certs[1:], nil
}
