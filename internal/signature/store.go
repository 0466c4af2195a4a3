package signature

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// Store holds the trusted IdP certificates, resolved once at startup.
type Store struct {
	certs []*x509.Certificate
}

// LoadStore reads trusted certificates from path. PKCS#12 stores (.p12 or
// .pfx) are decrypted with password; anything else is treated as a PEM
// bundle and the password is ignored. A non-empty alias narrows the store to
// certificates whose subject common name matches it.
func LoadStore(path, password, alias string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust store: %w", err)
	}

	var certs []*x509.Certificate
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		certs, err = decodePKCS12(data, password)
	default:
		certs, err = decodePEM(data)
	}
	if err != nil {
		return nil, err
	}

	if alias != "" {
		var matched []*x509.Certificate
		for _, cert := range certs {
			if cert.Subject.CommonName == alias {
				matched = append(matched, cert)
			}
		}
		if len(matched) == 0 {
			return nil, fmt.Errorf("no certificate with alias %q in trust store %s", alias, path)
		}
		certs = matched
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates in trust store %s", path)
	}
	return &Store{certs: certs}, nil
}

// NewStore wraps already-loaded certificates, for callers that obtain trust
// material elsewhere (tests, embedded deployments).
func NewStore(certs ...*x509.Certificate) *Store {
	return &Store{certs: certs}
}

// Certificates returns the trusted certificates.
func (s *Store) Certificates() []*x509.Certificate {
	return s.certs
}

func decodePKCS12(data []byte, password string) ([]*x509.Certificate, error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode PKCS#12 trust store: %w", err)
	}
	var certs []*x509.Certificate
	for _, block := range blocks {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func decodePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
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
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
