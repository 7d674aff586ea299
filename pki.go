// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uaf

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgeo-scada/uaf/ua"
)

// Validation is the outcome of validating a certificate.
type Validation struct {
	Trusted bool
	Cause   error
}

// CertificateStore is the PKI capability used by the engine: it validates
// server certificates against a trust list and holds the client's own
// application instance certificate.
type CertificateStore interface {
	// Validate checks a DER encoded certificate.
	Validate(der []byte) Validation
	// Sign signs data with the client's private key (RSA PKCS#1 v1.5,
	// SHA-256).
	Sign(data []byte) ([]byte, error)
	// Verify checks a signature made with the key of the DER encoded
	// certificate.
	Verify(der, data, signature []byte) error
	// Certificate returns the client's DER encoded certificate, or nil.
	Certificate() []byte
	// PrivateKey returns the client's PKCS#1 DER encoded key, or nil.
	PrivateKey() []byte
}

// MemoryCertificateStore keeps the trust list in memory.
type MemoryCertificateStore struct {
	mu      sync.RWMutex
	cert    []byte
	key     *rsa.PrivateKey
	trusted map[string]*x509.Certificate // thumbprint -> certificate
	now     func() time.Time
}

// NewMemoryCertificateStore creates a store holding the given own
// certificate and key (both may be nil) and trusting the given DER
// certificates.
func NewMemoryCertificateStore(cert []byte, key *rsa.PrivateKey, trusted ...[]byte) (*MemoryCertificateStore, error) {
	s := &MemoryCertificateStore{
		cert:    cert,
		key:     key,
		trusted: make(map[string]*x509.Certificate),
		now:     time.Now,
	}
	for _, der := range trusted {
		if err := s.Trust(der); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Trust adds a DER certificate to the trust list.
func (s *MemoryCertificateStore) Trust(der []byte) error {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("uaf: parse trusted certificate: %w", err)
	}
	s.mu.Lock()
	s.trusted[string(Thumbprint(der))] = c
	s.mu.Unlock()
	return nil
}

// Validate accepts a certificate that is in the trust list, or is signed by
// a trusted CA, and is within its validity period.
func (s *MemoryCertificateStore) Validate(der []byte) Validation {
	if len(der) == 0 {
		return Validation{Cause: errors.New("no certificate")}
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return Validation{Cause: fmt.Errorf("parse certificate: %w", err)}
	}
	now := s.now()
	if now.Before(c.NotBefore) || now.After(c.NotAfter) {
		return Validation{Cause: fmt.Errorf("certificate not valid at %s", now.Format(time.RFC3339))}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.trusted[string(Thumbprint(der))]; ok {
		return Validation{Trusted: true}
	}
	roots := x509.NewCertPool()
	cas := 0
	for _, t := range s.trusted {
		if t.IsCA {
			roots.AddCert(t)
			cas++
		}
	}
	if cas > 0 {
		_, err := c.Verify(x509.VerifyOptions{
			Roots:       roots,
			CurrentTime: now,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err == nil {
			return Validation{Trusted: true}
		}
		return Validation{Cause: err}
	}
	return Validation{Cause: fmt.Errorf("certificate %x not in trust list", Thumbprint(der))}
}

// Sign implements CertificateStore.
func (s *MemoryCertificateStore) Sign(data []byte) ([]byte, error) {
	if s.key == nil {
		return nil, errors.New("uaf: no private key")
	}
	h := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, h[:])
}

// Verify implements CertificateStore.
func (s *MemoryCertificateStore) Verify(der, data, signature []byte) error {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("uaf: parse certificate: %w", err)
	}
	pub, ok := c.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("uaf: certificate key is not RSA")
	}
	h := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], signature)
}

// Certificate implements CertificateStore.
func (s *MemoryCertificateStore) Certificate() []byte {
	return s.cert
}

// PrivateKey implements CertificateStore.
func (s *MemoryCertificateStore) PrivateKey() []byte {
	if s.key == nil {
		return nil
	}
	return x509.MarshalPKCS1PrivateKey(s.key)
}

// NewFileCertificateStore loads the client certificate and key (PEM or DER)
// and every certificate in trustDir (.der, .cer, .crt or .pem). Empty paths
// are skipped.
func NewFileCertificateStore(certFile, keyFile, trustDir string) (*MemoryCertificateStore, error) {
	var (
		cert []byte
		key  *rsa.PrivateKey
	)
	if certFile != "" {
		data, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("uaf: read certificate: %w", err)
		}
		if _, cert, err = LoadCertificate(data); err != nil {
			return nil, err
		}
	}
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("uaf: read private key: %w", err)
		}
		if key, err = LoadPrivateKey(data); err != nil {
			return nil, err
		}
	}
	s, err := NewMemoryCertificateStore(cert, key)
	if err != nil {
		return nil, err
	}
	if trustDir == "" {
		return s, nil
	}
	entries, err := os.ReadDir(trustDir)
	if err != nil {
		return nil, fmt.Errorf("uaf: read trust list: %w", err)
	}
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".der", ".cer", ".crt", ".pem":
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(trustDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("uaf: read trust list: %w", err)
		}
		_, der, err := LoadCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("uaf: %s: %w", e.Name(), err)
		}
		if err := s.Trust(der); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadCertificate parses a PEM or DER certificate and returns it with its
// DER bytes.
func LoadCertificate(data []byte) (*x509.Certificate, []byte, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, nil, fmt.Errorf("uaf: expected CERTIFICATE, got %s", block.Type)
		}
		der = block.Bytes
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("uaf: parse certificate: %w", err)
	}
	return c, der, nil
}

// LoadPrivateKey parses a PEM or DER RSA private key (PKCS#1 or PKCS#8).
func LoadPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("uaf: parse private key: %w", err)
	}
	key, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("uaf: private key is not RSA")
	}
	return key, nil
}

// Thumbprint returns the SHA-1 thumbprint of a DER certificate.
func Thumbprint(der []byte) []byte {
	h := sha1.Sum(der)
	return h[:]
}

// CertificateTemplate describes a self-signed application instance
// certificate.
type CertificateTemplate struct {
	CommonName     string
	Organization   string
	Country        string
	ApplicationURI string
	DNSNames       []string
	IPAddresses    []net.IP
	Validity       time.Duration
	KeySize        int
	Client         bool
	Server         bool
}

// GenerateCertificate creates a self-signed certificate and RSA key with
// the extensions OPC UA requires: the application URI as a SAN URI and key
// usages for signing and encryption.
func GenerateCertificate(t CertificateTemplate) (der []byte, key *rsa.PrivateKey, err error) {
	if t.KeySize == 0 {
		t.KeySize = 2048
	}
	if t.Validity == 0 {
		t.Validity = 365 * 24 * time.Hour
	}
	uri, err := url.Parse(t.ApplicationURI)
	if err != nil || t.ApplicationURI == "" {
		return nil, nil, fmt.Errorf("uaf: invalid application URI %q", t.ApplicationURI)
	}
	key, err = rsa.GenerateKey(rand.Reader, t.KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("uaf: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("uaf: generate serial number: %w", err)
	}

	var ext []x509.ExtKeyUsage
	if t.Client || !t.Server {
		ext = append(ext, x509.ExtKeyUsageClientAuth)
	}
	if t.Server {
		ext = append(ext, x509.ExtKeyUsageServerAuth)
	}
	subject := pkix.Name{CommonName: t.CommonName}
	if t.Organization != "" {
		subject.Organization = []string{t.Organization}
	}
	if t.Country != "" {
		subject.Country = []string{t.Country}
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(t.Validity),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment |
			x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           ext,
		DNSNames:              t.DNSNames,
		IPAddresses:           t.IPAddresses,
		URIs:                  []*url.URL{uri},
		BasicConstraintsValid: true,
	}
	der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("uaf: create certificate: %w", err)
	}
	return der, key, nil
}

// validateEndpoint checks the server certificate of a secured endpoint.
func validateEndpoint(store CertificateStore, ep ua.EndpointDescription) error {
	if ep.SecurityMode == ua.MessageSecurityModeNone || ep.SecurityMode == ua.MessageSecurityModeInvalid {
		return nil
	}
	if store == nil {
		return newError(ErrSecurity, 0, ua.StatusBadSecurityChecksFailed,
			"endpoint %s requires security but no certificate store is configured", ep.EndpointURL)
	}
	if len(store.Certificate()) == 0 || len(store.PrivateKey()) == 0 {
		return newError(ErrSecurity, 0, ua.StatusBadCertificateInvalid, "no client certificate")
	}
	v := store.Validate(ep.ServerCertificate)
	if !v.Trusted {
		return &Error{
			Kind:    ErrSecurity,
			Status:  ua.StatusBadCertificateUntrusted,
			Message: "server certificate of " + ep.Server.ApplicationURI + " not trusted",
			Err:     v.Cause,
		}
	}
	return nil
}
