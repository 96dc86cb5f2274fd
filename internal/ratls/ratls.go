// Package ratls binds TDX quotes into self-signed X.509 certificates so
// the control plane and agents can authenticate each other at the
// transport layer.
package ratls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/posix4e/easy-enclave/internal/quote"
)

// QuoteOID is the non-critical extension carrying the raw TDX quote.
var QuoteOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 1, 1}

// ReportDataForPublicKey derives the 64-byte report data bound into an
// RA-TLS quote: SHA256 of the SubjectPublicKeyInfo followed by 32 zero
// bytes.
func ReportDataForPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	digest := sha256.Sum256(spki)
	out := make([]byte, quote.ReportDataSize)
	copy(out, digest[:])
	return out, nil
}

// BuildCert issues a self-signed certificate over key with the quote
// embedded under QuoteOID. Validity is [now-60s, now+ttl].
func BuildCert(quoteBytes []byte, key *ecdsa.PrivateKey, commonName string, ttl time.Duration) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(ttl),
		ExtraExtensions: []pkix.Extension{{
			Id:    QuoteOID,
			Value: quoteBytes,
		}},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create ratls certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// ExtractQuote returns the raw quote bytes from the RA-TLS extension, or
// nil when absent.
func ExtractQuote(cert *x509.Certificate) []byte {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(QuoteOID) {
			return ext.Value
		}
	}
	return nil
}

// Material is a generated key pair plus the quote-bearing certificate.
type Material struct {
	CertPEM  []byte
	KeyPEM   []byte
	Key      *ecdsa.PrivateKey
	Expires  time.Time
	CertPath string
	KeyPath  string
}

// TLSCertificate converts the material for use in a tls.Config.
func (m *Material) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(m.CertPEM, m.KeyPEM)
}

// Manager caches RA-TLS material and regenerates it when the certificate
// TTL lapses. Each regeneration re-invokes the quote provider.
type Manager struct {
	Provider   quote.Provider
	Dir        string
	CommonName string
	TTL        time.Duration

	mu       sync.Mutex
	material *Material
}

// EnsureMaterial returns cached material while it is fresh, otherwise
// generates a new key pair, obtains a quote over its public key digest,
// and persists certificate and key with 0600 permissions.
func (m *Manager) EnsureMaterial() (*Material, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.material != nil && time.Now().Before(m.material.Expires) {
		return m.material, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	reportData, err := ReportDataForPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	quoteBytes, err := m.Provider.GetQuote(reportData)
	if err != nil {
		return nil, fmt.Errorf("obtain ratls quote: %w", err)
	}
	certPEM, err := BuildCert(quoteBytes, key, m.CommonName, m.TTL)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	mat := &Material{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		Key:     key,
		Expires: time.Now().Add(m.TTL),
	}
	if m.Dir != "" {
		if err := m.persist(mat); err != nil {
			return nil, err
		}
	}
	m.material = mat
	return mat, nil
}

// persist writes cert and key atomically (write temp, rename) into a 0700
// directory; both files end up 0600.
func (m *Manager) persist(mat *Material) error {
	if err := os.MkdirAll(m.Dir, 0o700); err != nil {
		return err
	}
	certPath := filepath.Join(m.Dir, "ratls.crt")
	keyPath := filepath.Join(m.Dir, "ratls.key")
	if err := writeFileAtomic(certPath, mat.CertPEM); err != nil {
		return err
	}
	if err := writeFileAtomic(keyPath, mat.KeyPEM); err != nil {
		return err
	}
	mat.CertPath = certPath
	mat.KeyPath = keyPath
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
