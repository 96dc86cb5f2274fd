package ratls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posix4e/easy-enclave/internal/allowlist"
	"github.com/posix4e/easy-enclave/internal/dcap"
	"github.com/posix4e/easy-enclave/internal/quote"
)

func newManager(t *testing.T) (*Manager, *quote.FakeProvider) {
	t.Helper()
	provider, err := quote.NewFakeProvider()
	require.NoError(t, err)
	return &Manager{
		Provider:   provider,
		Dir:        t.TempDir(),
		CommonName: "easyenclave-ratls",
		TTL:        time.Hour,
	}, provider
}

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestEnsureMaterialBindsPublicKey(t *testing.T) {
	m, _ := newManager(t)
	material, err := m.EnsureMaterial()
	require.NoError(t, err)

	cert := parseCert(t, material.CertPEM)
	embedded := ExtractQuote(cert)
	require.NotEmpty(t, embedded)

	q, err := quote.Parse(embedded)
	require.NoError(t, err)

	// report_data[0:32] = SHA256(SPKI), report_data[32:64] = 0.
	spki, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	require.NoError(t, err)
	digest := sha256.Sum256(spki)
	assert.Equal(t, digest[:], q.Report.ReportData[:32])
	for _, b := range q.Report.ReportData[32:] {
		assert.Zero(t, b)
	}

	assert.Equal(t, "easyenclave-ratls", cert.Subject.CommonName)
	assert.True(t, cert.NotBefore.Before(time.Now()))
	assert.True(t, cert.NotAfter.After(time.Now().Add(50*time.Minute)))
}

func TestEnsureMaterialCachesUntilExpiry(t *testing.T) {
	m, _ := newManager(t)
	first, err := m.EnsureMaterial()
	require.NoError(t, err)
	second, err := m.EnsureMaterial()
	require.NoError(t, err)
	assert.Same(t, first, second)

	// Force expiry; the next call must re-invoke the provider.
	m.material.Expires = time.Now().Add(-time.Second)
	third, err := m.EnsureMaterial()
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.NotEqual(t, first.CertPEM, third.CertPEM)
}

func TestEnsureMaterialPersists0600(t *testing.T) {
	m, _ := newManager(t)
	material, err := m.EnsureMaterial()
	require.NoError(t, err)

	for _, path := range []string{material.CertPath, material.KeyPath} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), path)
	}
	assert.Equal(t, filepath.Join(m.Dir, "ratls.crt"), material.CertPath)
}

func TestVerifyPeerCertOK(t *testing.T) {
	m, _ := newManager(t)
	material, err := m.EnsureMaterial()
	require.NoError(t, err)
	cert := parseCert(t, material.CertPEM)

	res := VerifyPeerCert(cert.Raw, nil, &dcap.Verifier{}, true, false)
	assert.True(t, res.Verified)
	assert.Equal(t, "ok", res.Reason)
	assert.NotEmpty(t, res.ReportData)
}

func TestVerifyPeerCertMissing(t *testing.T) {
	res := VerifyPeerCert(nil, nil, &dcap.Verifier{}, true, false)
	assert.False(t, res.Verified)
	assert.Equal(t, "missing_peer_cert", res.Reason)
}

func TestVerifyPeerCertRequiresAllowlist(t *testing.T) {
	m, _ := newManager(t)
	material, err := m.EnsureMaterial()
	require.NoError(t, err)
	cert := parseCert(t, material.CertPEM)

	res := VerifyPeerCert(cert.Raw, nil, &dcap.Verifier{}, true, true)
	assert.False(t, res.Verified)
	assert.Equal(t, "missing_allowlist", res.Reason)
}

func TestVerifyPeerCertMissingQuoteExtension(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	// A plain self-signed cert without the quote extension.
	certPEM, err := BuildCert(nil, key, "plain", time.Hour)
	require.NoError(t, err)
	cert := parseCert(t, certPEM)

	res := VerifyPeerCert(cert.Raw, nil, &dcap.Verifier{}, true, false)
	assert.False(t, res.Verified)
	assert.Equal(t, "missing_quote_extension", res.Reason)
}

func TestVerifyPeerCertReportDataMismatch(t *testing.T) {
	m, _ := newManager(t)
	material, err := m.EnsureMaterial()
	require.NoError(t, err)

	// Re-issue the certificate over a different key: the embedded quote
	// still binds the old key's digest.
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	oldCert := parseCert(t, material.CertPEM)
	stolenQuote := ExtractQuote(oldCert)
	certPEM, err := BuildCert(stolenQuote, otherKey, "easyenclave-ratls", time.Hour)
	require.NoError(t, err)
	cert := parseCert(t, certPEM)

	res := VerifyPeerCert(cert.Raw, nil, &dcap.Verifier{}, true, false)
	assert.False(t, res.Verified)
	assert.Equal(t, "report_data_mismatch", res.Reason)
}

func TestVerifyPeerCertAllowlistMeasurements(t *testing.T) {
	m, provider := newManager(t)
	material, err := m.EnsureMaterial()
	require.NoError(t, err)
	cert := parseCert(t, material.CertPEM)

	list := &allowlist.Allowlist{QuoteMeasurements: provider.Measurements()}
	res := VerifyPeerCert(cert.Raw, list, &dcap.Verifier{}, true, false)
	assert.True(t, res.Verified)

	list.QuoteMeasurements = map[string]string{"mrtd": hex.EncodeToString(make([]byte, 48))}
	res = VerifyPeerCert(cert.Raw, list, &dcap.Verifier{}, true, false)
	assert.False(t, res.Verified)
	assert.Equal(t, "measurement_mismatch:mrtd", res.Reason)
}

func TestReportDataForPublicKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rd, err := ReportDataForPublicKey(&key.PublicKey)
	require.NoError(t, err)
	assert.Len(t, rd, 64)
	for _, b := range rd[32:] {
		assert.Zero(t, b)
	}
}
