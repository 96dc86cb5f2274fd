package quote

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// FakeProvider builds structurally valid, self-consistently signed TDX
// quotes for tests and non-TDX development hosts. The quote carries a
// real ECDSA-P256 signature over the signed region, a matching embedded
// attestation public key, and a two-certificate PEM chain whose root is
// self-signed with the Intel root subject, so the verifier's chain and
// signature checks run for real against it.
type FakeProvider struct {
	TEETCBSVN [16]byte

	attestKey *ecdsa.PrivateKey
	chainPEM  []byte
	mrtd      []byte
	rtmr      [4][]byte
}

// NewFakeProvider generates the attestation key and certificate chain once;
// every quote from the same provider shares them.
func NewFakeProvider() (*FakeProvider, error) {
	attestKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Intel SGX Root CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, err
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	leafTmpl := &x509.Certificate{
		SerialNumber:       big.NewInt(2),
		Subject:            pkix.Name{CommonName: "Intel SGX PCK Certificate"},
		NotBefore:          now.Add(-time.Hour),
		NotAfter:           now.Add(24 * time.Hour),
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		ExtraExtensions:    []pkix.Extension{fakeSGXExtension()},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		return nil, err
	}

	var chain bytes.Buffer
	pem.Encode(&chain, &pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	pem.Encode(&chain, &pem.Block{Type: "CERTIFICATE", Bytes: rootDER})

	p := &FakeProvider{
		attestKey: attestKey,
		chainPEM:  chain.Bytes(),
		mrtd:      bytes.Repeat([]byte{0xa1}, measurementLen),
	}
	for i := range p.rtmr {
		p.rtmr[i] = bytes.Repeat([]byte{byte(0xb0 + i)}, measurementLen)
	}
	for i := range p.TEETCBSVN {
		p.TEETCBSVN[i] = 2
	}
	return p, nil
}

// fakeSGXExtension encodes the SGX Extensions blob with a single FMSPC
// entry (OID 1.2.840.113741.1.13.1.4), value 606a6f0000ff.
func fakeSGXExtension() pkix.Extension {
	fmspc := []byte{0x60, 0x6a, 0x6f, 0x00, 0x00, 0xff}
	inner := struct {
		ID    asn1.ObjectIdentifier
		Value []byte
	}{
		ID:    asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 4},
		Value: fmspc,
	}
	innerDER, _ := asn1.Marshal(inner)
	outerDER, _ := asn1.Marshal([]asn1.RawValue{{FullBytes: innerDER}})
	return pkix.Extension{
		Id:    asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1},
		Value: outerDER,
	}
}

// GetQuote builds a version-4 TD quote binding reportData.
func (p *FakeProvider) GetQuote(reportData []byte) ([]byte, error) {
	body := make([]byte, TDReportSize)
	copy(body[offTEETCBSVN:], p.TEETCBSVN[:])
	copy(body[offMRTD:], p.mrtd)
	for i, r := range p.rtmr {
		copy(body[offRTMR0+i*measurementLen:], r)
	}
	copy(body[offReportData:], PadReportData(reportData))

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], 4)
	binary.LittleEndian.PutUint16(header[2:4], 2)
	binary.LittleEndian.PutUint32(header[4:8], TEETypeTDX)

	signed := append(append([]byte{}, header...), body...)
	digest := sha256.Sum256(signed)
	r, s, err := ecdsa.Sign(rand.Reader, p.attestKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign fake quote: %w", err)
	}

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	pub := make([]byte, 64)
	p.attestKey.PublicKey.X.FillBytes(pub[:32])
	p.attestKey.PublicKey.Y.FillBytes(pub[32:])

	section := append(append(sig, pub...), p.chainPEM...)

	quote := make([]byte, 0, len(signed)+4+len(section))
	quote = append(quote, signed...)
	var lenWord [4]byte
	binary.LittleEndian.PutUint32(lenWord[:], uint32(len(section)))
	quote = append(quote, lenWord[:]...)
	quote = append(quote, section...)
	return quote, nil
}

// Measurements returns the hex measurement map every quote from this
// provider carries, keyed like the verifier output (report_data omitted).
func (p *FakeProvider) Measurements() map[string]string {
	q := &Quote{Report: Report{MRTD: p.mrtd, RTMR: p.rtmr, ReportData: make([]byte, ReportDataSize)}}
	m := q.Measurements()
	delete(m, "report_data")
	return m
}
