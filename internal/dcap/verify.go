// Package dcap verifies TDX quotes: certificate chain, ECDSA quote
// signature, optional measurement comparison, and TCB status via a PCCS
// collateral service.
package dcap

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/posix4e/easy-enclave/internal/quote"
)

// sgxExtensionsOID marks the SGX Extensions blob in the PCK leaf; the
// FMSPC entry nests under it.
var (
	sgxExtensionsOID = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}
	fmspcOID         = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 4}
)

const intelRootCN = "Intel SGX Root CA"

// Result is the verifier outcome. Reason is a machine-readable tag, never
// free text.
type Result struct {
	Verified     bool              `json:"verified"`
	Measurements map[string]string `json:"measurements"`
	Reason       string            `json:"reason"`
	TCBStatus    string            `json:"tcb_status"`
}

// Verifier checks quotes against the pinned Intel root and, unless told
// otherwise, a PCCS collateral service.
type Verifier struct {
	// PCCSURL overrides the Intel PCS base URL.
	PCCSURL string
	// RootCAPEM optionally pins the exact root certificate; when empty the
	// chain root is required to be self-signed with the Intel root subject.
	RootCAPEM []byte

	HTTPClient *http.Client
}

func (v *Verifier) httpClient() *http.Client {
	if v.HTTPClient != nil {
		return v.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// VerifyQuote runs the full verification pipeline, from header checks
// through TCB status. A PCCS network failure is not a security failure: the
// result falls back to the local checks with TCBStatus "local_only".
func (v *Verifier) VerifyQuote(raw []byte, expected map[string]string, skipPCCS bool) Result {
	q, err := quote.Parse(raw)
	if err != nil {
		reason := "not_tdx"
		if errors.Is(err, quote.ErrVersionOld) {
			reason = "version_too_old"
		}
		return Result{Reason: reason, TCBStatus: "unknown"}
	}
	measurements := q.Measurements()

	chain, chainErr := extractChain(q.SignatureSection())
	chainOK := chainErr == nil
	sigOK := false
	if chainOK {
		sigOK = verifyQuoteSignature(q) == nil
	}

	measurementOK := true
	for key, want := range expected {
		got, ok := measurements[key]
		if !ok || !strings.EqualFold(got, want) {
			return Result{
				Verified:     false,
				Measurements: measurements,
				Reason:       "measurement_mismatch:" + key,
				TCBStatus:    "unknown",
			}
		}
	}

	if !chainOK {
		return Result{Measurements: measurements, Reason: "cert_chain_invalid", TCBStatus: "unknown"}
	}
	if err := v.verifyChain(chain); err != nil {
		return Result{Measurements: measurements, Reason: "cert_chain_invalid", TCBStatus: "unknown"}
	}
	if !sigOK {
		return Result{Measurements: measurements, Reason: "quote_signature_invalid", TCBStatus: "unknown"}
	}

	localOK := chainOK && sigOK && measurementOK
	if skipPCCS {
		return Result{Verified: localOK, Measurements: measurements, Reason: "ok", TCBStatus: "skipped"}
	}

	fmspc, err := extractFMSPC(chain[0])
	if err != nil {
		return Result{Verified: localOK, Measurements: measurements, Reason: "ok", TCBStatus: "local_only"}
	}
	status, err := v.tcbStatus(fmspc, q.Report.TEETCBSVN)
	if err != nil {
		// Collateral unreachable; reduced to the local checks.
		return Result{Verified: localOK, Measurements: measurements, Reason: "ok", TCBStatus: "local_only"}
	}

	res := Result{Measurements: measurements, TCBStatus: status, Reason: "ok"}
	switch status {
	case "UpToDate", "SWHardeningNeeded",
		"ConfigurationNeeded", "ConfigurationAndSWHardeningNeeded":
		res.Verified = localOK
	case "Revoked":
		res.Verified = false
		res.Reason = "tcb_revoked"
	default:
		res.Verified = false
		res.Reason = "tcb_status:" + status
	}
	return res
}

// extractChain pulls the PEM certificates out of the signature section,
// leaf first.
func extractChain(section []byte) ([]*x509.Certificate, error) {
	idx := bytes.Index(section, []byte("-----BEGIN CERTIFICATE-----"))
	if idx < 0 {
		return nil, fmt.Errorf("no certificate chain in signature section")
	}
	rest := section[idx:]
	var chain []*x509.Certificate
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
			return nil, fmt.Errorf("parse chain certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificate chain in signature section")
	}
	return chain, nil
}

// verifyChain checks each certificate against its issuer and pins the root.
func (v *Verifier) verifyChain(chain []*x509.Certificate) error {
	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			return fmt.Errorf("chain link %d: %w", i, err)
		}
	}
	root := chain[len(chain)-1]
	if err := root.CheckSignature(root.SignatureAlgorithm, root.RawTBSCertificate, root.Signature); err != nil {
		return fmt.Errorf("root not self-signed: %w", err)
	}
	if len(v.RootCAPEM) > 0 {
		block, _ := pem.Decode(v.RootCAPEM)
		if block == nil || !bytes.Equal(block.Bytes, root.Raw) {
			return fmt.Errorf("root does not match pinned CA")
		}
		return nil
	}
	if root.Subject.CommonName != intelRootCN {
		return fmt.Errorf("unexpected root subject %q", root.Subject.CommonName)
	}
	return nil
}

// verifyQuoteSignature checks the 64-byte r||s ECDSA signature over the
// signed region using the attestation key embedded in the signature
// section.
func verifyQuoteSignature(q *quote.Quote) error {
	section := q.SignatureSection()
	if len(section) < 128 {
		return fmt.Errorf("signature section too short")
	}
	sig := section[:64]
	pub := section[64:128]

	x := new(big.Int).SetBytes(pub[:32])
	y := new(big.Int).SetBytes(pub[32:])
	key := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])

	digest := sha256.Sum256(q.SignedRegion())
	if !ecdsa.Verify(key, digest[:], r, s) {
		return fmt.Errorf("quote signature invalid")
	}
	return nil
}

// extractFMSPC finds the FMSPC entry inside the leaf's SGX Extensions.
func extractFMSPC(leaf *x509.Certificate) ([]byte, error) {
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(sgxExtensionsOID) {
			continue
		}
		var entries []asn1.RawValue
		if _, err := asn1.Unmarshal(ext.Value, &entries); err != nil {
			return nil, fmt.Errorf("parse sgx extensions: %w", err)
		}
		for _, entry := range entries {
			var kv struct {
				ID    asn1.ObjectIdentifier
				Value asn1.RawValue
			}
			if _, err := asn1.Unmarshal(entry.FullBytes, &kv); err != nil {
				continue
			}
			if kv.ID.Equal(fmspcOID) {
				return kv.Value.Bytes, nil
			}
		}
	}
	return nil, fmt.Errorf("fmspc not present in leaf certificate")
}
