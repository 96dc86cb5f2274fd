package ratls

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"strings"

	"github.com/posix4e/easy-enclave/internal/allowlist"
	"github.com/posix4e/easy-enclave/internal/dcap"
)

// VerifyResult reports peer certificate verification with a
// machine-readable reason tag.
type VerifyResult struct {
	Verified     bool
	Reason       string
	ReportData   string
	Measurements map[string]string
}

// VerifyPeerCert checks that the DER certificate carries a valid quote
// bound to its own public key, then compares quote measurements against
// the allowlist when one is supplied.
func VerifyPeerCert(
	certDER []byte,
	list *allowlist.Allowlist,
	verifier *dcap.Verifier,
	skipPCCS bool,
	requireAllowlist bool,
) VerifyResult {
	if len(certDER) == 0 {
		return VerifyResult{Reason: "missing_peer_cert"}
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return VerifyResult{Reason: "missing_peer_cert"}
	}
	quoteBytes := ExtractQuote(cert)
	if len(quoteBytes) == 0 {
		return VerifyResult{Reason: "missing_quote_extension"}
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return VerifyResult{Reason: "report_data_mismatch"}
	}
	expectedReport, err := ReportDataForPublicKey(pub)
	if err != nil {
		return VerifyResult{Reason: "report_data_mismatch"}
	}

	res := verifier.VerifyQuote(quoteBytes, nil, skipPCCS)
	reportData := res.Measurements["report_data"]
	if reportData == "" {
		return VerifyResult{Reason: "missing_report_data", Measurements: res.Measurements}
	}
	expectedHex := hex.EncodeToString(expectedReport)
	if !strings.EqualFold(reportData, expectedHex) {
		return VerifyResult{Reason: "report_data_mismatch", ReportData: reportData, Measurements: res.Measurements}
	}
	if !res.Verified {
		return VerifyResult{Reason: "dcap_verification_failed", ReportData: reportData, Measurements: res.Measurements}
	}

	if list == nil {
		if requireAllowlist {
			return VerifyResult{Reason: "missing_allowlist", ReportData: reportData, Measurements: res.Measurements}
		}
		return VerifyResult{Verified: true, Reason: "ok", ReportData: reportData, Measurements: res.Measurements}
	}

	for key, want := range list.QuoteMeasurements {
		if key == "report_data" {
			continue
		}
		if got := res.Measurements[key]; !strings.EqualFold(got, want) {
			return VerifyResult{
				Reason:       "measurement_mismatch:" + key,
				ReportData:   reportData,
				Measurements: res.Measurements,
			}
		}
	}
	return VerifyResult{Verified: true, Reason: "ok", ReportData: reportData, Measurements: res.Measurements}
}
