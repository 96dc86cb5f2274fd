package tunnel

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/posix4e/easy-enclave/internal/allowlist"
	"github.com/posix4e/easy-enclave/internal/dcap"
)

// AttestationResult is the verdict on one attest_response.
type AttestationResult struct {
	Verified   bool
	Reason     string
	Sealed     bool
	ReportData string
}

// VerifyAttestation checks an agent's attestation payload against the
// release allowlist: measurement equality, the sealed requirement, DCAP
// quote verification, and the pinned report data.
func VerifyAttestation(
	resp *AttestResponse,
	list *allowlist.Allowlist,
	requireSealed bool,
	verifier *dcap.Verifier,
	skipPCCS bool,
) AttestationResult {
	if resp.Quote == "" || len(resp.Measurements) == 0 {
		return AttestationResult{Reason: "missing_quote_or_measurements"}
	}
	if len(list.Measurements) == 0 {
		return AttestationResult{Reason: "allowlist_missing_measurements"}
	}

	sealed := measurementBool(resp.Measurements["sealed"])

	for key, want := range list.Measurements {
		if !measurementEqual(resp.Measurements[key], want) {
			return AttestationResult{Reason: "measurement_mismatch:" + key, Sealed: sealed}
		}
	}
	if requireSealed && !sealed {
		return AttestationResult{Reason: "sealed_required", Sealed: sealed}
	}

	quoteBytes, err := base64.StdEncoding.DecodeString(resp.Quote)
	if err != nil {
		return AttestationResult{Reason: "dcap_error:invalid_quote_encoding", Sealed: sealed}
	}
	result := verifier.VerifyQuote(quoteBytes, nil, skipPCCS)

	reportData := result.Measurements["report_data"]
	if expected := list.ReportData; expected != "" && reportData != "" &&
		!strings.EqualFold(reportData, expected) {
		return AttestationResult{Reason: "report_data_mismatch", Sealed: sealed, ReportData: reportData}
	}
	if !result.Verified {
		return AttestationResult{Reason: "dcap_verification_failed", Sealed: sealed, ReportData: reportData}
	}
	return AttestationResult{Verified: true, Reason: "ok", Sealed: sealed, ReportData: reportData}
}

// measurementEqual compares an agent-reported measurement against the
// allowlist expectation. Values cross the wire as JSON, so bools and
// strings both occur.
func measurementEqual(got, want any) bool {
	if gs, ok := got.(string); ok {
		if ws, ok := want.(string); ok {
			return strings.EqualFold(gs, ws)
		}
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func measurementBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}
