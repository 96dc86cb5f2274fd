package dcap

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// defaultPCSURL is the Intel Provisioning Certification Service.
const defaultPCSURL = "https://api.trustedservices.intel.com/tdx/certification/v4"

type tcbInfoResponse struct {
	TCBInfo struct {
		FMSPC     string `json:"fmspc"`
		TCBLevels []struct {
			TCB struct {
				TDXComponents []struct {
					SVN int `json:"svn"`
				} `json:"tdxtcbcomponents"`
			} `json:"tcb"`
			TCBStatus string `json:"tcbStatus"`
		} `json:"tcbLevels"`
	} `json:"tcbInfo"`
}

func (v *Verifier) baseURL() string {
	if v.PCCSURL != "" {
		return strings.TrimRight(v.PCCSURL, "/")
	}
	return defaultPCSURL
}

// tcbStatus fetches TCB info (and QE identity) for the platform and picks
// the first TCB level whose every component SVN is at or below the quote's
// TEE TCB SVN vector.
func (v *Verifier) tcbStatus(fmspc []byte, teeTCBSVN [16]byte) (string, error) {
	base := v.baseURL()
	client := v.httpClient()

	var info tcbInfoResponse
	if err := v.getJSON(client, fmt.Sprintf("%s/tcb?fmspc=%s", base, hex.EncodeToString(fmspc)), &info); err != nil {
		return "", err
	}
	// QE identity is fetched alongside TCB info; a missing document is a
	// collateral failure like any other.
	var qe json.RawMessage
	if err := v.getJSON(client, base+"/qe/identity", &qe); err != nil {
		return "", err
	}

	for _, level := range info.TCBInfo.TCBLevels {
		match := true
		for i, comp := range level.TCB.TDXComponents {
			if i >= len(teeTCBSVN) {
				break
			}
			if int(teeTCBSVN[i]) < comp.SVN {
				match = false
				break
			}
		}
		if match {
			return level.TCBStatus, nil
		}
	}
	return "OutOfDate", nil
}

func (v *Verifier) getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collateral fetch %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
