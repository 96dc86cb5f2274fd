// Package agent implements the enclave-side counterpart: the HTTP admin
// surface, the deployment worker, and the WebSocket tunnel client.
package agent

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/posix4e/easy-enclave/internal/quote"
)

// Attestation is the payload served on /attestation and sent in
// attest_response frames.
type Attestation struct {
	Quote        string         `json:"quote"`
	ReportData   string         `json:"report_data"`
	Measurements map[string]any `json:"measurements"`
}

// Attestor measures the agent installation and binds the digest into a
// fresh quote.
type Attestor struct {
	Provider quote.Provider
	// AgentDir is the installation tree hashed into agent_dir_sha256.
	AgentDir string
	// AgentBinary is the running executable hashed into agent_py_sha256.
	AgentBinary string
	// VMImageIDPath is consulted when VM_IMAGE_ID is unset.
	VMImageIDPath string
}

const defaultVMImageIDPath = "/etc/easy-enclave/vm_image_id"

// Measurements computes the current measurement set.
func (a *Attestor) Measurements() (map[string]any, error) {
	dirHash, err := sha256Dir(a.AgentDir)
	if err != nil {
		return nil, fmt.Errorf("hash agent dir: %w", err)
	}
	binHash, err := sha256File(a.AgentBinary)
	if err != nil {
		return nil, fmt.Errorf("hash agent binary: %w", err)
	}
	imageID, err := a.vmImageID()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent_dir_sha256": dirHash,
		"agent_py_sha256":  binHash,
		"vm_image_id":      imageID,
		"sealed":           sealedState(),
	}, nil
}

// Build produces a fresh attestation: measurements, canonical report
// data, and a quote binding it.
func (a *Attestor) Build() (*Attestation, error) {
	measurements, err := a.Measurements()
	if err != nil {
		return nil, err
	}
	reportData := BuildReportData(measurements)
	quoteBytes, err := a.Provider.GetQuote(reportData)
	if err != nil {
		return nil, err
	}
	return &Attestation{
		Quote:        base64.StdEncoding.EncodeToString(quoteBytes),
		ReportData:   hex.EncodeToString(reportData),
		Measurements: measurements,
	}, nil
}

// BuildReportData derives the 64-byte report data from the measurement
// lines: fields joined by \n in the fixed order agent_dir, agent_py,
// vm_image_id, sealed, no trailing newline; SHA256 in the first 32 bytes,
// zeros in the rest.
func BuildReportData(measurements map[string]any) []byte {
	sealed := "false"
	if v, ok := measurements["sealed"].(bool); ok && v {
		sealed = "true"
	}
	material := fmt.Sprintf(
		"agent_dir=%v\nagent_py=%v\nvm_image_id=%v\nsealed=%s",
		measurements["agent_dir_sha256"],
		measurements["agent_py_sha256"],
		measurements["vm_image_id"],
		sealed,
	)
	digest := sha256.Sum256([]byte(material))
	return quote.PadReportData(digest[:])
}

func (a *Attestor) vmImageID() (string, error) {
	if id := os.Getenv("VM_IMAGE_ID"); id != "" {
		return id, nil
	}
	path := a.VMImageIDPath
	if path == "" {
		path = defaultVMImageIDPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("VM_IMAGE_ID not set")
	}
	return strings.TrimSpace(string(data)), nil
}

func sealedState() bool {
	switch strings.ToLower(os.Getenv("SEAL_VM")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sha256Dir hashes a directory tree deterministically: sorted relative
// paths, each followed by its content.
func sha256Dir(root string) (string, error) {
	skip := map[string]bool{"__pycache__": true, ".git": true, "deployments": true, "tmp": true}

	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if skip[info.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if skip[part] {
				return nil
			}
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, rel := range files {
		h.Write([]byte(filepath.ToSlash(rel)))
		h.Write([]byte("\n"))
		f, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
