package quote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Provider produces a hardware attestation quote binding 64 bytes of
// caller-chosen report data.
type Provider interface {
	GetQuote(reportData []byte) ([]byte, error)
}

var (
	// ErrUnavailable means the attestation interface is absent on this host.
	ErrUnavailable = errors.New("configfs-tsm not available")
	// ErrEmptyQuote means the interface returned zero bytes.
	ErrEmptyQuote = errors.New("empty quote from configfs-tsm")
	// ErrUnsignedQuote means the interface returned something too small to
	// carry an Intel signature section, which happens when no QGS backend
	// is wired behind configfs-tsm.
	ErrUnsignedQuote = errors.New("quote too small to carry an Intel signature")
)

// ValidateSignedSize rejects quotes below the minimum Intel-signed size.
func ValidateSignedSize(raw []byte) error {
	if len(raw) < MinSignedQuoteSize {
		return fmt.Errorf("%w: %d bytes, need %d", ErrUnsignedQuote, len(raw), MinSignedQuoteSize)
	}
	return nil
}

const defaultTSMPath = "/sys/kernel/config/tsm/report"

// TSMProvider obtains quotes through the kernel configfs-tsm report
// interface. The kernel routes the request to the QGS backend, so every
// quote is Intel-signed.
type TSMProvider struct {
	// Path overrides the configfs report directory; empty means the
	// kernel default.
	Path string
}

func (p *TSMProvider) root() string {
	if p.Path != "" {
		return p.Path
	}
	return defaultTSMPath
}

// GetQuote writes reportData (zero-padded to 64 bytes) to a transient
// report directory's inblob and reads the quote from outblob. The
// directory is released on every exit path.
func (p *TSMProvider) GetQuote(reportData []byte) ([]byte, error) {
	root := p.root()
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("%w at %s", ErrUnavailable, root)
	}

	reportDir, err := os.MkdirTemp(root, "report-")
	if err != nil {
		return nil, fmt.Errorf("create tsm report dir: %w", err)
	}
	defer os.Remove(reportDir)

	inblob := filepath.Join(reportDir, "inblob")
	if err := os.WriteFile(inblob, PadReportData(reportData), 0o600); err != nil {
		return nil, fmt.Errorf("write inblob: %w", err)
	}

	outblob := filepath.Join(reportDir, "outblob")
	data, err := os.ReadFile(outblob)
	if err != nil {
		return nil, fmt.Errorf("read outblob: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyQuote
	}
	if err := ValidateSignedSize(data); err != nil {
		return nil, err
	}
	return data, nil
}
