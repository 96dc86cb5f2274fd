// Package quote parses Intel TDX quotes and provides the QuoteProvider
// capability used to obtain fresh quotes from the kernel configfs-tsm
// interface.
package quote

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed TDX quote header length.
	HeaderSize = 48
	// TDReportSize is the TD report body length for quote versions 4 and 5.
	TDReportSize = 584
	// MinQuoteSize is the smallest parseable quote: header + TD report + sig length word.
	MinQuoteSize = HeaderSize + TDReportSize + 4
	// MinSignedQuoteSize is the smallest quote that can carry an Intel signature
	// section. Anything shorter means QGS is not wired behind configfs-tsm.
	MinSignedQuoteSize = 1020

	// TEETypeTDX is the tee_type header value for TD quotes.
	TEETypeTDX = 0x81

	// ReportDataSize is the caller-controlled payload bound into the quote.
	ReportDataSize = 64
)

// TD report body offsets, relative to the start of the report.
const (
	offTEETCBSVN  = 0
	offMRTD       = 136
	offRTMR0      = 328
	offReportData = 520

	measurementLen = 48
	teeTCBSVNLen   = 16
)

var (
	ErrTooShort   = errors.New("quote too short")
	ErrNotTDX     = errors.New("not a TDX quote")
	ErrVersionOld = errors.New("quote version too old")
)

// Header is the fixed 48-byte quote prefix.
type Header struct {
	Version    uint16
	AttKeyType uint16
	TEEType    uint32
}

// Report carries the hardware-measured fields of the TD report plus the
// caller-controlled report data.
type Report struct {
	TEETCBSVN  [16]byte
	MRTD       []byte
	RTMR       [4][]byte
	ReportData []byte
}

// Quote is a parsed TDX quote. Raw always holds the full original bytes.
type Quote struct {
	Header Header
	Report Report
	Raw    []byte
}

// Parse validates the header and extracts the TD report fields.
func Parse(raw []byte) (*Quote, error) {
	if len(raw) < MinQuoteSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(raw))
	}
	h := Header{
		Version:    binary.LittleEndian.Uint16(raw[0:2]),
		AttKeyType: binary.LittleEndian.Uint16(raw[2:4]),
		TEEType:    binary.LittleEndian.Uint32(raw[4:8]),
	}
	if h.TEEType != TEETypeTDX {
		return nil, fmt.Errorf("%w: tee_type %#x", ErrNotTDX, h.TEEType)
	}
	if h.Version < 4 {
		return nil, fmt.Errorf("%w: version %d", ErrVersionOld, h.Version)
	}

	body := raw[HeaderSize : HeaderSize+TDReportSize]
	r := Report{
		MRTD:       body[offMRTD : offMRTD+measurementLen],
		ReportData: body[offReportData : offReportData+ReportDataSize],
	}
	copy(r.TEETCBSVN[:], body[offTEETCBSVN:offTEETCBSVN+teeTCBSVNLen])
	for i := 0; i < 4; i++ {
		start := offRTMR0 + i*measurementLen
		r.RTMR[i] = body[start : start+measurementLen]
	}

	return &Quote{Header: h, Report: r, Raw: raw}, nil
}

// SignedRegion returns the bytes covered by the quote signature: the header
// plus the TD report.
func (q *Quote) SignedRegion() []byte {
	return q.Raw[:HeaderSize+TDReportSize]
}

// SignatureSection returns the variable-length section after the 4-byte
// signature length word.
func (q *Quote) SignatureSection() []byte {
	return q.Raw[HeaderSize+TDReportSize+4:]
}

// Measurements returns the hex-encoded measurement map keyed the way
// allowlists and the verifier report them.
func (q *Quote) Measurements() map[string]string {
	return map[string]string{
		"mrtd":        hex.EncodeToString(q.Report.MRTD),
		"rtmr0":       hex.EncodeToString(q.Report.RTMR[0]),
		"rtmr1":       hex.EncodeToString(q.Report.RTMR[1]),
		"rtmr2":       hex.EncodeToString(q.Report.RTMR[2]),
		"rtmr3":       hex.EncodeToString(q.Report.RTMR[3]),
		"report_data": hex.EncodeToString(q.Report.ReportData),
	}
}

// PadReportData right-pads data with zeros to the 64-byte report data size.
// Longer inputs are truncated.
func PadReportData(data []byte) []byte {
	out := make([]byte, ReportDataSize)
	copy(out, data)
	return out
}
