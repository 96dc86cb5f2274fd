// Package tunnel implements the control WebSocket protocol: the closed
// frame set and the per-socket session state machine on the control plane
// side.
package tunnel

import (
	"encoding/json"
	"errors"
)

// Frame type tags. The message set is closed; anything else decodes to
// Unknown.
const (
	TypeRegister       = "register"
	TypeAttestRequest  = "attest_request"
	TypeAttestResponse = "attest_response"
	TypeProxyRequest   = "proxy_request"
	TypeProxyResponse  = "proxy_response"
	TypeHealth         = "health"
	TypeStatus         = "status"
)

// ErrInvalidJSON marks frames that fail to parse at all.
var ErrInvalidJSON = errors.New("invalid_json")

// Message is one decoded control frame.
type Message interface {
	frameType() string
}

type Register struct {
	Type          string `json:"type"`
	Repo          string `json:"repo"`
	ReleaseTag    string `json:"release_tag"`
	AppName       string `json:"app_name"`
	AgentID       string `json:"agent_id"`
	Network       string `json:"network,omitempty"`
	TunnelVersion string `json:"tunnel_version,omitempty"`
}

type AttestRequest struct {
	Type      string `json:"type"`
	Nonce     string `json:"nonce"`
	DeadlineS int    `json:"deadline_s"`
	Reason    string `json:"reason"`
}

type AttestResponse struct {
	Type         string         `json:"type"`
	Nonce        string         `json:"nonce"`
	Quote        string         `json:"quote"`
	ReportData   string         `json:"report_data"`
	Measurements map[string]any `json:"measurements"`
}

type ProxyRequest struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	BodyB64   string            `json:"body_b64"`
}

type ProxyResponse struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	BodyB64   string            `json:"body_b64"`
}

type Health struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type Status struct {
	Type   string `json:"type"`
	State  string `json:"state"`
	Reason string `json:"reason"`
}

// Unknown wraps a frame with an unrecognised type tag.
type Unknown struct {
	TypeTag string
	Raw     []byte
}

func (*Register) frameType() string       { return TypeRegister }
func (*AttestRequest) frameType() string  { return TypeAttestRequest }
func (*AttestResponse) frameType() string { return TypeAttestResponse }
func (*ProxyRequest) frameType() string   { return TypeProxyRequest }
func (*ProxyResponse) frameType() string  { return TypeProxyResponse }
func (*Health) frameType() string         { return TypeHealth }
func (*Status) frameType() string         { return TypeStatus }
func (*Unknown) frameType() string        { return "unknown" }

// Decode parses one text frame into its typed message. Frames with an
// unknown type tag decode to *Unknown rather than an error.
func Decode(raw []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidJSON
	}

	var msg Message
	switch env.Type {
	case TypeRegister:
		msg = &Register{}
	case TypeAttestRequest:
		msg = &AttestRequest{}
	case TypeAttestResponse:
		msg = &AttestResponse{}
	case TypeProxyRequest:
		msg = &ProxyRequest{}
	case TypeProxyResponse:
		msg = &ProxyResponse{}
	case TypeHealth:
		msg = &Health{}
	case TypeStatus:
		msg = &Status{}
	default:
		return &Unknown{TypeTag: env.Type, Raw: raw}, nil
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, ErrInvalidJSON
	}
	return msg, nil
}

// Encode marshals a message with its type tag filled in.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Register:
		m.Type = TypeRegister
	case *AttestRequest:
		m.Type = TypeAttestRequest
	case *AttestResponse:
		m.Type = TypeAttestResponse
	case *ProxyRequest:
		m.Type = TypeProxyRequest
	case *ProxyResponse:
		m.Type = TypeProxyResponse
	case *Health:
		m.Type = TypeHealth
	case *Status:
		m.Type = TypeStatus
	}
	return json.Marshal(msg)
}
