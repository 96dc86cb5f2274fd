package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/posix4e/easy-enclave/internal/allowlist"
	"github.com/posix4e/easy-enclave/internal/dcap"
	"github.com/posix4e/easy-enclave/internal/ratls"
	"github.com/posix4e/easy-enclave/internal/tunnel"
)

// TunnelClient keeps the agent registered with the control plane: it
// answers attestation challenges, services proxy RPCs against the local
// backend, and reports health.
type TunnelClient struct {
	ControlWS      string
	Repo           string
	ReleaseTag     string
	AppName        string
	Network        string
	AgentID        string
	BackendURL     string
	HealthInterval time.Duration
	ReconnectDelay time.Duration

	Attestor *Attestor
	Log      *slog.Logger

	// RATLS holds the client certificate material; nil dials plaintext.
	RATLS *ratls.Manager
	// Verifier checks the control plane's RA-TLS certificate; nil skips
	// peer verification.
	Verifier *dcap.Verifier
	// ServerAllowlist optionally pins the control plane's quote
	// measurements.
	ServerAllowlist *allowlist.Allowlist
	SkipPCCS        bool

	HTTPClient *http.Client

	// writeMu keeps the health loop and the read-loop handlers from
	// writing the socket concurrently.
	writeMu sync.Mutex
}

// Run reconnects with a fixed back-off until the context ends.
func (c *TunnelClient) Run(ctx context.Context) {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "tunnel-client")

	if c.ControlWS == "" {
		log.Info("control websocket not configured; tunnel client disabled")
		return
	}
	if c.Repo == "" || c.ReleaseTag == "" || c.AppName == "" {
		log.Error("repo, release_tag, and app_name are required for the tunnel client")
		return
	}

	for {
		if err := c.runOnce(ctx, log); err != nil {
			log.Warn("tunnel connection ended", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.ReconnectDelay):
		}
	}
}

func (c *TunnelClient) dialer() (*websocket.Dialer, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	if c.RATLS == nil {
		return dialer, nil
	}
	material, err := c.RATLS.EnsureMaterial()
	if err != nil {
		return nil, err
	}
	cert, err := material.TLSCertificate()
	if err != nil {
		return nil, err
	}
	dialer.TLSClientConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		// The server's trust comes from its embedded quote, not a CA:
		// the RA-TLS check below replaces chain verification.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if c.Verifier == nil {
				return nil
			}
			if len(rawCerts) == 0 {
				return fmt.Errorf("ratls: missing_peer_cert")
			}
			res := ratls.VerifyPeerCert(rawCerts[0], c.ServerAllowlist, c.Verifier, c.SkipPCCS, false)
			if !res.Verified {
				return fmt.Errorf("ratls: %s", res.Reason)
			}
			return nil
		},
	}
	return dialer, nil
}

func (c *TunnelClient) runOnce(ctx context.Context, log *slog.Logger) error {
	dialer, err := c.dialer()
	if err != nil {
		return err
	}
	conn, _, err := dialer.DialContext(ctx, c.ControlWS, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("tunnel connected", "url", c.ControlWS, "app", c.AppName)

	if err := c.writeMessage(conn, &tunnel.Register{
		Repo:          c.Repo,
		ReleaseTag:    c.ReleaseTag,
		AppName:       c.AppName,
		AgentID:       c.AgentID,
		Network:       c.Network,
		TunnelVersion: "1",
	}); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go c.healthLoop(ctx, conn, done)

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := tunnel.Decode(payload)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case *tunnel.AttestRequest:
			c.handleAttestRequest(conn, m, log)
		case *tunnel.ProxyRequest:
			c.handleProxyRequest(conn, m)
		case *tunnel.Status:
			log.Info("tunnel status", "state", m.State, "reason", m.Reason)
		}
	}
}

func (c *TunnelClient) healthLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMessage(conn, &tunnel.Health{Status: "pass"})
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *TunnelClient) handleAttestRequest(conn *websocket.Conn, m *tunnel.AttestRequest, log *slog.Logger) {
	attestation, err := c.Attestor.Build()
	if err != nil {
		log.Error("attestation build failed", "error", err)
		return
	}
	c.writeMessage(conn, &tunnel.AttestResponse{
		Nonce:        m.Nonce,
		Quote:        attestation.Quote,
		ReportData:   attestation.ReportData,
		Measurements: attestation.Measurements,
	})
}

// handleProxyRequest performs the tunnelled request against the local
// backend and reports health after each served response.
func (c *TunnelClient) handleProxyRequest(conn *websocket.Conn, m *tunnel.ProxyRequest) {
	resp := c.proxyToBackend(m)
	c.writeMessage(conn, resp)
	c.writeMessage(conn, &tunnel.Health{Status: "pass"})
}

func (c *TunnelClient) proxyToBackend(m *tunnel.ProxyRequest) *tunnel.ProxyResponse {
	fail := func(status int) *tunnel.ProxyResponse {
		return &tunnel.ProxyResponse{
			RequestID: m.RequestID,
			Status:    status,
			Headers:   map[string]string{},
			BodyB64:   "",
		}
	}

	body, err := base64.StdEncoding.DecodeString(m.BodyB64)
	if err != nil {
		return fail(http.StatusBadRequest)
	}
	url := strings.TrimRight(c.BackendURL, "/") + "/" + strings.TrimLeft(m.Path, "/")
	req, err := http.NewRequest(m.Method, url, strings.NewReader(string(body)))
	if err != nil {
		return fail(http.StatusBadGateway)
	}
	for name, value := range m.Headers {
		if strings.EqualFold(name, "Host") {
			continue
		}
		req.Header.Set(name, value)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	backendResp, err := client.Do(req)
	if err != nil {
		return fail(http.StatusBadGateway)
	}
	defer backendResp.Body.Close()
	respBody, err := io.ReadAll(backendResp.Body)
	if err != nil {
		return fail(http.StatusBadGateway)
	}

	headers := make(map[string]string, len(backendResp.Header))
	for name, values := range backendResp.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return &tunnel.ProxyResponse{
		RequestID: m.RequestID,
		Status:    backendResp.StatusCode,
		Headers:   headers,
		BodyB64:   base64.StdEncoding.EncodeToString(respBody),
	}
}

func (c *TunnelClient) writeMessage(conn *websocket.Conn, msg tunnel.Message) error {
	frame, err := tunnel.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}
