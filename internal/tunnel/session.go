package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/posix4e/easy-enclave/internal/allowlist"
	"github.com/posix4e/easy-enclave/internal/dcap"
	"github.com/posix4e/easy-enclave/internal/ledger"
	"github.com/posix4e/easy-enclave/internal/metrics"
	"github.com/posix4e/easy-enclave/internal/ratls"
	"github.com/posix4e/easy-enclave/internal/registry"
)

// Proxy RPC failure modes surfaced to the HTTP layer.
var (
	ErrProxyTimeout = errors.New("proxy_timeout")
	ErrNoTunnel     = errors.New("no_tunnel")
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Deps are the shared components a session calls into. Each is internally
// synchronised; sessions hold no lock while calling across.
type Deps struct {
	Registry   *registry.Registry
	Ledger     *ledger.Store
	Allowlists *allowlist.Store
	Verifier   *dcap.Verifier
	Sessions   *Manager
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Options fix per-session policy.
type Options struct {
	AttestInterval time.Duration
	AttestDeadline time.Duration
	ProxyTimeout   time.Duration

	NetworkAllowed func(network string) bool
	SealedRequired func(network string) bool

	RATLSRequired bool
	SkipPCCS      bool
	// PeerCertDER is the client certificate presented at the transport
	// layer, when any.
	PeerCertDER []byte
}

// Session owns one accepted control WebSocket. All frame handling runs on
// the read goroutine; every writer goes through writeMu so frames are
// never interleaved on the wire.
type Session struct {
	conn *websocket.Conn
	deps Deps
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// writeMu serialises all writers: frame handlers, the watchdog, the
	// attest loop, proxy callers, and the ping loop.
	writeMu sync.Mutex

	mu            sync.Mutex
	appName       string
	repo          string
	releaseTag    string
	network       string
	agentID       string
	tunnelID      string
	pendingNonce  string
	pendingSentAt time.Time
	registered    bool
	attesting     bool
	closed        bool
	pendingProxy  map[string]chan *ProxyResponse
}

// NewSession wraps an accepted connection. Run must be called to start it.
func NewSession(conn *websocket.Conn, deps Deps, opts Options) *Session {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		conn:         conn,
		deps:         deps,
		opts:         opts,
		log:          log.With("component", "session"),
		pendingProxy: make(map[string]chan *ProxyResponse),
	}
}

// Run services the socket until it closes, then tears everything down:
// children joined, pending proxies failed, registry and ledger told.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsConnected.Inc()
	}

	s.wg.Add(1)
	go s.pingLoop()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleRaw(payload)
	}

	s.teardown()
	s.wg.Wait()
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsConnected.Dec()
	}
}

func (s *Session) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) sendMessage(msg Message) {
	frame, err := Encode(msg)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Session) sendStatus(state, reason string) {
	s.sendMessage(&Status{State: state, Reason: reason})
}

// close signals teardown; the read loop unblocks on the closed conn.
func (s *Session) close() {
	s.cancel()
	s.conn.Close()
}

func (s *Session) handleRaw(raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		s.sendStatus("invalid", "invalid_json")
		return
	}
	switch m := msg.(type) {
	case *Register:
		s.handleRegister(m)
	case *AttestResponse:
		s.handleAttestResponse(m)
	case *Health:
		s.handleHealth(m)
	case *ProxyResponse:
		s.handleProxyResponse(m)
	default:
		s.sendStatus("invalid", "unknown_message")
	}
}

func (s *Session) handleRegister(m *Register) {
	network := m.Network
	if network == "" {
		network = "forge-1"
	}
	if m.Repo == "" || m.ReleaseTag == "" || m.AppName == "" || m.AgentID == "" {
		s.sendStatus("invalid", "missing_fields")
		return
	}
	if s.opts.NetworkAllowed != nil && !s.opts.NetworkAllowed(network) {
		s.sendStatus("invalid", "invalid_network")
		return
	}

	if s.opts.RATLSRequired {
		var list *allowlist.Allowlist
		if s.deps.Allowlists != nil {
			list, _ = s.deps.Allowlists.Get(m.Repo, m.ReleaseTag)
		}
		res := ratls.VerifyPeerCert(s.opts.PeerCertDER, list, s.deps.Verifier, s.opts.SkipPCCS, false)
		if !res.Verified {
			s.sendStatus("invalid", "ratls_"+res.Reason)
			s.close()
			return
		}
	}

	s.mu.Lock()
	s.repo = m.Repo
	s.releaseTag = m.ReleaseTag
	s.appName = m.AppName
	s.agentID = m.AgentID
	s.network = network
	s.tunnelID = fmt.Sprintf("%s:%s", m.AppName, randomHex(8))
	s.mu.Unlock()

	if err := s.deps.Ledger.EnsureNode(m.AgentID); err != nil {
		s.log.Error("ensure node failed", "agent_id", m.AgentID, "error", err)
	}

	s.sendAttestRequest("register")
}

// sendAttestRequest starts a round unless one is already pending
// (single-flight per session).
func (s *Session) sendAttestRequest(reason string) {
	s.mu.Lock()
	if s.attesting || s.closed {
		s.mu.Unlock()
		return
	}
	nonce := randomHex(16)
	s.attesting = true
	s.pendingNonce = nonce
	s.pendingSentAt = time.Now()
	s.mu.Unlock()

	s.sendMessage(&AttestRequest{
		Nonce:     nonce,
		DeadlineS: int(s.opts.AttestDeadline / time.Second),
		Reason:    reason,
	})

	s.wg.Add(1)
	go s.attestWatchdog(nonce)
}

// attestWatchdog closes the session when the nonce is still pending at
// the deadline.
func (s *Session) attestWatchdog(nonce string) {
	defer s.wg.Done()
	timer := time.NewTimer(s.opts.AttestDeadline)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	expired := s.pendingNonce == nonce
	agentID := s.agentID
	s.mu.Unlock()
	if !expired {
		return
	}

	s.sendStatus("invalid", "attestation_timeout")
	if agentID != "" {
		s.deps.Ledger.RecordNodeEvent(agentID, "attest_miss", "timeout")
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.AttestRounds.WithLabelValues("timeout").Inc()
	}
	s.close()
}

func (s *Session) handleAttestResponse(m *AttestResponse) {
	s.mu.Lock()
	if s.pendingNonce == "" {
		s.mu.Unlock()
		s.sendStatus("invalid", "unexpected_attestation")
		return
	}
	agentID := s.agentID
	if m.Nonce != s.pendingNonce {
		s.mu.Unlock()
		s.sendStatus("invalid", "nonce_mismatch")
		s.deps.Ledger.RecordNodeEvent(agentID, "attest_miss", "nonce_mismatch")
		s.close()
		return
	}
	elapsed := time.Since(s.pendingSentAt)
	if elapsed > s.opts.AttestDeadline {
		s.mu.Unlock()
		s.sendStatus("invalid", "attestation_timeout")
		s.deps.Ledger.RecordNodeEvent(agentID, "attest_miss", "timeout")
		s.close()
		return
	}
	// The round completes here; verification decides admit or close.
	s.pendingNonce = ""
	s.attesting = false
	appName := s.appName
	repo := s.repo
	releaseTag := s.releaseTag
	network := s.network
	tunnelID := s.tunnelID
	wasRegistered := s.registered
	s.mu.Unlock()

	list, err := s.deps.Allowlists.Get(repo, releaseTag)
	if err != nil {
		reason := err.Error()
		var fetchErr *allowlist.FetchError
		if errors.As(err, &fetchErr) {
			reason = fetchErr.Reason
		}
		s.failAttestation(agentID, "allowlist_fetch_failed:"+reason, false)
		return
	}

	requireSealed := s.opts.SealedRequired != nil && s.opts.SealedRequired(network)
	result := VerifyAttestation(m, list, requireSealed, s.deps.Verifier, s.opts.SkipPCCS)
	if !result.Verified {
		// Record the instance so operators can see the failed admission.
		if rec, rerr := s.deps.Registry.Register(appName, repo, releaseTag, network, agentID); rerr == nil && rec != nil {
			s.deps.Registry.MarkAttested(appName, result.Sealed, "invalid")
		}
		s.deps.Ledger.MarkAttestation(agentID, "invalid")
		s.failAttestation(agentID, result.Reason, true)
		return
	}

	if _, err := s.deps.Registry.Register(appName, repo, releaseTag, network, agentID); err != nil {
		s.sendStatus("invalid", "app_already_bound_to_repo")
		s.close()
		return
	}
	s.deps.Registry.MarkAttested(appName, result.Sealed, "valid")
	s.deps.Registry.MarkHealth(appName, "pass")
	s.deps.Registry.MarkConnection(appName, true, tunnelID)
	s.deps.Ledger.MarkAttestation(agentID, "valid")
	s.deps.Ledger.MarkHealth(agentID, "pass")
	if s.deps.Metrics != nil {
		s.deps.Metrics.AttestRounds.WithLabelValues("valid").Inc()
	}

	if !wasRegistered {
		s.mu.Lock()
		s.registered = true
		s.mu.Unlock()
		if s.deps.Sessions != nil {
			s.deps.Sessions.add(appName, s)
		}
	}

	s.sendStatus("ok", "attested")

	if !wasRegistered {
		s.wg.Add(1)
		go s.attestLoop()
	}
	s.log.Info("session attested", "app", appName, "agent_id", agentID, "network", network)
}

func (s *Session) failAttestation(agentID, reason string, recordEvent bool) {
	if recordEvent && agentID != "" {
		s.deps.Ledger.RecordNodeEvent(agentID, "attest_miss", reason)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.AttestRounds.WithLabelValues("invalid").Inc()
	}
	s.sendStatus("invalid", reason)
	s.close()
}

// attestLoop drives periodic re-attestation after admission.
func (s *Session) attestLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.AttestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sendAttestRequest("periodic")
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleHealth(m *Health) {
	s.mu.Lock()
	registered := s.registered
	appName := s.appName
	agentID := s.agentID
	s.mu.Unlock()
	if !registered {
		s.sendStatus("invalid", "not_registered")
		return
	}
	status := m.Status
	if status != "pass" && status != "fail" {
		status = "fail"
	}
	s.deps.Registry.MarkHealth(appName, status)
	s.deps.Ledger.MarkHealth(agentID, status)
}

func (s *Session) handleProxyResponse(m *ProxyResponse) {
	s.mu.Lock()
	ch, ok := s.pendingProxy[m.RequestID]
	if ok {
		delete(s.pendingProxy, m.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		// Late or unknown response; dropped silently.
		return
	}
	ch <- m
}

// Proxy sends one client request through the tunnel and waits for the
// agent's response, bounded by the proxy timeout.
func (s *Session) Proxy(ctx context.Context, method, path string, headers map[string]string, body []byte) (*ProxyResponse, error) {
	requestID := randomHex(12)
	ch := make(chan *ProxyResponse, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrNoTunnel
	}
	s.pendingProxy[requestID] = ch
	s.mu.Unlock()

	abandon := func() {
		s.mu.Lock()
		delete(s.pendingProxy, requestID)
		s.mu.Unlock()
	}

	start := time.Now()
	s.sendMessage(&ProxyRequest{
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		BodyB64:   base64.StdEncoding.EncodeToString(body),
	})

	timeout := s.opts.ProxyTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			s.countProxy("no_tunnel")
			return nil, ErrNoTunnel
		}
		s.countProxy("ok")
		if s.deps.Metrics != nil {
			s.deps.Metrics.ProxyDuration.Observe(time.Since(start).Seconds())
		}
		return resp, nil
	case <-timer.C:
		abandon()
		s.countProxy("timeout")
		return nil, ErrProxyTimeout
	case <-ctx.Done():
		abandon()
		s.countProxy("timeout")
		return nil, ErrProxyTimeout
	case <-s.ctx.Done():
		abandon()
		s.countProxy("no_tunnel")
		return nil, ErrNoTunnel
	}
}

func (s *Session) countProxy(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ProxyRequests.WithLabelValues(outcome).Inc()
	}
}

// teardown fails outstanding futures and reports the disconnect.
func (s *Session) teardown() {
	s.cancel()
	s.conn.Close()

	s.mu.Lock()
	s.closed = true
	pending := s.pendingProxy
	s.pendingProxy = make(map[string]chan *ProxyResponse)
	appName := s.appName
	agentID := s.agentID
	tunnelID := s.tunnelID
	registered := s.registered
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	if appName == "" {
		return
	}
	if s.deps.Sessions != nil {
		s.deps.Sessions.remove(appName, s)
	}
	s.deps.Registry.MarkConnection(appName, false, tunnelID)
	if registered && agentID != "" {
		s.deps.Ledger.MarkHealth(agentID, "fail")
		s.deps.Ledger.RecordNodeEvent(agentID, "health_miss", "disconnect")
	}
	s.log.Info("session closed", "app", appName, "agent_id", agentID)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Manager maps app names to their live admitted session.
type Manager struct {
	mu    sync.RWMutex
	byApp map[string]*Session
}

func NewManager() *Manager {
	return &Manager{byApp: make(map[string]*Session)}
}

// Lookup returns the admitted session for an app, or nil.
func (m *Manager) Lookup(appName string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byApp[appName]
}

func (m *Manager) add(appName string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byApp[appName] = s
}

// remove only drops the mapping when it still points at this session, so
// a reconnect that replaced the entry is not clobbered by the old
// session's teardown.
func (m *Manager) remove(appName string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byApp[appName] == s {
		delete(m.byApp, appName)
	}
}
