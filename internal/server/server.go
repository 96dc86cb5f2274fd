// Package server terminates the control plane's HTTP surfaces: the admin
// and public API with the WebSocket control channel, and the edge proxy
// listener that bridges client traffic into agent tunnels.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/posix4e/easy-enclave/internal/allowlist"
	"github.com/posix4e/easy-enclave/internal/config"
	"github.com/posix4e/easy-enclave/internal/dcap"
	"github.com/posix4e/easy-enclave/internal/ledger"
	"github.com/posix4e/easy-enclave/internal/metrics"
	"github.com/posix4e/easy-enclave/internal/ratls"
	"github.com/posix4e/easy-enclave/internal/registry"
	"github.com/posix4e/easy-enclave/internal/tunnel"
)

// Server wires the control plane components behind the HTTP handlers.
type Server struct {
	cfg        *config.Config
	registry   *registry.Registry
	ledger     *ledger.Store
	allowlists *allowlist.Store
	verifier   *dcap.Verifier
	sessions   *tunnel.Manager
	metrics    *metrics.Metrics
	auth       *authenticator
	log        *slog.Logger

	upgrader websocket.Upgrader
}

// New assembles a Server from its already-constructed components.
func New(
	cfg *config.Config,
	reg *registry.Registry,
	led *ledger.Store,
	allow *allowlist.Store,
	verifier *dcap.Verifier,
	sessions *tunnel.Manager,
	m *metrics.Metrics,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		registry:   reg,
		ledger:     led,
		allowlists: allow,
		verifier:   verifier,
		sessions:   sessions,
		metrics:    m,
		auth:       newAuthenticator(cfg.Tokens),
		log:        log.With("component", "control-plane"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents dial outbound from enclaves; there is no browser
			// origin to validate on this channel.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the control listener's route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/tunnel", s.handleTunnel).Methods(http.MethodGet)
	r.HandleFunc("/v1/resolve/{app}", s.handleResolve).Methods(http.MethodGet)
	r.HandleFunc("/v1/proxy/{app}", s.handleProxyEnvelope).Methods(http.MethodPost)

	r.HandleFunc("/v1/apps", s.requireAdmin(s.handleListApps)).Methods(http.MethodGet)
	r.HandleFunc("/v1/apps/{app}", s.requireAdmin(s.handleGetApp)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.requireAdmin(s.handleDashboard)).Methods(http.MethodGet)
	r.HandleFunc("/admin", s.requireAdmin(s.handleDashboard)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/credits/purchase", s.requireAdmin(s.handlePurchase)).Methods(http.MethodPost)
	r.HandleFunc("/v1/credits/transfer", s.requireAdmin(s.handleTransfer)).Methods(http.MethodPost)
	r.HandleFunc("/v1/balances/{account}", s.requireAdmin(s.handleBalance)).Methods(http.MethodGet)
	r.HandleFunc("/v1/usage/report", s.requireRole(roleUptime, s.handleUsageReport)).Methods(http.MethodPost)
	r.HandleFunc("/v1/settlements/{period}/finalize", s.requireAdmin(s.handleSettle)).Methods(http.MethodPost)
	r.HandleFunc("/v1/abuse/reports", s.requireRole(roleLauncher, s.handleFileAbuse)).Methods(http.MethodPost)
	r.HandleFunc("/v1/abuse/reports/{report_id}/authorize", s.requireAdmin(s.handleAuthorizeAbuse)).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/register", s.handleNodeRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{node}", s.handleGetNode).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTunnel upgrades the control channel. RA-TLS rejection happens
// before any application logic runs.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	var peerCertDER []byte
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		peerCertDER = r.TLS.PeerCertificates[0].Raw
	}
	if s.cfg.RATLS.Enabled && s.cfg.RATLS.RequireClientCert {
		res := ratls.VerifyPeerCert(peerCertDER, nil, s.verifier, s.cfg.RATLS.SkipPCCS, false)
		if !res.Verified {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "ratls_" + res.Reason})
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := tunnel.NewSession(conn, tunnel.Deps{
		Registry:   s.registry,
		Ledger:     s.ledger,
		Allowlists: s.allowlists,
		Verifier:   s.verifier,
		Sessions:   s.sessions,
		Metrics:    s.metrics,
		Logger:     s.log,
	}, tunnel.Options{
		AttestInterval: time.Duration(s.cfg.Attest.IntervalSec) * time.Second,
		AttestDeadline: time.Duration(s.cfg.Attest.DeadlineSec) * time.Second,
		ProxyTimeout:   time.Duration(s.cfg.Proxy.TimeoutSec) * time.Second,
		NetworkAllowed: s.cfg.NetworkAllowed,
		SealedRequired: s.cfg.SealedRequired,
		RATLSRequired:  s.cfg.RATLS.Enabled && s.cfg.RATLS.RequireClientCert,
		SkipPCCS:       s.cfg.RATLS.SkipPCCS,
		PeerCertDER:    peerCertDER,
	})
	// Run blocks for the life of the socket; returning from the handler
	// would cancel the request context under the hijacked connection.
	session.Run(r.Context())
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	appName := mux.Vars(r)["app"]
	payload, ok := s.registry.StatusPayload(appName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"allowed": false, "error": "unknown_app"})
		return
	}
	if !payload.Allowed {
		writeJSON(w, http.StatusForbidden, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListApps(w http.ResponseWriter, _ *http.Request) {
	records := s.registry.List()
	payloads := make([]registry.StatusPayload, 0, len(records))
	for _, rec := range records {
		payloads = append(payloads, s.registry.StatusPayloadFor(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": payloads})
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	appName := mux.Vars(r)["app"]
	payload, ok := s.registry.StatusPayload(appName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_app"})
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(out)
}
