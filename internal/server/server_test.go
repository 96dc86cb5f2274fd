package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posix4e/easy-enclave/internal/allowlist"
	"github.com/posix4e/easy-enclave/internal/config"
	"github.com/posix4e/easy-enclave/internal/dcap"
	"github.com/posix4e/easy-enclave/internal/ledger"
	"github.com/posix4e/easy-enclave/internal/metrics"
	"github.com/posix4e/easy-enclave/internal/registry"
	"github.com/posix4e/easy-enclave/internal/tunnel"
)

type failFetcher struct{}

func (failFetcher) Fetch(string, string) (*allowlist.Allowlist, error) {
	return nil, &allowlist.FetchError{Reason: "offline"}
}

type testServer struct {
	srv      *Server
	registry *registry.Registry
	ledger   *ledger.Store
	api      *httptest.Server
	edge     *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{}
	cfg.Control.RegistrationTTLDays = 30
	cfg.Control.RegistrationWarnDays = 3
	cfg.Control.HealthTimeoutSec = 120
	cfg.Control.AllowedNetworks = []string{"forge-1", "prod", "staging", "dev"}
	cfg.Control.SealedNetworks = []string{"prod"}
	cfg.Proxy.TimeoutSec = 1
	cfg.Attest.IntervalSec = 3600
	cfg.Attest.DeadlineSec = 30
	cfg.Tokens.Admin = "admin-token"
	cfg.Tokens.Launcher = "launcher-token"
	cfg.Tokens.Uptime = "uptime-token"

	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	reg := registry.New(registry.Config{
		TTLDays:        cfg.Control.RegistrationTTLDays,
		WarnDays:       cfg.Control.RegistrationWarnDays,
		SealedRequired: cfg.SealedRequired,
	})

	srv := New(
		cfg, reg, led,
		allowlist.NewStore(failFetcher{}, 0),
		&dcap.Verifier{},
		tunnel.NewManager(),
		metrics.New(prometheus.NewRegistry()),
		nil,
	)

	api := httptest.NewServer(srv.Router())
	t.Cleanup(api.Close)
	edge := httptest.NewServer(srv.EdgeHandler())
	t.Cleanup(edge.Close)

	return &testServer{srv: srv, registry: reg, ledger: led, api: api, edge: edge}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, ts.api.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolveStates(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodGet, "/v1/resolve/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_app", decodeBody(t, resp)["error"])

	_, err := ts.registry.Register("demo", "acme/demo", "v1", "forge-1", "agent-1")
	require.NoError(t, err)

	resp = ts.request(t, http.MethodGet, "/v1/resolve/demo", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "unknown", body["attestation_status"])

	require.NoError(t, ts.registry.MarkAttested("demo", true, "valid"))
	require.NoError(t, ts.registry.MarkHealth("demo", "pass"))
	require.NoError(t, ts.registry.MarkConnection("demo", true, "demo:1"))

	resp = ts.request(t, http.MethodGet, "/v1/resolve/demo", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, true, body["sealed"])
	assert.Equal(t, "valid", body["attestation_status"])
	assert.Equal(t, "pass", body["health_status"])
	assert.Equal(t, true, body["ws_connected"])
}

func TestAdminAuthLattice(t *testing.T) {
	ts := newTestServer(t)

	// Admin endpoints reject missing and wrong tokens.
	resp := ts.request(t, http.MethodGet, "/v1/apps", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = ts.request(t, http.MethodGet, "/v1/apps", "launcher-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = ts.request(t, http.MethodGet, "/v1/apps", "admin-token", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Launcher endpoints take the launcher token or the admin token.
	report := map[string]any{"node_id": "n1"}
	resp = ts.request(t, http.MethodPost, "/v1/abuse/reports", "launcher-token", report)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.request(t, http.MethodPost, "/v1/abuse/reports", "admin-token", report)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.request(t, http.MethodPost, "/v1/abuse/reports", "uptime-token", report)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Uptime endpoints likewise.
	usage := map[string]any{"account_id": "a", "node_id": "n1", "vcpu_hours": 1, "period_start": "p", "period_end": "q"}
	resp = ts.request(t, http.MethodPost, "/v1/usage/report", "", usage)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = ts.request(t, http.MethodPost, "/v1/usage/report", "uptime-token", usage)
	assert.NotEqual(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreditsAndSettlementFlow(t *testing.T) {
	ts := newTestServer(t)
	periodStart := "2026-01-01T00:00:00Z"
	periodEnd := "2026-01-31T23:59:59Z"

	// Register worker-1 at $0.50/vcpu-hour with stake.
	resp := ts.request(t, http.MethodPost, "/v1/nodes/register", "admin-token", map[string]any{
		"node_id":                   "worker-1",
		"price_cents_per_vcpu_hour": 50,
		"stake_tier":                "gold",
		"stake_amount_cents":        10000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["node_token"])

	require.NoError(t, ts.ledger.MarkAttestation("worker-1", "valid"))
	require.NoError(t, ts.ledger.MarkHealth("worker-1", "pass"))

	// Alice purchases $10.00.
	resp = ts.request(t, http.MethodPost, "/v1/credits/purchase", "admin-token", map[string]any{
		"account_id": "alice", "amount": 10.0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1000), decodeBody(t, resp)["balance_cents"])

	// Usage report of 2 vcpu-hours locks $1.00.
	resp = ts.request(t, http.MethodPost, "/v1/usage/report", "uptime-token", map[string]any{
		"account_id": "alice", "node_id": "worker-1", "vcpu_hours": 2,
		"period_start": periodStart, "period_end": periodEnd,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(100), decodeBody(t, resp)["amount_cents"])

	resp = ts.request(t, http.MethodGet, "/v1/balances/alice", "admin-token", nil)
	assert.Equal(t, float64(900), decodeBody(t, resp)["balance_cents"])

	// Finalize settles to the provider.
	resp = ts.request(t, http.MethodPost, "/v1/settlements/2026-01/finalize", "admin-token", map[string]any{
		"node_id": "worker-1", "period_start": periodStart, "period_end": periodEnd,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, true, body["eligible"])
	assert.Equal(t, float64(1), body["settled"])

	resp = ts.request(t, http.MethodGet, "/v1/balances/worker-1", "admin-token", nil)
	assert.Equal(t, float64(100), decodeBody(t, resp)["balance_cents"])
}

func TestUsageReportValidation(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/v1/usage/report", "uptime-token", map[string]any{
		"account_id": "a", "node_id": "n", "vcpu_hours": 0,
		"period_start": "p", "period_end": "q",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_vcpu_hours", decodeBody(t, resp)["error"])
}

func TestNodeTokenAuth(t *testing.T) {
	ts := newTestServer(t)
	_, token, err := ts.ledger.RegisterNode(ledger.RegisterNodeParams{NodeID: "worker-1"})
	require.NoError(t, err)

	// The node token authorises reads and self-updates for that node.
	req, _ := http.NewRequest(http.MethodGet, ts.api.URL+"/v1/nodes/worker-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.request(t, http.MethodGet, "/v1/nodes/worker-1", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.request(t, http.MethodGet, "/v1/nodes/worker-1", "admin-token", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNodeRegisterConflict(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/v1/nodes/register", "admin-token", map[string]any{"node_id": "n1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.request(t, http.MethodPost, "/v1/nodes/register", "admin-token", map[string]any{"node_id": "n1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "node_exists", decodeBody(t, resp)["error"])
}

func edgeRequest(t *testing.T, ts *testServer, app string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.edge.URL+"/hello", nil)
	require.NoError(t, err)
	if app != "" {
		req.Header.Set("X-EE-App", app)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEdgeProxyGates(t *testing.T) {
	ts := newTestServer(t)

	// Unknown app.
	resp := edgeRequest(t, ts, "ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_app", decodeBody(t, resp)["error"])

	// Known but disallowed app: full status payload with 403.
	_, err := ts.registry.Register("demo", "acme/demo", "v1", "forge-1", "agent-1")
	require.NoError(t, err)
	resp = edgeRequest(t, ts, "demo")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["allowed"])
	assert.Contains(t, body, "registration_state")

	// Allowed but no live tunnel session.
	require.NoError(t, ts.registry.MarkAttested("demo", true, "valid"))
	require.NoError(t, ts.registry.MarkHealth("demo", "pass"))
	require.NoError(t, ts.registry.MarkConnection("demo", true, "demo:1"))
	resp = edgeRequest(t, ts, "demo")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "no_tunnel", decodeBody(t, resp)["error"])
}

func TestEdgeProxyResolvesHostHeader(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.edge.URL+"/hello", nil)
	require.NoError(t, err)
	req.Host = "demo.apps.example"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// "demo" is extracted from the Host header; it is unknown here.
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_app", decodeBody(t, resp)["error"])
}

func TestProxyEnvelopeValidation(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/v1/proxy/demo", "", map[string]any{"method": "GET"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_proxy_payload", decodeBody(t, resp)["error"])
}

func TestDashboardRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodGet, "/dashboard", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.request(t, http.MethodGet, "/dashboard", "admin-token", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestBearerTokenForms(t *testing.T) {
	for _, header := range []string{"Bearer tok", "token tok", "tok"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		assert.Equal(t, "tok", bearerToken(req), header)
	}
}

func TestWatchdogFailsQuietApps(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.registry.Register("demo", "acme/demo", "v1", "forge-1", "agent-1")
	require.NoError(t, err)
	require.NoError(t, ts.registry.MarkAttested("demo", true, "valid"))
	require.NoError(t, ts.registry.MarkHealth("demo", "pass"))
	require.NoError(t, ts.registry.MarkConnection("demo", true, "demo:1"))
	require.NoError(t, ts.ledger.EnsureNode("agent-1"))

	// A sweep with a zero timeout treats any silence as a miss.
	ts.srv.sweepHealth(0)

	payload, _ := ts.registry.StatusPayload("demo")
	assert.Equal(t, "fail", payload.HealthStatus)

	events, err := ts.ledger.NodeEvents("agent-1")
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.EventType == "health_miss" && e.Detail == "timeout" {
			found = true
		}
	}
	assert.True(t, found)

	// Already-failed apps are not re-reported.
	ts.srv.sweepHealth(0)
	events, _ = ts.ledger.NodeEvents("agent-1")
	count := 0
	for _, e := range events {
		if e.EventType == "health_miss" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMetricsEndpointExposed(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAbuseReportLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/v1/abuse/reports", "launcher-token", map[string]any{
		"node_id": "worker-1", "reason": "spam",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reportID := decodeBody(t, resp)["report_id"].(string)

	// Launcher cannot adjudicate.
	authPath := fmt.Sprintf("/v1/abuse/reports/%s/authorize", reportID)
	resp = ts.request(t, http.MethodPost, authPath, "launcher-token", map[string]any{"action": "authorize"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.request(t, http.MethodPost, authPath, "admin-token", map[string]any{"action": "authorize"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authorized", decodeBody(t, resp)["status"])
}
