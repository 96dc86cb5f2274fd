package server

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/posix4e/easy-enclave/internal/tunnel"
)

// EdgeHandler is the proxy listener's handler: any method, any path. The
// app name comes from X-EE-App, else the first label of the Host header.
func (s *Server) EdgeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appName := r.Header.Get("X-EE-App")
		if appName == "" {
			if host := r.Host; host != "" {
				appName = strings.Split(host, ".")[0]
				if i := strings.IndexByte(appName, ':'); i >= 0 {
					appName = appName[:i]
				}
			}
		}
		if appName == "" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "missing_app"})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_proxy_payload"})
			return
		}
		headers := make(map[string]string, len(r.Header))
		for name, values := range r.Header {
			if strings.EqualFold(name, "Host") || len(values) == 0 {
				continue
			}
			headers[name] = values[0]
		}

		path := r.URL.Path
		if r.URL.RawQuery != "" {
			path += "?" + r.URL.RawQuery
		}
		s.bridge(w, r, appName, r.Method, path, headers, body)
	})
}

// handleProxyEnvelope bridges one request described by a JSON envelope
// through the app's tunnel, reproducing the backend response bit-exact.
func (s *Server) handleProxyEnvelope(w http.ResponseWriter, r *http.Request) {
	appName := mux.Vars(r)["app"]
	var req struct {
		Method  string            `json:"method"`
		Path    string            `json:"path"`
		Headers map[string]string `json:"headers"`
		BodyB64 string            `json:"body_b64"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Method == "" || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_proxy_payload"})
		return
	}
	body, err := base64.StdEncoding.DecodeString(req.BodyB64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_proxy_payload"})
		return
	}
	s.bridge(w, r, appName, req.Method, req.Path, req.Headers, body)
}

// bridge gates on the app's derived allowed state, then performs the
// proxy RPC against its session.
func (s *Server) bridge(w http.ResponseWriter, r *http.Request, appName, method, path string, headers map[string]string, body []byte) {
	payload, ok := s.registry.StatusPayload(appName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_app"})
		return
	}
	if !payload.Allowed {
		writeJSON(w, http.StatusForbidden, payload)
		return
	}
	session := s.sessions.Lookup(appName)
	if session == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no_tunnel"})
		return
	}

	resp, err := session.Proxy(r.Context(), method, path, headers, body)
	if err != nil {
		switch {
		case errors.Is(err, tunnel.ErrProxyTimeout):
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "proxy_timeout"})
		case errors.Is(err, tunnel.ErrNoTunnel):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no_tunnel"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		}
		return
	}

	respBody, err := base64.StdEncoding.DecodeString(resp.BodyB64)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "invalid_proxy_payload"})
		return
	}
	for name, value := range resp.Headers {
		if strings.EqualFold(name, "Content-Length") || strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.Status)
	w.Write(respBody)
}
