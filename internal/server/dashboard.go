package server

import (
	"fmt"
	"html"
	"net/http"
	"strings"
)

// handleDashboard renders the operator table: one row per app with its
// derived admission state.
func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	var rows strings.Builder
	for _, rec := range s.registry.List() {
		p := s.registry.StatusPayloadFor(rec)
		fmt.Fprintf(&rows,
			"<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>",
			html.EscapeString(p.AppName),
			html.EscapeString(p.Repo),
			html.EscapeString(p.ReleaseTag),
			html.EscapeString(p.Network),
			p.RegistrationState,
			p.AttestationStatus,
			p.HealthStatus,
			yesNo(p.Sealed),
			yesNo(p.WSConnected),
			html.EscapeString(p.RegistrationExpiresAt),
		)
	}
	body := rows.String()
	if body == "" {
		body = "<tr><td colspan='10'>No apps registered</td></tr>"
	}

	page := "<!doctype html><html><head><meta charset='utf-8'><title>Easy Enclave Dashboard</title>" +
		"<style>body{font-family:Arial,Helvetica,sans-serif;margin:24px;}" +
		"table{border-collapse:collapse;width:100%;}" +
		"th,td{border:1px solid #ddd;padding:8px;text-align:left;}" +
		"th{background:#f2f2f2;}</style></head><body>" +
		"<h1>Easy Enclave Dashboard</h1>" +
		"<table><thead><tr>" +
		"<th>App</th><th>Repo</th><th>Release</th><th>Network</th>" +
		"<th>TTL</th><th>Attestation</th><th>Health</th><th>Sealed</th>" +
		"<th>Connected</th><th>Expires</th>" +
		"</tr></thead><tbody>" + body + "</tbody></table></body></html>"

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(page))
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
