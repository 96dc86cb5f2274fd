package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/posix4e/easy-enclave/internal/ledger"
)

// writeLedgerError maps the closed ledger reason set onto HTTP statuses at
// this one place only.
func writeLedgerError(w http.ResponseWriter, err error) {
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	status := http.StatusBadRequest
	switch lerr.Reason {
	case ledger.ReasonInsufficient:
		status = http.StatusPaymentRequired
	case ledger.ReasonNodeExists:
		status = http.StatusConflict
	case ledger.ReasonReportNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": lerr.Reason})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Amount    any    `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil || req.AccountID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	cents, err := ledger.ParseCents(req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	balance, err := s.ledger.PurchaseCredits(req.AccountID, cents)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAccount string `json:"from_account"`
		ToAccount   string `json:"to_account"`
		Amount      any    `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil || req.FromAccount == "" || req.ToAccount == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	cents, err := ledger.ParseCents(req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	transferID, err := s.ledger.TransferCredits(req.FromAccount, req.ToAccount, cents)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transfer_id": transferID})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account"]
	balance, err := s.ledger.GetBalance(accountID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID   string `json:"account_id"`
		NodeID      string `json:"node_id"`
		VCPUHours   any    `json:"vcpu_hours"`
		PeriodStart string `json:"period_start"`
		PeriodEnd   string `json:"period_end"`
	}
	if err := decodeJSON(r, &req); err != nil || req.AccountID == "" || req.NodeID == "" ||
		req.PeriodStart == "" || req.PeriodEnd == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	hours, err := ledger.ParseVCPUHours(req.VCPUHours)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	receipt, err := s.ledger.ReportUsage(req.AccountID, req.NodeID, hours, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	// The path segment names the settlement batch; the window itself
	// comes from the body.
	_ = mux.Vars(r)["period"]
	var req struct {
		NodeID      string `json:"node_id"`
		PeriodStart string `json:"period_start"`
		PeriodEnd   string `json:"period_end"`
	}
	if err := decodeJSON(r, &req); err != nil || req.NodeID == "" ||
		req.PeriodStart == "" || req.PeriodEnd == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	settlement, err := s.ledger.SettlePeriod(req.NodeID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *Server) handleFileAbuse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID      string `json:"node_id"`
		PeriodStart string `json:"period_start"`
		PeriodEnd   string `json:"period_end"`
		ReportedBy  string `json:"reported_by"`
		Reason      string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil || req.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	report, err := s.ledger.FileAbuseReport(req.NodeID, req.PeriodStart, req.PeriodEnd, req.ReportedBy, req.Reason)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAuthorizeAbuse(w http.ResponseWriter, r *http.Request) {
	reportID := mux.Vars(r)["report_id"]
	var req struct {
		Action       string `json:"action"`
		AuthorizedBy string `json:"authorized_by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	report, err := s.ledger.AuthorizeAbuseReport(reportID, req.AuthorizedBy, req.Action)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleNodeRegister admits admin callers, and existing nodes updating
// themselves with their node token.
func (s *Server) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID                string  `json:"node_id"`
		PriceCentsPerVCPUHour *int64  `json:"price_cents_per_vcpu_hour"`
		StakeTier             *string `json:"stake_tier"`
		StakeAmountCents      *int64  `json:"stake_amount_cents"`
		AllowUpdate           bool    `json:"allow_update"`
		RotateToken           bool    `json:"rotate_token"`
	}
	if err := decodeJSON(r, &req); err != nil || req.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if !s.auth.allow(r, roleAdmin) && !s.ledger.VerifyNodeToken(req.NodeID, bearerToken(r)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	node, token, err := s.ledger.RegisterNode(ledger.RegisterNodeParams{
		NodeID:                req.NodeID,
		PriceCentsPerVCPUHour: req.PriceCentsPerVCPUHour,
		StakeTier:             req.StakeTier,
		StakeAmountCents:      req.StakeAmountCents,
		AllowUpdate:           req.AllowUpdate,
		RotateToken:           req.RotateToken,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	resp := map[string]any{"node": node}
	if token != "" {
		resp["node_token"] = token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node"]
	if !s.auth.allow(r, roleAdmin) && !s.ledger.VerifyNodeToken(nodeID, bearerToken(r)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	node, err := s.ledger.GetNode(nodeID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if node == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_node"})
		return
	}
	writeJSON(w, http.StatusOK, node)
}
