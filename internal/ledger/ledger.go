// Package ledger implements double-entry usage accounting in integer
// cents, backed by an embedded SQLite store. All monetary state — node
// records, accounts, locks, usage rows, abuse reports, node events —
// lives here and nowhere else.
package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Error carries a machine-readable reason from the closed set below.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "ledger: " + e.Reason }

// Closed reason set.
const (
	ReasonMissingAmount    = "missing_amount"
	ReasonInvalidAmount    = "invalid_amount"
	ReasonMissingVCPUHours = "missing_vcpu_hours"
	ReasonInvalidVCPUHours = "invalid_vcpu_hours"
	ReasonInsufficient     = "insufficient_funds"
	ReasonNodeExists       = "node_exists"
	ReasonNodePriceMissing = "node_price_missing"
	ReasonReportNotFound   = "report_not_found"
	ReasonInvalidAction    = "invalid_action"
)

func errReason(reason string) error { return &Error{Reason: reason} }

// ParseCents converts a JSON amount expressed in dollars into integer
// cents, rounding half-up. Nil means the field was absent.
func ParseCents(value any) (int64, error) {
	if value == nil {
		return 0, errReason(ReasonMissingAmount)
	}
	f, err := toFloat(value)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, errReason(ReasonInvalidAmount)
	}
	return int64(math.Floor(f*100 + 0.5)), nil
}

// ParseVCPUHours validates a positive vCPU-hours figure.
func ParseVCPUHours(value any) (float64, error) {
	if value == nil {
		return 0, errReason(ReasonMissingVCPUHours)
	}
	f, err := toFloat(value)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, errReason(ReasonInvalidVCPUHours)
	}
	return f, nil
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("unsupported amount type %T", value)
	}
}

// roundCents applies half-up rounding to a fractional cent amount.
func roundCents(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}

// Node is the ledger-side view of an agent host. The token hash never
// leaves the store.
type Node struct {
	NodeID                string  `json:"node_id"`
	Status                string  `json:"status"`
	PriceCentsPerVCPUHour *int64  `json:"price_cents_per_vcpu_hour"`
	StakeTier             *string `json:"stake_tier"`
	StakeAmountCents      *int64  `json:"stake_amount_cents"`
	AttestationStatus     string  `json:"attestation_status"`
	HealthStatus          string  `json:"health_status"`
	LastAttestedAt        *string `json:"last_attested_at"`
	LastHealthAt          *string `json:"last_health_at"`
	CreatedAt             string  `json:"created_at"`
	UpdatedAt             string  `json:"updated_at"`
}

// Balance is an account snapshot.
type Balance struct {
	AccountID    string `json:"account_id"`
	BalanceCents int64  `json:"balance_cents"`
}

// UsageReceipt is returned by ReportUsage.
type UsageReceipt struct {
	UsageID     string `json:"usage_id"`
	LockID      string `json:"lock_id"`
	AmountCents int64  `json:"amount_cents"`
}

// Settlement aggregates one settle_period run.
type Settlement struct {
	NodeID      string   `json:"node_id"`
	PeriodStart string   `json:"period_start"`
	PeriodEnd   string   `json:"period_end"`
	Eligible    bool     `json:"eligible"`
	Reasons     []string `json:"reasons"`
	Settled     int      `json:"settled"`
	Failed      int      `json:"failed"`
}

// AbuseReport is the adjudication state of one filed report.
type AbuseReport struct {
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
}
