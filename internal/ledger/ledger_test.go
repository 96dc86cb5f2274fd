package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func int64p(v int64) *int64 { return &v }
func strp(v string) *string { return &v }

// ledgerSum checks the double-entry invariant: all entries sum to the sum
// of all balances.
func ledgerSum(t *testing.T, s *Store) (entries, balances int64) {
	t.Helper()
	require.NoError(t, s.db.QueryRow("SELECT COALESCE(SUM(delta_cents), 0) FROM ledger").Scan(&entries))
	require.NoError(t, s.db.QueryRow("SELECT COALESCE(SUM(balance_cents), 0) FROM accounts").Scan(&balances))
	return entries, balances
}

func TestParseCents(t *testing.T) {
	cases := []struct {
		name    string
		in      any
		want    int64
		wantErr string
	}{
		{name: "dollars", in: 10.0, want: 1000},
		{name: "string", in: "0.50", want: 50},
		{name: "rounds half up", in: 0.005, want: 1},
		{name: "nil", in: nil, wantErr: ReasonMissingAmount},
		{name: "negative", in: -1.0, wantErr: ReasonInvalidAmount},
		{name: "garbage", in: "ten", wantErr: ReasonInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCents(tc.in)
			if tc.wantErr != "" {
				var lerr *Error
				require.ErrorAs(t, err, &lerr)
				assert.Equal(t, tc.wantErr, lerr.Reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseVCPUHours(t *testing.T) {
	_, err := ParseVCPUHours(0.0)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ReasonInvalidVCPUHours, lerr.Reason)

	_, err = ParseVCPUHours(-2.0)
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ReasonInvalidVCPUHours, lerr.Reason)

	_, err = ParseVCPUHours("nope")
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ReasonInvalidVCPUHours, lerr.Reason)

	hours, err := ParseVCPUHours("2")
	require.NoError(t, err)
	assert.Equal(t, 2.0, hours)
}

func TestPurchaseCredits(t *testing.T) {
	s := newTestStore(t)

	balance, err := s.PurchaseCredits("alice", 600)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance.BalanceCents)

	balance, err = s.PurchaseCredits("alice", 400)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.BalanceCents)

	// Two purchases of x and y equal one purchase of x+y, with exactly
	// one ledger entry each.
	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM ledger WHERE account_id = 'alice'").Scan(&count))
	assert.Equal(t, 2, count)

	entries, balances := ledgerSum(t, s)
	assert.Equal(t, entries, balances)

	_, err = s.PurchaseCredits("alice", 0)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ReasonInvalidAmount, lerr.Reason)
}

func TestTransferCredits(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PurchaseCredits("alice", 1000)
	require.NoError(t, err)

	transferID, err := s.TransferCredits("alice", "bob", 300)
	require.NoError(t, err)
	assert.NotEmpty(t, transferID)

	aliceBalance, _ := s.GetBalance("alice")
	bobBalance, _ := s.GetBalance("bob")
	assert.Equal(t, int64(700), aliceBalance.BalanceCents)
	assert.Equal(t, int64(300), bobBalance.BalanceCents)

	// Overdrafts fail and leave the store untouched.
	_, err = s.TransferCredits("alice", "bob", 10000)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ReasonInsufficient, lerr.Reason)

	aliceBalance, _ = s.GetBalance("alice")
	assert.Equal(t, int64(700), aliceBalance.BalanceCents)
	entries, balances := ledgerSum(t, s)
	assert.Equal(t, entries, balances)
}

func TestRegisterNode(t *testing.T) {
	s := newTestStore(t)

	node, token, err := s.RegisterNode(RegisterNodeParams{
		NodeID:                "worker-1",
		PriceCentsPerVCPUHour: int64p(50),
		StakeTier:             strp("gold"),
		StakeAmountCents:      int64p(10000),
	})
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "active", node.Status)
	assert.Equal(t, int64(50), *node.PriceCentsPerVCPUHour)
	assert.NotEmpty(t, token)

	assert.True(t, s.VerifyNodeToken("worker-1", token))
	assert.False(t, s.VerifyNodeToken("worker-1", "wrong"))
	assert.False(t, s.VerifyNodeToken("worker-1", ""))

	// Re-register without allow_update fails.
	_, _, err = s.RegisterNode(RegisterNodeParams{NodeID: "worker-1"})
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ReasonNodeExists, lerr.Reason)

	// Update without rotation keeps the old token valid.
	_, newToken, err := s.RegisterNode(RegisterNodeParams{
		NodeID:                "worker-1",
		PriceCentsPerVCPUHour: int64p(75),
		AllowUpdate:           true,
	})
	require.NoError(t, err)
	assert.Empty(t, newToken)
	assert.True(t, s.VerifyNodeToken("worker-1", token))

	// Rotation invalidates the old token.
	_, rotated, err := s.RegisterNode(RegisterNodeParams{
		NodeID:      "worker-1",
		AllowUpdate: true,
		RotateToken: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rotated)
	assert.False(t, s.VerifyNodeToken("worker-1", token))
	assert.True(t, s.VerifyNodeToken("worker-1", rotated))
}

func TestEnsureNodeIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureNode("n1"))
	require.NoError(t, s.EnsureNode("n1"))
	node, err := s.GetNode("n1")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "unknown", node.AttestationStatus)
	assert.Equal(t, "unknown", node.HealthStatus)
}

func TestReportUsage(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.RegisterNode(RegisterNodeParams{
		NodeID:                "worker-1",
		PriceCentsPerVCPUHour: int64p(50),
		StakeAmountCents:      int64p(10000),
	})
	require.NoError(t, err)
	_, err = s.PurchaseCredits("alice", 1000)
	require.NoError(t, err)

	receipt, err := s.ReportUsage("alice", "worker-1", 2, "2026-01-01T00:00:00Z", "2026-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(100), receipt.AmountCents)

	balance, _ := s.GetBalance("alice")
	assert.Equal(t, int64(900), balance.BalanceCents)

	// No price on the node.
	require.NoError(t, s.EnsureNode("bare"))
	_, err = s.ReportUsage("alice", "bare", 1, "a", "b")
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ReasonNodePriceMissing, lerr.Reason)

	// Insufficient funds leaves no partial state.
	_, err = s.ReportUsage("broke", "worker-1", 100, "a", "b")
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ReasonInsufficient, lerr.Reason)
	var usageCount int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM usage WHERE account_id = 'broke'").Scan(&usageCount))
	assert.Zero(t, usageCount)

	entries, balances := ledgerSum(t, s)
	assert.Equal(t, entries, balances)
}

func TestSettlePeriodEligible(t *testing.T) {
	s := newTestStore(t)
	periodStart := "2026-01-01T00:00:00Z"
	periodEnd := "2026-01-31T23:59:59Z"

	_, _, err := s.RegisterNode(RegisterNodeParams{
		NodeID:                "worker-1",
		PriceCentsPerVCPUHour: int64p(50),
		StakeTier:             strp("gold"),
		StakeAmountCents:      int64p(10000),
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkAttestation("worker-1", "valid"))
	require.NoError(t, s.MarkHealth("worker-1", "pass"))

	_, err = s.PurchaseCredits("alice", 1000)
	require.NoError(t, err)
	_, err = s.ReportUsage("alice", "worker-1", 2, periodStart, periodEnd)
	require.NoError(t, err)

	settlement, err := s.SettlePeriod("worker-1", periodStart, periodEnd)
	require.NoError(t, err)
	assert.True(t, settlement.Eligible)
	assert.Empty(t, settlement.Reasons)
	assert.Equal(t, 1, settlement.Settled)
	assert.Zero(t, settlement.Failed)

	aliceBalance, _ := s.GetBalance("alice")
	workerBalance, _ := s.GetBalance("worker-1")
	assert.Equal(t, int64(900), aliceBalance.BalanceCents)
	assert.Equal(t, int64(100), workerBalance.BalanceCents)

	var lockStatus, usageStatus string
	require.NoError(t, s.db.QueryRow("SELECT status FROM credit_locks").Scan(&lockStatus))
	require.NoError(t, s.db.QueryRow("SELECT status FROM usage").Scan(&usageStatus))
	assert.Equal(t, "settled", lockStatus)
	assert.Equal(t, "settled", usageStatus)

	entries, balances := ledgerSum(t, s)
	assert.Equal(t, entries, balances)
}

func TestSettlePeriodHealthMiss(t *testing.T) {
	s := newTestStore(t)
	periodStart := "2026-01-01T00:00:00Z"
	periodEnd := "2026-12-31T23:59:59Z"

	_, _, err := s.RegisterNode(RegisterNodeParams{
		NodeID:                "worker-1",
		PriceCentsPerVCPUHour: int64p(50),
		StakeAmountCents:      int64p(10000),
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkAttestation("worker-1", "valid"))
	require.NoError(t, s.MarkHealth("worker-1", "pass"))

	_, err = s.PurchaseCredits("alice", 1000)
	require.NoError(t, err)
	_, err = s.ReportUsage("alice", "worker-1", 2, periodStart, periodEnd)
	require.NoError(t, err)

	// A disconnect during the window blocks settlement.
	require.NoError(t, s.RecordNodeEvent("worker-1", "health_miss", "disconnect"))

	settlement, err := s.SettlePeriod("worker-1", periodStart, periodEnd)
	require.NoError(t, err)
	assert.False(t, settlement.Eligible)
	assert.Contains(t, settlement.Reasons, "health_miss")
	assert.Zero(t, settlement.Settled)
	assert.Equal(t, 1, settlement.Failed)

	// The lock is released back to the payer; the provider stays
	// uncredited.
	aliceBalance, _ := s.GetBalance("alice")
	workerBalance, _ := s.GetBalance("worker-1")
	assert.Equal(t, int64(1000), aliceBalance.BalanceCents)
	assert.Equal(t, int64(0), workerBalance.BalanceCents)

	var usageStatus string
	require.NoError(t, s.db.QueryRow("SELECT status FROM usage").Scan(&usageStatus))
	assert.Equal(t, "failed", usageStatus)

	entries, balances := ledgerSum(t, s)
	assert.Equal(t, entries, balances)
}

func TestSettlePeriodIneligibilityReasons(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureNode("worker-1"))

	settlement, err := s.SettlePeriod("worker-1", "a", "b")
	require.NoError(t, err)
	assert.False(t, settlement.Eligible)
	assert.Contains(t, settlement.Reasons, "attestation_invalid")
	assert.Contains(t, settlement.Reasons, "health_fail")
	assert.Contains(t, settlement.Reasons, "stake_missing")

	settlement, err = s.SettlePeriod("ghost", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"node_not_found"}, settlement.Reasons)
}

func TestAbuseReports(t *testing.T) {
	s := newTestStore(t)
	periodStart := "2026-01-01T00:00:00Z"
	periodEnd := "2026-01-31T23:59:59Z"

	_, _, err := s.RegisterNode(RegisterNodeParams{
		NodeID:                "worker-1",
		PriceCentsPerVCPUHour: int64p(50),
		StakeAmountCents:      int64p(10000),
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkAttestation("worker-1", "valid"))
	require.NoError(t, s.MarkHealth("worker-1", "pass"))

	report, err := s.FileAbuseReport("worker-1", periodStart, periodEnd, "launcher", "bad behaviour")
	require.NoError(t, err)
	assert.Equal(t, "pending", report.Status)

	// A pending report does not block settlement eligibility.
	settlement, err := s.SettlePeriod("worker-1", periodStart, periodEnd)
	require.NoError(t, err)
	assert.True(t, settlement.Eligible)

	authorized, err := s.AuthorizeAbuseReport(report.ReportID, "admin", "authorize")
	require.NoError(t, err)
	assert.Equal(t, "authorized", authorized.Status)

	settlement, err = s.SettlePeriod("worker-1", periodStart, periodEnd)
	require.NoError(t, err)
	assert.False(t, settlement.Eligible)
	assert.Contains(t, settlement.Reasons, "abuse_authorized")

	_, err = s.AuthorizeAbuseReport("missing", "admin", "deny")
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ReasonReportNotFound, lerr.Reason)

	_, err = s.AuthorizeAbuseReport(report.ReportID, "admin", "frobnicate")
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ReasonInvalidAction, lerr.Reason)
}
