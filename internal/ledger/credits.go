package ledger

import (
	"database/sql"
	"strconv"
)

// PurchaseCredits increases the balance and appends one purchase entry.
func (s *Store) PurchaseCredits(accountID string, amountCents int64) (*Balance, error) {
	if amountCents <= 0 {
		return nil, errReason(ReasonInvalidAmount)
	}
	err := s.withTx(func(tx *sql.Tx) error {
		if err := s.applyBalanceDelta(tx, accountID, amountCents); err != nil {
			return err
		}
		return s.insertLedgerEntry(tx, accountID, amountCents, "purchase", "purchase", "")
	})
	if err != nil {
		return nil, err
	}
	return s.GetBalance(accountID)
}

// TransferCredits moves cents between accounts as a pair of entries under
// one transfer id.
func (s *Store) TransferCredits(fromAccount, toAccount string, amountCents int64) (string, error) {
	if amountCents <= 0 {
		return "", errReason(ReasonInvalidAmount)
	}
	transferID := newID()
	err := s.withTx(func(tx *sql.Tx) error {
		if err := s.applyBalanceDelta(tx, fromAccount, -amountCents); err != nil {
			return err
		}
		if err := s.insertLedgerEntry(tx, fromAccount, -amountCents, "transfer_out", "transfer", transferID); err != nil {
			return err
		}
		if err := s.applyBalanceDelta(tx, toAccount, amountCents); err != nil {
			return err
		}
		return s.insertLedgerEntry(tx, toAccount, amountCents, "transfer_in", "transfer", transferID)
	})
	if err != nil {
		return "", err
	}
	return transferID, nil
}

// LockCredits withholds cents from an account for a usage period.
func (s *Store) LockCredits(accountID, usageID string, amountCents int64, periodStart, periodEnd string) (string, error) {
	var lockID string
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		lockID, err = s.lockCreditsTx(tx, accountID, usageID, amountCents, periodStart, periodEnd)
		return err
	})
	if err != nil {
		return "", err
	}
	return lockID, nil
}

func (s *Store) lockCreditsTx(tx *sql.Tx, accountID, usageID string, amountCents int64, periodStart, periodEnd string) (string, error) {
	lockID := newID()
	if err := s.applyBalanceDelta(tx, accountID, -amountCents); err != nil {
		return "", err
	}
	if err := s.insertLedgerEntry(tx, accountID, -amountCents, "lock", "usage", usageID); err != nil {
		return "", err
	}
	_, err := tx.Exec(
		`INSERT INTO credit_locks (lock_id, account_id, usage_id, amount_cents, period_start, period_end, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'locked', ?)`,
		lockID, accountID, usageID, amountCents, periodStart, periodEnd, s.utcnow(),
	)
	if err != nil {
		return "", err
	}
	return lockID, nil
}

func (s *Store) releaseLockTx(tx *sql.Tx, lockID, accountID string, amountCents int64, usageID string) error {
	if err := s.applyBalanceDelta(tx, accountID, amountCents); err != nil {
		return err
	}
	if err := s.insertLedgerEntry(tx, accountID, amountCents, "unlock", "usage", usageID); err != nil {
		return err
	}
	_, err := tx.Exec("UPDATE credit_locks SET status = 'released' WHERE lock_id = ?", lockID)
	return err
}

func (s *Store) settleLockTx(tx *sql.Tx, lockID, providerID string, amountCents int64, usageID string) error {
	if err := s.applyBalanceDelta(tx, providerID, amountCents); err != nil {
		return err
	}
	if err := s.insertLedgerEntry(tx, providerID, amountCents, "settlement", "usage", usageID); err != nil {
		return err
	}
	_, err := tx.Exec("UPDATE credit_locks SET status = 'settled' WHERE lock_id = ?", lockID)
	return err
}

// ReportUsage prices the reported vCPU-hours against the node's rate,
// locks the amount from the payer account, and records the usage row.
func (s *Store) ReportUsage(accountID, nodeID string, vcpuHours float64, periodStart, periodEnd string) (*UsageReceipt, error) {
	usageID := newID()
	var receipt *UsageReceipt
	err := s.withTx(func(tx *sql.Tx) error {
		var price sql.NullInt64
		err := tx.QueryRow("SELECT price_cents_per_vcpu_hour FROM nodes WHERE node_id = ?", nodeID).Scan(&price)
		if err == sql.ErrNoRows || (err == nil && !price.Valid) {
			return errReason(ReasonNodePriceMissing)
		}
		if err != nil {
			return err
		}
		amountCents := roundCents(vcpuHours * float64(price.Int64))
		if amountCents <= 0 {
			return errReason(ReasonInvalidAmount)
		}
		if err := s.ensureAccountTx(tx, accountID); err != nil {
			return err
		}
		lockID, err := s.lockCreditsTx(tx, accountID, usageID, amountCents, periodStart, periodEnd)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO usage (
				usage_id, node_id, account_id, vcpu_hours, price_cents_per_vcpu_hour,
				amount_cents, period_start, period_end, status, lock_id, reported_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'locked', ?, ?)`,
			usageID, nodeID, accountID, strconv.FormatFloat(vcpuHours, 'f', -1, 64),
			price.Int64, amountCents, periodStart, periodEnd, lockID, s.utcnow(),
		); err != nil {
			return err
		}
		receipt = &UsageReceipt{UsageID: usageID, LockID: lockID, AmountCents: amountCents}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// eligibilityTx computes whether locked usage for the window settles to the
// provider or releases back to the payer.
func (s *Store) eligibilityTx(tx *sql.Tx, nodeID, periodStart, periodEnd string) (bool, []string, error) {
	reasons := []string{}
	var status, attestation, health string
	var stakeCents sql.NullInt64
	err := tx.QueryRow(
		"SELECT status, attestation_status, health_status, stake_amount_cents FROM nodes WHERE node_id = ?",
		nodeID,
	).Scan(&status, &attestation, &health, &stakeCents)
	if err == sql.ErrNoRows {
		return false, []string{"node_not_found"}, nil
	}
	if err != nil {
		return false, nil, err
	}
	if status != "active" {
		reasons = append(reasons, "node_inactive")
	}
	if attestation != "valid" {
		reasons = append(reasons, "attestation_invalid")
	}
	if health != "pass" {
		reasons = append(reasons, "health_fail")
	}
	if !stakeCents.Valid || stakeCents.Int64 <= 0 {
		reasons = append(reasons, "stake_missing")
	}

	rows, err := tx.Query(
		"SELECT event_type FROM node_events WHERE node_id = ? AND occurred_at >= ? AND occurred_at <= ?",
		nodeID, periodStart, periodEnd,
	)
	if err != nil {
		return false, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var eventType string
		if err := rows.Scan(&eventType); err != nil {
			return false, nil, err
		}
		switch eventType {
		case "health_miss":
			reasons = append(reasons, "health_miss")
		case "attest_miss":
			reasons = append(reasons, "attest_miss")
		}
	}
	if err := rows.Err(); err != nil {
		return false, nil, err
	}

	var reportID string
	err = tx.QueryRow(
		`SELECT report_id FROM abuse_reports
		 WHERE node_id = ? AND status = 'authorized'
		   AND (period_start IS NULL OR period_start <= ?)
		   AND (period_end IS NULL OR period_end >= ?)
		 LIMIT 1`,
		nodeID, periodEnd, periodStart,
	).Scan(&reportID)
	if err == nil {
		reasons = append(reasons, "abuse_authorized")
	} else if err != sql.ErrNoRows {
		return false, nil, err
	}

	return len(reasons) == 0, reasons, nil
}

// SettlePeriod resolves every locked usage row in the exact window: credit
// the provider when the node is eligible, otherwise release the lock back
// to the payer.
func (s *Store) SettlePeriod(nodeID, periodStart, periodEnd string) (*Settlement, error) {
	result := &Settlement{NodeID: nodeID, PeriodStart: periodStart, PeriodEnd: periodEnd}
	err := s.withTx(func(tx *sql.Tx) error {
		eligible, reasons, err := s.eligibilityTx(tx, nodeID, periodStart, periodEnd)
		if err != nil {
			return err
		}
		result.Eligible = eligible
		result.Reasons = reasons

		rows, err := tx.Query(
			`SELECT usage_id, account_id, amount_cents, lock_id FROM usage
			 WHERE node_id = ? AND period_start = ? AND period_end = ? AND status = 'locked'`,
			nodeID, periodStart, periodEnd,
		)
		if err != nil {
			return err
		}
		type lockedUsage struct {
			usageID, accountID, lockID string
			amountCents                int64
		}
		var usages []lockedUsage
		for rows.Next() {
			var u lockedUsage
			if err := rows.Scan(&u.usageID, &u.accountID, &u.amountCents, &u.lockID); err != nil {
				rows.Close()
				return err
			}
			usages = append(usages, u)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, u := range usages {
			if eligible {
				if err := s.settleLockTx(tx, u.lockID, nodeID, u.amountCents, u.usageID); err != nil {
					return err
				}
				if _, err := tx.Exec("UPDATE usage SET status = 'settled' WHERE usage_id = ?", u.usageID); err != nil {
					return err
				}
				result.Settled++
			} else {
				if err := s.releaseLockTx(tx, u.lockID, u.accountID, u.amountCents, u.usageID); err != nil {
					return err
				}
				if _, err := tx.Exec("UPDATE usage SET status = 'failed' WHERE usage_id = ?", u.usageID); err != nil {
					return err
				}
				result.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FileAbuseReport records a pending report against a node.
func (s *Store) FileAbuseReport(nodeID, periodStart, periodEnd, reportedBy, reason string) (*AbuseReport, error) {
	reportID := newID()
	err := s.withTx(func(tx *sql.Tx) error {
		if err := s.ensureNodeTx(tx, nodeID); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO abuse_reports (
				report_id, node_id, period_start, period_end, status, reported_by, created_at, reason
			) VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)`,
			reportID, nodeID, nullable(periodStart), nullable(periodEnd),
			nullable(reportedBy), s.utcnow(), nullable(reason),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &AbuseReport{ReportID: reportID, Status: "pending"}, nil
}

// AuthorizeAbuseReport adjudicates a pending report.
func (s *Store) AuthorizeAbuseReport(reportID, authorizedBy, action string) (*AbuseReport, error) {
	var status string
	switch action {
	case "authorize":
		status = "authorized"
	case "deny":
		status = "denied"
	default:
		return nil, errReason(ReasonInvalidAction)
	}
	err := s.withTx(func(tx *sql.Tx) error {
		var exists string
		err := tx.QueryRow("SELECT report_id FROM abuse_reports WHERE report_id = ?", reportID).Scan(&exists)
		if err == sql.ErrNoRows {
			return errReason(ReasonReportNotFound)
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			"UPDATE abuse_reports SET status = ?, authorized_by = ?, authorized_at = ? WHERE report_id = ?",
			status, nullable(authorizedBy), s.utcnow(), reportID,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &AbuseReport{ReportID: reportID, Status: status}, nil
}

// GetBalance returns the account balance, zero for unknown accounts.
func (s *Store) GetBalance(accountID string) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var balance int64
	err := s.db.QueryRow("SELECT balance_cents FROM accounts WHERE account_id = ?", accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return &Balance{AccountID: accountID, BalanceCents: 0}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Balance{AccountID: accountID, BalanceCents: balance}, nil
}
