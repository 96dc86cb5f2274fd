package ledger

import (
	"database/sql"
	"strings"

	"github.com/google/uuid"
)

// newID mirrors the uuid4 hex identifiers used across the store.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EnsureNode creates an active node with unknown attestation and health,
// plus a same-named account, if neither exists yet.
func (s *Store) EnsureNode(nodeID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		return s.ensureNodeTx(tx, nodeID)
	})
}

func (s *Store) ensureNodeTx(tx *sql.Tx, nodeID string) error {
	var exists string
	err := tx.QueryRow("SELECT node_id FROM nodes WHERE node_id = ?", nodeID).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}
	now := s.utcnow()
	if _, err := tx.Exec(
		`INSERT INTO nodes (
			node_id, status, price_cents_per_vcpu_hour, stake_tier, stake_amount_cents,
			attestation_status, health_status, created_at, updated_at
		) VALUES (?, 'active', NULL, NULL, NULL, 'unknown', 'unknown', ?, ?)`,
		nodeID, now, now,
	); err != nil {
		return err
	}
	return s.ensureAccountTx(tx, nodeID)
}

// RegisterNodeParams carries the optional pricing and stake fields.
type RegisterNodeParams struct {
	NodeID                string
	PriceCentsPerVCPUHour *int64
	StakeTier             *string
	StakeAmountCents      *int64
	AllowUpdate           bool
	RotateToken           bool
}

// RegisterNode creates or updates a node. A fresh opaque token is returned
// on first issue or rotation; only its SHA-256 is stored.
func (s *Store) RegisterNode(p RegisterNodeParams) (*Node, string, error) {
	var tokenValue string
	err := s.withTx(func(tx *sql.Tx) error {
		var tokenHash sql.NullString
		err := tx.QueryRow("SELECT node_token_hash FROM nodes WHERE node_id = ?", p.NodeID).Scan(&tokenHash)
		switch {
		case err == nil:
			if !p.AllowUpdate {
				return errReason(ReasonNodeExists)
			}
			hash := tokenHash.String
			if p.RotateToken || hash == "" {
				tokenValue = newID()
				hash = HashToken(tokenValue)
			}
			_, err = tx.Exec(
				`UPDATE nodes
				 SET price_cents_per_vcpu_hour = ?, stake_tier = ?, stake_amount_cents = ?,
				     node_token_hash = ?, updated_at = ?
				 WHERE node_id = ?`,
				p.PriceCentsPerVCPUHour, p.StakeTier, p.StakeAmountCents, hash, s.utcnow(), p.NodeID,
			)
			return err
		case err == sql.ErrNoRows:
			tokenValue = newID()
			now := s.utcnow()
			if _, err := tx.Exec(
				`INSERT INTO nodes (
					node_id, status, price_cents_per_vcpu_hour, stake_tier, stake_amount_cents,
					attestation_status, health_status, node_token_hash, created_at, updated_at
				) VALUES (?, 'active', ?, ?, ?, 'unknown', 'unknown', ?, ?, ?)`,
				p.NodeID, p.PriceCentsPerVCPUHour, p.StakeTier, p.StakeAmountCents,
				HashToken(tokenValue), now, now,
			); err != nil {
				return err
			}
			return s.ensureAccountTx(tx, p.NodeID)
		default:
			return err
		}
	})
	if err != nil {
		return nil, "", err
	}
	node, err := s.GetNode(p.NodeID)
	if err != nil {
		return nil, "", err
	}
	return node, tokenValue, nil
}

// VerifyNodeToken compares in constant time against the stored hash.
func (s *Store) VerifyNodeToken(nodeID, token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var hash sql.NullString
	err := s.db.QueryRow("SELECT node_token_hash FROM nodes WHERE node_id = ?", nodeID).Scan(&hash)
	if err != nil || !hash.Valid || hash.String == "" {
		return false
	}
	return tokenEqual(hash.String, token)
}

// GetNode returns the node view, or nil when unknown.
func (s *Store) GetNode(nodeID string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT node_id, status, price_cents_per_vcpu_hour, stake_tier, stake_amount_cents,
		        attestation_status, health_status, last_attested_at, last_health_at,
		        created_at, updated_at
		 FROM nodes WHERE node_id = ?`, nodeID)

	var n Node
	var price, stakeCents sql.NullInt64
	var stakeTier, lastAttested, lastHealth sql.NullString
	err := row.Scan(
		&n.NodeID, &n.Status, &price, &stakeTier, &stakeCents,
		&n.AttestationStatus, &n.HealthStatus, &lastAttested, &lastHealth,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if price.Valid {
		n.PriceCentsPerVCPUHour = &price.Int64
	}
	if stakeTier.Valid {
		n.StakeTier = &stakeTier.String
	}
	if stakeCents.Valid {
		n.StakeAmountCents = &stakeCents.Int64
	}
	if lastAttested.Valid {
		n.LastAttestedAt = &lastAttested.String
	}
	if lastHealth.Valid {
		n.LastHealthAt = &lastHealth.String
	}
	return &n, nil
}

// UpdateNodePricing sets the per-vCPU-hour price.
func (s *Store) UpdateNodePricing(nodeID string, priceCents int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := s.ensureNodeTx(tx, nodeID); err != nil {
			return err
		}
		_, err := tx.Exec(
			"UPDATE nodes SET price_cents_per_vcpu_hour = ?, updated_at = ? WHERE node_id = ?",
			priceCents, s.utcnow(), nodeID,
		)
		return err
	})
}

// UpdateNodeStake sets the stake tier and amount.
func (s *Store) UpdateNodeStake(nodeID string, stakeTier *string, stakeAmountCents *int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := s.ensureNodeTx(tx, nodeID); err != nil {
			return err
		}
		_, err := tx.Exec(
			"UPDATE nodes SET stake_tier = ?, stake_amount_cents = ?, updated_at = ? WHERE node_id = ?",
			stakeTier, stakeAmountCents, s.utcnow(), nodeID,
		)
		return err
	})
}

// MarkAttestation records the node's latest attestation verdict.
func (s *Store) MarkAttestation(nodeID, status string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := s.ensureNodeTx(tx, nodeID); err != nil {
			return err
		}
		now := s.utcnow()
		_, err := tx.Exec(
			"UPDATE nodes SET attestation_status = ?, last_attested_at = ?, updated_at = ? WHERE node_id = ?",
			status, now, now, nodeID,
		)
		return err
	})
}

// MarkHealth records the node's latest health verdict.
func (s *Store) MarkHealth(nodeID, status string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := s.ensureNodeTx(tx, nodeID); err != nil {
			return err
		}
		now := s.utcnow()
		_, err := tx.Exec(
			"UPDATE nodes SET health_status = ?, last_health_at = ?, updated_at = ? WHERE node_id = ?",
			status, now, now, nodeID,
		)
		return err
	})
}

// NodeEvent is one appended lifecycle event.
type NodeEvent struct {
	EventID    string `json:"event_id"`
	NodeID     string `json:"node_id"`
	EventType  string `json:"event_type"`
	OccurredAt string `json:"occurred_at"`
	Detail     string `json:"detail,omitempty"`
}

// NodeEvents returns a node's event log, oldest first.
func (s *Store) NodeEvents(nodeID string) ([]NodeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		"SELECT event_id, node_id, event_type, occurred_at, detail FROM node_events WHERE node_id = ? ORDER BY occurred_at",
		nodeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []NodeEvent
	for rows.Next() {
		var e NodeEvent
		var detail sql.NullString
		if err := rows.Scan(&e.EventID, &e.NodeID, &e.EventType, &e.OccurredAt, &detail); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordNodeEvent appends to the node event log consulted by settlement.
func (s *Store) RecordNodeEvent(nodeID, eventType, detail string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := s.ensureNodeTx(tx, nodeID); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO node_events (event_id, node_id, event_type, occurred_at, detail)
			 VALUES (?, ?, ?, ?, ?)`,
			newID(), nodeID, eventType, s.utcnow(), nullable(detail),
		)
		return err
	})
}
