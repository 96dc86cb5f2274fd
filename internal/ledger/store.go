package ledger

import (
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the SQLite database. Every public operation runs under the
// single writer mutex, so all operations are linearisable; every mutation
// also runs inside one transaction, so a failure leaves the store unchanged.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	now func() time.Time
}

// Open creates (or opens) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The mutex serialises writers; a single connection keeps SQLite happy.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	s := &Store{db: db, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) utcnow() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) ensureSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			price_cents_per_vcpu_hour INTEGER,
			stake_tier TEXT,
			stake_amount_cents INTEGER,
			attestation_status TEXT NOT NULL,
			health_status TEXT NOT NULL,
			last_attested_at TEXT,
			last_health_at TEXT,
			node_token_hash TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			balance_cents INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger (
			entry_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			delta_cents INTEGER NOT NULL,
			reason TEXT NOT NULL,
			ref_type TEXT,
			ref_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_locks (
			lock_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			usage_id TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage (
			usage_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			vcpu_hours TEXT NOT NULL,
			price_cents_per_vcpu_hour INTEGER NOT NULL,
			amount_cents INTEGER NOT NULL,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			status TEXT NOT NULL,
			lock_id TEXT NOT NULL,
			reported_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS abuse_reports (
			report_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			period_start TEXT,
			period_end TEXT,
			status TEXT NOT NULL,
			reported_by TEXT,
			authorized_by TEXT,
			created_at TEXT NOT NULL,
			authorized_at TEXT,
			reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS node_events (
			event_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			detail TEXT
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction under the writer mutex.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// HashToken is the stored form of a node token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenEqual(hash, token string) bool {
	return subtle.ConstantTimeCompare([]byte(hash), []byte(HashToken(token))) == 1
}

func (s *Store) ensureAccountTx(tx *sql.Tx, accountID string) error {
	var exists string
	err := tx.QueryRow("SELECT account_id FROM accounts WHERE account_id = ?", accountID).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}
	now := s.utcnow()
	_, err = tx.Exec(
		"INSERT INTO accounts (account_id, balance_cents, created_at, updated_at) VALUES (?, 0, ?, ?)",
		accountID, now, now,
	)
	return err
}

// applyBalanceDelta adjusts an account balance, failing with
// insufficient_funds rather than ever going negative.
func (s *Store) applyBalanceDelta(tx *sql.Tx, accountID string, delta int64) error {
	if err := s.ensureAccountTx(tx, accountID); err != nil {
		return err
	}
	var current int64
	if err := tx.QueryRow("SELECT balance_cents FROM accounts WHERE account_id = ?", accountID).Scan(&current); err != nil {
		return err
	}
	updated := current + delta
	if updated < 0 {
		return errReason(ReasonInsufficient)
	}
	_, err := tx.Exec(
		"UPDATE accounts SET balance_cents = ?, updated_at = ? WHERE account_id = ?",
		updated, s.utcnow(), accountID,
	)
	return err
}

func (s *Store) insertLedgerEntry(tx *sql.Tx, accountID string, delta int64, reason, refType, refID string) error {
	_, err := tx.Exec(
		`INSERT INTO ledger (entry_id, account_id, delta_cents, reason, ref_type, ref_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID(), accountID, delta, reason, nullable(refType), nullable(refID), s.utcnow(),
	)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
