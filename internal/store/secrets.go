package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SetSecret stores or replaces a secret value.
func (s *Store) SetSecret(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storing secret %q: %w", key, err)
	}
	return nil
}

// GetSecret returns the value for key, or ErrNotFound.
func (s *Store) GetSecret(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading secret %q: %w", key, err)
	}
	return value, nil
}

// DeleteSecret removes a secret. Deleting a missing key is not an error.
func (s *Store) DeleteSecret(key string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE key = ?`, key)
	return err
}

// RecordUsage stores one completion-service telemetry row.
func (s *Store) RecordUsage(u *UsageRecord) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO usage
		(id, session_id, backend, cost_usd, duration_ms, input_tokens, output_tokens, num_turns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.SessionID, u.Backend, u.CostUSD, u.DurationMS,
		u.InputTokens, u.OutputTokens, u.NumTurns, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}
	return nil
}

// TotalCost returns the accumulated completion cost across all usage rows.
func (s *Store) TotalCost() (float64, error) {
	var total float64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(cost_usd), 0) FROM usage`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing usage cost: %w", err)
	}
	return total, nil
}
